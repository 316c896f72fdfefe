package milestone

import (
	"path/filepath"
	"strings"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

const (
	MaxFilesPerSubmission = 5
	MaxFileSize           = 10 << 20
)

var allowedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".zip": true,
	".rar": true, ".jpg": true, ".jpeg": true, ".png": true,
}

// validateFiles checks deliverable metadata handed over by the file service.
func validateFiles(files []models.SubmissionFile) error {
	if len(files) > MaxFilesPerSubmission {
		return apperr.Validation("", "too many files").WithDetail("max_files", MaxFilesPerSubmission)
	}
	for _, f := range files {
		name := f.OriginalName
		if name == "" {
			name = f.Filename
		}
		if strings.TrimSpace(f.Path) == "" {
			return apperr.Validation("", "file path is required").WithDetail("file", name)
		}
		if f.Size < 0 || f.Size > MaxFileSize {
			return apperr.Validation("", "file exceeds the 10MB limit").WithDetail("file", name)
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
			return apperr.Validation("", "file type not allowed").WithDetail("file", name)
		}
	}
	return nil
}

// mergeFiles appends incoming to existing. A file whose path is already present
// replaces the earlier entry, so a retried submission does not duplicate metadata.
func mergeFiles(existing, incoming []models.SubmissionFile) []models.SubmissionFile {
	out := make([]models.SubmissionFile, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, f := range append(append([]models.SubmissionFile{}, existing...), incoming...) {
		if i, ok := index[f.Path]; ok {
			out[i] = f
			continue
		}
		index[f.Path] = len(out)
		out = append(out, f)
	}
	return out
}

func sameFiles(a, b []models.SubmissionFile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
