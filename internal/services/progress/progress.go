// Package progress derives a job's completion percentage from its milestones.
package progress

import (
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

// Compute returns round(100 * completed / total), 0 for no milestones.
func Compute(milestones []models.Milestone) int {
	total := len(milestones)
	if total == 0 {
		return 0
	}
	completed := 0
	for i := range milestones {
		if milestones[i].Status == models.MilestoneCompleted {
			completed++
		}
	}
	// integer half-up rounding
	return (200*completed + total) / (2 * total)
}

// Recompute writes the derived progress onto the job and returns it. Only the
// progress field changes.
func Recompute(tx store.Tx, jobID uuid.UUID) (int, error) {
	milestones, err := tx.Milestones().ListByJob(jobID)
	if err != nil {
		return 0, err
	}
	job, err := tx.Jobs().Get(jobID)
	if err != nil {
		return 0, err
	}
	p := Compute(milestones)
	if job.Progress == p {
		return p, nil
	}
	job.Progress = p
	return p, tx.Jobs().Update(job)
}
