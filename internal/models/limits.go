package models

import "unicode/utf8"

// MaxTitleLen matches the varchar(200) title columns.
const MaxTitleLen = 200

// TitleFits reports whether s fits a title column. Postgres counts characters, not bytes.
func TitleFits(s string) bool {
	return utf8.RuneCountInString(s) <= MaxTitleLen
}

// ValidCurrency reports whether code is a 3-letter upper-case currency code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
