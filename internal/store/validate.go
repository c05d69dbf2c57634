package store

import "fmt"

// MaxSubjectLength is the maximum length of a journal subject (action label,
// mode name or peer name). Matches the VARCHAR(255) column.
const MaxSubjectLength = 255

// ValidateSubject checks that a subject does not exceed MaxSubjectLength.
func ValidateSubject(s string) error {
	if len(s) > MaxSubjectLength {
		return fmt.Errorf("journal subject too long: %d chars (max %d)", len(s), MaxSubjectLength)
	}
	return nil
}
