package campaign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("campaign not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrAlreadyTerminal = errors.New("campaign already terminal")
	ErrInvalidState    = errors.New("invalid campaign state for operation")
	ErrRunInProgress   = errors.New("campaign execution already in progress")

	// ErrResolutionFailed wraps a directory error during resolution. The
	// campaign stays in "sending" and a later Execute resumes it.
	ErrResolutionFailed = errors.New("target resolution failed")
)

// ValidationError rejects a create/validate request before any campaign work
// begins.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.ChatID != 0 {
			parts = append(parts, fmt.Sprintf("chat %d: %s", is.ChatID, is.Reason))
		} else {
			parts = append(parts, is.Reason)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func specIssue(reason string) ValidationIssue {
	return ValidationIssue{Reason: reason}
}

func chatIssue(id int64, reason string) ValidationIssue {
	return ValidationIssue{ChatID: id, Reason: reason}
}
