package ot

import "fmt"

// Validation failure kinds.
const (
	InvalidOutOfBounds    = "out_of_bounds"
	InvalidLength         = "invalid_length"
	InvalidMissingContent = "missing_content"
	InvalidSelection      = "invalid_selection"
)

// ValidationError reports why an operation cannot apply to the content it
// was submitted against. Always the client's fault; never retried.
type ValidationError struct {
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation (%s): %s", e.Kind, e.Reason)
}

func invalidf(kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (op Insert) Validate(content string) error {
	if op.Text == "" {
		return invalidf(InvalidMissingContent, "insert with empty content")
	}
	if op.Pos < 0 || op.Pos > len(content) {
		return invalidf(InvalidOutOfBounds, "insert position %d outside content of length %d", op.Pos, len(content))
	}
	return nil
}

func (op Delete) Validate(content string) error {
	if op.Len <= 0 {
		return invalidf(InvalidLength, "delete length %d must be positive", op.Len)
	}
	if op.Pos < 0 || op.Pos >= len(content) {
		return invalidf(InvalidOutOfBounds, "delete position %d outside content of length %d", op.Pos, len(content))
	}
	if op.Pos+op.Len > len(content) {
		return invalidf(InvalidOutOfBounds, "delete range [%d, %d) exceeds content of length %d", op.Pos, op.Pos+op.Len, len(content))
	}
	return nil
}

func (op Replace) Validate(content string) error {
	if op.Start < 0 || op.Start >= len(content) {
		return invalidf(InvalidOutOfBounds, "selection start %d outside content of length %d", op.Start, len(content))
	}
	if op.End < op.Start {
		return invalidf(InvalidSelection, "selection end %d before start %d", op.End, op.Start)
	}
	if op.End > len(content) {
		return invalidf(InvalidOutOfBounds, "selection end %d exceeds content of length %d", op.End, len(content))
	}
	return nil
}
