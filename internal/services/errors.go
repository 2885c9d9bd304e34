package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers used to classify workflow failures. The engine inspects
// these to decide between retry and abort (see Retriable).
var (
	ErrTransient  = errors.New("transient failure")
	ErrTimeout    = errors.New("timeout")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrTerminal   = errors.New("terminal failure")
)

// Wrap builds an error message that includes workflow context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, workflow, operation, message string, err error) error {
	detail := buildDetail(workflow, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retriable reports whether the error may succeed on a later attempt.
// Validation, not-found and explicitly terminal errors never do.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

func buildDetail(workflow, operation, message string) string {
	parts := make([]string, 0, 3)
	if workflow = strings.TrimSpace(workflow); workflow != "" {
		parts = append(parts, workflow)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
