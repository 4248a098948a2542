package factcards

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvik/factcards/pkg/store"
)

// Error type constants for metric and trace labels.
const (
	ErrTypeValidation = "validation"
	ErrTypeConflict   = "conflict"
	ErrTypeNotFound   = "notfound"
	ErrTypeUnknown    = "unknown"
)

// ValidationError reports a write op that is malformed for its kind,
// e.g. a SUPERSEDE without a target card id.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ClassifyError maps an error onto its type label. Used to group
// failures in metrics and traces without leaking card content.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	if store.IsConflict(err) {
		return ErrTypeConflict
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrTypeValidation
	}
	var sve *store.ValidationError
	if errors.As(err, &sve) {
		return ErrTypeValidation
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrTypeNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "concurrent modification"):
		return ErrTypeConflict
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown card"):
		return ErrTypeNotFound
	case strings.Contains(msg, "requires") || strings.Contains(msg, "invalid") || strings.Contains(msg, "unknown operation"):
		return ErrTypeValidation
	}
	return ErrTypeUnknown
}
