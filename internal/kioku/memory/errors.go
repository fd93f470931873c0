package memory

import (
	"errors"
	"fmt"
)

// ErrCollaboratorUnavailable marks failures of an external collaborator
// (embedder, vector index, completer). Callers match it with errors.Is; the
// underlying transport error stays wrapped alongside it.
var ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

// ErrRetrievalInconsistency is reported when the vector index returns a
// record that belongs to a different user than the one that asked.
var ErrRetrievalInconsistency = errors.New("retrieval returned a foreign record")

// ValidationError is returned synchronously for bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// unavailable wraps a collaborator failure so that both the sentinel and the
// original cause remain matchable.
func unavailable(collaborator string, err error) error {
	return fmt.Errorf("%s: %w: %w", collaborator, ErrCollaboratorUnavailable, err)
}
