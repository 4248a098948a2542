package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates that no card exists for the given id.
var ErrNotFound = errors.New("card not found")

// ErrNoTransaction indicates a commit or rollback without an open frame.
var ErrNoTransaction = errors.New("no open transaction")

// ConcurrentModificationError reports an optimistic-lock failure: the
// stored version no longer matches the version the caller read. The
// caller is expected to re-fetch the card and retry.
type ConcurrentModificationError struct {
	CardID   string
	Expected int
	Actual   int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of card %s: expected version %d, found %d",
		e.CardID, e.Expected, e.Actual)
}

// IsConflict reports whether err is an optimistic-lock failure.
func IsConflict(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// ValidationError reports a card that cannot be stored as given.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
