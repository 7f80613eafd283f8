package matchqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest rejects a request before any state is touched.
	ErrInvalidRequest = errors.New("invalid match request")
	// ErrNotFound reports that a request is no longer in the store.
	// Callers racing with a cancel or another match treat this as a benign no-op.
	ErrNotFound = errors.New("match request not found")
	// ErrUnavailable wraps transient Redis failures. The operation was not applied.
	ErrUnavailable = errors.New("match store unavailable")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func replyErr(op string, res interface{}) error {
	return fmt.Errorf("%w: %s: unexpected script reply %#v", ErrUnavailable, op, res)
}
