package concurrency

import (
	"errors"
	"fmt"

	"github.com/roach88/runrecorder/internal/store"
)

// ValidationError reports a request that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError names a tag without a concurrency limit. It wraps
// store.ErrNotFound.
type NotFoundError struct {
	Tag string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("concurrency limit %q not found", e.Tag)
}

func (e *NotFoundError) Unwrap() error {
	return store.ErrNotFound
}

// IsValidationError returns true if err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFoundError returns true if err is, or wraps, a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is a duplicate tag.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, store.ErrAlreadyExists)
}

// translate maps store errors to this package's error types.
func translate(err error) error {
	var nf *store.LimitNotFoundError
	if errors.As(err, &nf) {
		return &NotFoundError{Tag: nf.Tag}
	}
	return err
}
