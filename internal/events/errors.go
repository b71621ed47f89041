package events

import (
	"errors"
	"fmt"
)

// DecodeError reports an event that can never be materialized: malformed
// JSON, a missing resource role or an invalid payload. Retrying it is
// pointless, so consumers drop or dead-letter it instead of redelivering.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Message, e.Err)
	}
	return "decode event: " + e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(format string, args ...any) *DecodeError {
	return &DecodeError{Message: fmt.Sprintf(format, args...)}
}

// IsDecodeError returns true if err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
