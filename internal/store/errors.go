package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a row whose unique key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// LimitNotFoundError names the tag that had no concurrency limit.
// It matches ErrNotFound with errors.Is.
type LimitNotFoundError struct {
	Tag string
}

func (e *LimitNotFoundError) Error() string {
	return fmt.Sprintf("concurrency limit %q: %s", e.Tag, ErrNotFound)
}

func (e *LimitNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
