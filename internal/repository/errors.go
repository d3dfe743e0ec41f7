package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"yahtzee/internal/database"
)

// ErrNotFound is returned by mutations whose target row does not exist.
var ErrNotFound = errors.New("record not found")

// DuplicateError reports a unique constraint violation on Field.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s", e.Field)
}

// asDuplicate converts a driver unique violation into a *DuplicateError
// naming the first of fields that appears in the violated key. It returns
// nil when err is not a unique violation.
func asDuplicate(d database.Dialect, err error, fields ...string) error {
	key, ok := d.UniqueViolation(err)
	if !ok {
		return nil
	}
	for _, f := range fields {
		if strings.Contains(key, f) {
			return &DuplicateError{Field: f}
		}
	}
	return &DuplicateError{Field: key}
}

// now is the timestamp written on inserts and updates. Postgres keeps
// microseconds, so that is the precision every dialect gets.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
