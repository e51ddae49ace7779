package conversation

import (
	"errors"
	"fmt"
)

// ErrMediaNotFound is returned when a media reference does not resolve to a file.
var ErrMediaNotFound = errors.New("media not found")

// PersistenceError reports a failed log or media write. The in-memory state is unaffected.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
