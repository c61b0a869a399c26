package statekv

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/statekv/internal/keyspace"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("statekv: store is closed")

	// ErrCollectionMismatch is returned when a collection update carries a
	// key outside that collection.
	ErrCollectionMismatch = errors.New("statekv: key does not belong to the collection")
)

// LookupError is returned when a key belongs to no registered collection.
type LookupError = keyspace.LookupError

// ValidationError reports a value that can never be stored. It is the only
// storage-side failure returned to callers.
type ValidationError struct {
	Key string
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("statekv: %s: invalid value: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("statekv: %s %q: invalid value: %v", e.Op, e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IncompatibleShapeError describes an update whose container kind conflicts
// with the stored value. The store drops such updates and reports them
// through Logger and Hooks; the error value is what gets logged.
type IncompatibleShapeError struct {
	Key          string
	Method       string
	ExistingKind string
	NewKind      string
}

func (e *IncompatibleShapeError) Error() string {
	return fmt.Sprintf("statekv: %s %q: cannot replace %s with %s", e.Method, e.Key, e.ExistingKind, e.NewKind)
}

// InvalidUpdateError is returned by Update when an entry is malformed.
// Nothing from the batch is applied.
type InvalidUpdateError struct {
	Index  int
	Method Method
	Reason string
}

func (e *InvalidUpdateError) Error() string {
	return fmt.Sprintf("statekv: update #%d (%s): %s", e.Index, e.Method, e.Reason)
}
