package usecase

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen aborts persistence after too many consecutive failures.
	ErrCircuitOpen = errors.New("persistence circuit open")
	// ErrStorageUnavailable is returned when the repository health check fails.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRunNotFound is returned by Snapshot for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// CollectionError records a source job that ended early.
type CollectionError struct {
	JobID  string
	Source string
	Err    error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s (%s): %v", e.JobID, e.Source, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }
