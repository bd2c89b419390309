package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnreachable indicates that no upstream request succeeded
	ErrSourceUnreachable = errors.New("sync: upstream source unreachable")

	// ErrRunInProgress indicates another run holds the run lock
	ErrRunInProgress = errors.New("sync: another run is in progress")
)

// Stages reported by run errors
const (
	StageList      = "list"
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageProbe     = "probe"
	StageWrite     = "write"
	StagePrune     = "prune"
	StageCommit    = "commit"
	StagePush      = "push"
)

// FetchError is a per-file failure. It is recorded and the run continues.
type FetchError struct {
	Path  string // upstream path
	Stage string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError aborts the run before anything is committed
type WriteError struct {
	Path  string // local path
	Stage string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PublishError is a commit or push failure after the docs directory was
// updated. Local files are kept; re-running the job retries the publish.
type PublishError struct {
	Stage string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// errorType labels fatal errors for metrics
func errorType(err error) string {
	var writeErr *WriteError
	switch {
	case errors.As(err, &writeErr):
		return writeErr.Stage
	case errors.Is(err, ErrSourceUnreachable):
		return "source_unreachable"
	case errors.Is(err, ErrRunInProgress):
		return "run_in_progress"
	default:
		return "other"
	}
}
