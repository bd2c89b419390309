package sync

import "time"

// Phase is a step of the run state machine
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFetching       Phase = "fetching"
	PhasePartialFailure Phase = "partial_failure"
	PhaseComplete       Phase = "complete"
	PhaseCommitting     Phase = "committing"
)

// Result is the outcome of one run. It is never persisted; the commit it
// produces is the only durable record.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	// Phase is complete or partial_failure for finished runs
	Phase Phase

	// Paths are slash-separated and relative to the docs directory
	Written   []string
	Unchanged []string
	Removed   []string
	Failed    []*FetchError

	Bytes  int64
	DryRun bool

	// Commit is empty when the synced paths already matched HEAD, including
	// files written by an earlier run whose commit failed and was retried
	Commit string
	// Pushed reports that the remote branch holds the local branch after
	// this run
	Pushed     bool
	PublishErr error
}

// Changed reports whether the run wrote or removed any file
func (r *Result) Changed() bool {
	return len(r.Written) > 0 || len(r.Removed) > 0
}

// Duration returns how long the run took
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
