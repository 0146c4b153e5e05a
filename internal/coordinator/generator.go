package coordinator

import "context"

// Generator cuts pyramids. Implementations write a run's output somewhere
// private and only make it visible in Staged.Commit.
type Generator interface {
	// Generate cuts the pyramid of id for run token. It returns a Cancelled
	// error once ctx is done.
	Generate(ctx context.Context, id, token string) (Staged, error)
	// Completed reports whether a committed pyramid for id exists on disk,
	// and the token of the run that committed it.
	Completed(id string) (token string, ok bool)
}

// Staged is the output of a finished run, not yet visible to readers.
type Staged interface {
	// Commit promotes the output. The completion marker is the last thing
	// written.
	Commit() error
	// Discard removes the output.
	Discard() error
}
