// Package coordinator ensures at most one pyramid generation run per image
// is in flight. Concurrent callers attach to the running generation; a
// committed pyramid on disk is reported as completed without running
// anything.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/uid"
)

// Phase is the generation phase of one image.
type Phase int

const (
	NotStarted Phase = iota
	InProgress
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "not_started"
}

// State is a snapshot of the generation state of one image.
type State struct {
	Phase      Phase
	Token      string
	StartedAt  time.Time
	FinishedAt time.Time
	// Err is the recorded failure of a Failed run.
	Err error
}

// Elapsed returns how long the run has been (or was) in progress.
func (s State) Elapsed() time.Duration {
	switch {
	case s.StartedAt.IsZero():
		return 0
	case s.FinishedAt.IsZero():
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Terminal reports whether the state can no longer change without a new
// Ensure.
func (s State) Terminal() bool {
	return s.Phase == Completed || s.Phase == Failed
}

// run is one generation attempt. state is guarded by Coordinator.mu; guard
// serializes commit against cancellation.
type run struct {
	id     string
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  State

	guard     sync.Mutex
	cancelled bool
}

// Coordinator schedules generation runs on a bounded worker pool.
type Coordinator struct {
	gen Generator
	sem *semaphore.Weighted

	mu       sync.Mutex
	runs     map[string]*run
	deleting map[string]bool

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	runCount atomic.Int64
}

// New creates a Coordinator running at most workers generations at once.
func New(gen Generator, workers int) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		gen:      gen,
		sem:      semaphore.NewWeighted(int64(workers)),
		runs:     make(map[string]*run),
		deleting: make(map[string]bool),
		base:     base,
		stop:     stop,
	}
}

// Ensure makes sure the pyramid of id is generated or being generated and
// returns the current state. An in-progress or completed pyramid is left
// alone; a failed one is retried. The caller must have checked that id is
// registered.
func (c *Coordinator) Ensure(id string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleting[id] {
		return State{}, zerrors.ErrNotFound.WithMessage("image %q is being deleted", id)
	}
	r := c.lookupLocked(id)
	if r != nil && r.state.Phase != Failed {
		return r.state, nil
	}

	r = c.startLocked(id)
	return r.state, nil
}

// lookupLocked returns the run of id, loading a committed pyramid from disk
// when nothing is known about id yet.
func (c *Coordinator) lookupLocked(id string) *run {
	if r, ok := c.runs[id]; ok {
		return r
	}
	token, ok := c.gen.Completed(id)
	if !ok {
		return nil
	}
	done := make(chan struct{})
	close(done)
	r := &run{
		id:    id,
		token: token,
		ctx:   c.base,
		done:  done,
		state: State{Phase: Completed, Token: token},
	}
	r.cancel = func() {}
	c.runs[id] = r
	return r
}

func (c *Coordinator) startLocked(id string) *run {
	ctx, cancel := context.WithCancel(c.base)
	token := uid.New()
	r := &run{
		id:     id,
		token:  token,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  State{Phase: InProgress, Token: token, StartedAt: time.Now()},
	}
	c.runs[id] = r
	c.runCount.Add(1)
	c.wg.Add(1)
	slog.Info("Generation scheduled", "id", id, "token", token)
	go c.execute(r)
	return r
}

func (c *Coordinator) execute(r *run) {
	defer c.wg.Done()
	defer close(r.done)
	defer r.cancel()

	if err := c.sem.Acquire(r.ctx, 1); err != nil {
		c.finish(r, zerrors.ErrCancelled.WithCause(err))
		return
	}
	defer c.sem.Release(1)

	metrics.GenerationInProgress.Inc()
	defer metrics.GenerationInProgress.Dec()

	staged, err := c.gen.Generate(r.ctx, r.id, r.token)
	if err == nil {
		r.guard.Lock()
		if r.cancelled {
			if derr := staged.Discard(); derr != nil {
				slog.Warn("Failed to discard cancelled run", "id", r.id, "error", derr)
			}
			err = zerrors.ErrCancelled
		} else {
			err = staged.Commit()
		}
		r.guard.Unlock()
	}
	c.finish(r, err)
}

// finish records the outcome of r. A run that has been replaced or removed
// only updates its own state, never the current entry of its image.
func (c *Coordinator) finish(r *run, err error) {
	c.mu.Lock()
	r.state.FinishedAt = time.Now()
	if err != nil {
		r.state.Phase = Failed
		r.state.Err = err
	} else {
		r.state.Phase = Completed
	}
	st := r.state
	current := c.runs[r.id] == r
	c.mu.Unlock()

	elapsed := st.Elapsed()
	switch {
	case err == nil:
		metrics.GenerationRunsTotal.WithLabelValues("completed").Inc()
		metrics.GenerationDuration.Observe(elapsed.Seconds())
		slog.Info("Generation completed", "id", r.id, "token", st.Token, "elapsed", elapsed)
	case errors.Is(err, zerrors.ErrCancelled):
		metrics.GenerationRunsTotal.WithLabelValues("cancelled").Inc()
		slog.Info("Generation cancelled", "id", r.id, "token", st.Token, "elapsed", elapsed, "current", current)
	default:
		metrics.GenerationRunsTotal.WithLabelValues("failed").Inc()
		slog.Error("Generation failed", "id", r.id, "token", st.Token, "elapsed", elapsed, "error", err)
	}
}

// Status returns the state of id without starting anything.
func (c *Coordinator) Status(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleting[id] {
		return State{}
	}
	if r := c.lookupLocked(id); r != nil {
		return r.state
	}
	return State{}
}

// Wait blocks until the current run of id is terminal or ctx is done.
// Giving up on the wait does not cancel the run. Without a run, Wait
// returns the state immediately.
func (c *Coordinator) Wait(ctx context.Context, id string) (State, error) {
	c.mu.Lock()
	r := c.lookupLocked(id)
	c.mu.Unlock()
	if r == nil {
		return State{}, nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return c.Status(id), ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.state, nil
}

// Cancel stops the run of id, waits until it has acknowledged, and forgets
// id. Output of a cancelled run is discarded, never committed.
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	r := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()
	c.cancelRun(r)
}

func (c *Coordinator) cancelRun(r *run) {
	if r == nil {
		return
	}
	r.guard.Lock()
	r.cancelled = true
	r.cancel()
	r.guard.Unlock()
	<-r.done
}

// Remove cancels the run of id and calls remove while no new run for id
// can start. Ensure reports NotFound for id until Remove returns.
func (c *Coordinator) Remove(id string, remove func() error) error {
	c.mu.Lock()
	c.deleting[id] = true
	r := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()

	c.cancelRun(r)
	err := remove()

	c.mu.Lock()
	delete(c.deleting, id)
	delete(c.runs, id)
	c.mu.Unlock()
	return err
}

// RunCount returns the number of runs started since New.
func (c *Coordinator) RunCount() int64 {
	return c.runCount.Load()
}

// Close cancels every run and waits for them to stop, or for ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.runs {
		r.guard.Lock()
		r.cancelled = true
		r.guard.Unlock()
	}
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
