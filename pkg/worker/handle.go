package worker

import (
	"context"
	"sync"
	"time"
)

// Operation is the kind of job the pool runs for an account.
type Operation string

const (
	OpRegister Operation = "register"
	OpRefresh  Operation = "refresh"
)

// Job asks the pool to run one operation for one account.
type Job struct {
	Email string    `json:"email"`
	Op    Operation `json:"op"`
}

// State is the lifecycle of a submitted job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Handle tracks a submitted job.
type Handle struct {
	ID          string
	Job         Job
	SubmittedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	startedAt time.Time
}

func newHandle(parent context.Context, id string, job Job, now time.Time) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:          id,
		Job:         job,
		SubmittedAt: now,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateQueued,
	}
}

// Done is closed once the job has been finalized and the account released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job's failure, or nil while running and on success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// State returns the job's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StartedAt returns when a worker picked the job up.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Wait blocks until the job is finalized or ctx ends, and returns the job's error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start moves a queued job to running. It fails if the job was already
// finalized while it waited.
func (h *Handle) start(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateQueued {
		return false
	}
	h.state = StateRunning
	h.startedAt = now
	return true
}

// abandon finalizes a job that never started.
func (h *Handle) abandon() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateQueued {
		return false
	}
	h.state = StateFailed
	return true
}

// complete records the outcome and wakes waiters.
func (h *Handle) complete(err error) {
	h.mu.Lock()
	h.err = err
	if err != nil {
		h.state = StateFailed
	} else {
		h.state = StateSucceeded
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}
