package queue

import (
	"context"
	"sync"
	"time"

	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
)

// Handle is the caller's view of one submitted execution.
type Handle struct {
	id        string
	req       execution.ExecutionRequest
	ctx       context.Context
	cancel    context.CancelFunc
	submitted time.Time

	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	state    execution.State
	changed  chan struct{}
	result   *executor.Result
	finished time.Time
}

func newHandle(parent context.Context, id string, req execution.ExecutionRequest) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		id:        id,
		req:       req,
		ctx:       ctx,
		cancel:    cancel,
		submitted: time.Now(),
		done:      make(chan struct{}),
		state:     execution.StateIdle,
		changed:   make(chan struct{}),
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Request() execution.ExecutionRequest { return h.req }

// Context is cancelled when the handle is cancelled or its submitter goes away.
func (h *Handle) Context() context.Context { return h.ctx }

// Submitted is when the handle entered the queue.
func (h *Handle) Submitted() time.Time { return h.submitted }

func (h *Handle) State() execution.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Changed returns a channel closed on the next state transition.
func (h *Handle) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Snapshot returns the state, the result if published, and the channel that
// signals the transition after this one, all read atomically.
func (h *Handle) Snapshot() (execution.State, *executor.Result, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.result, h.changed
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is nil until the execution finished.
func (h *Handle) Result() *executor.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Wait blocks until the result is published or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*executor.Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the execution. A queued job is finished right away and will
// be skipped by the workers; a running one is killed by its sandbox.
func (h *Handle) Cancel() {
	h.cancel()
	h.mu.Lock()
	pending := !h.state.Terminal() && h.state != execution.StateRunning
	h.mu.Unlock()
	if pending {
		h.Complete(&executor.Result{
			Response: execution.Failed(h.req.TestCases, execution.ClassCancelled, "execution cancelled"),
			Class:    execution.ClassCancelled,
		})
	}
}

// MarkRunning claims the handle for a worker. It returns false when the
// handle already finished, which is how cancelled jobs get skipped.
func (h *Handle) MarkRunning() bool {
	return h.transition(execution.StateRunning)
}

// Complete publishes the result. Only the first call has any effect.
func (h *Handle) Complete(res *executor.Result) bool {
	published := false
	h.once.Do(func() {
		h.mu.Lock()
		h.result = res
		h.finished = time.Now()
		h.mu.Unlock()

		next := execution.StateComplete
		if res == nil || res.Response == nil || !res.Response.Success {
			next = execution.StateError
		}
		h.transition(next)
		close(h.done)
		h.cancel()
		published = true
	})
	return published
}

func (h *Handle) transition(next execution.State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CanTransition(next) {
		return false
	}
	h.state = next
	close(h.changed)
	h.changed = make(chan struct{})
	return true
}

// expired reports whether a finished handle has outlived ttl.
func (h *Handle) expired(now time.Time, ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Terminal() && !h.finished.IsZero() && now.Sub(h.finished) > ttl
}
