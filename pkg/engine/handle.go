package engine

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	ferrors "github.com/strandline/ferryman/pkg/errors"
)

// HandleState is the lifecycle state of a browser engine handle.
type HandleState string

const (
	StateStarting   HandleState = "starting"
	StateReady      HandleState = "ready"
	StateBusy       HandleState = "busy"
	StateCrashed    HandleState = "crashed"
	StateTerminated HandleState = "terminated"
)

// Handle owns one Engine and tracks its lifecycle explicitly:
// Starting -> Ready <-> Busy, with Crashed and Terminated as sinks.
// A crashed handle is never reused; the pool tears it down and spawns a
// replacement.
type Handle struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	state    HandleState
	engine   Engine
	lastUsed time.Time
}

// NewHandle creates a handle in the Starting state. Start must be called
// before the handle can serve contexts.
func NewHandle() *Handle {
	now := time.Now()
	return &Handle{
		id:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		createdAt: now,
		state:     StateStarting,
		lastUsed:  now,
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// CreatedAt returns when the handle was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastUsed returns when the handle last served a context.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Start spawns the engine process via the runtime, blocking until it is
// ready or the timeout elapses. On failure the handle transitions to
// Crashed and a STARTUP error is returned.
func (h *Handle) Start(ctx context.Context, runtime Runtime, timeout time.Duration) error {
	h.mu.Lock()
	if h.state != StateStarting {
		state := h.state
		h.mu.Unlock()
		return ferrors.Newf(ferrors.ErrCodeStartup, "handle in state %s cannot start", state).
			WithContext("handle_id", h.id)
	}
	h.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eng, err := runtime.NewEngine(startCtx)
	if err != nil {
		h.mu.Lock()
		h.state = StateCrashed
		h.mu.Unlock()
		return ferrors.Wrap(err, ferrors.ErrCodeStartup, "browser engine failed to become ready").
			WithContext("handle_id", h.id).
			WithRetryable(true)
	}

	h.mu.Lock()
	h.engine = eng
	h.state = StateReady
	h.mu.Unlock()
	return nil
}

// NewContext creates an isolated browsing context and moves the handle to
// Busy. Only a Ready handle can serve a context.
func (h *Handle) NewContext(ctx context.Context) (BrowsingContext, error) {
	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return nil, ferrors.Newf(ferrors.ErrCodeContextCreate, "handle in state %s cannot create context", state).
			WithContext("handle_id", h.id)
	}
	eng := h.engine
	h.state = StateBusy
	h.lastUsed = time.Now()
	h.mu.Unlock()

	bctx, err := eng.NewContext(ctx)
	if err != nil {
		// Context creation failing usually means the process died.
		h.mu.Lock()
		h.state = StateCrashed
		h.mu.Unlock()
		return nil, ferrors.Wrap(err, ferrors.ErrCodeContextCreate, "failed to create browsing context").
			WithContext("handle_id", h.id).
			WithRetryable(true)
	}
	return bctx, nil
}

// Release moves a Busy handle back to Ready after its context was closed.
// A handle found crashed stays crashed.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateBusy {
		h.state = StateReady
		h.lastUsed = time.Now()
	}
}

// HealthCheck probes the engine. A failed probe transitions the handle to
// Crashed; crashed and terminated handles stay where they are.
func (h *Handle) HealthCheck(ctx context.Context) HandleState {
	h.mu.Lock()
	state := h.state
	eng := h.engine
	h.mu.Unlock()

	if state == StateCrashed || state == StateTerminated || eng == nil {
		return state
	}

	if err := eng.Healthy(ctx); err != nil {
		h.mu.Lock()
		h.state = StateCrashed
		h.mu.Unlock()
		return StateCrashed
	}
	return state
}

// Terminate kills the engine process, best effort. Idempotent: the first
// call transitions to Terminated, later calls are no-ops. A crashed handle
// is still terminated to reclaim OS resources.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.state == StateTerminated {
		h.mu.Unlock()
		return
	}
	eng := h.engine
	h.state = StateTerminated
	h.engine = nil
	h.mu.Unlock()

	if eng != nil {
		_ = eng.Terminate()
	}
}

// MarkCrashed forces the handle into the Crashed state. Used by callers
// that observe a dead engine through a failed operation rather than a
// health check.
func (h *Handle) MarkCrashed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateTerminated {
		h.state = StateCrashed
	}
}
