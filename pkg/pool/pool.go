// Package pool maintains a bounded set of warm browser engine handles and
// hands out isolated browsing contexts to tasks. Capacity is enforced with
// a weighted semaphore; all idle-set and handle-count mutations happen
// under a single mutex. Crashed handles are discarded and replaced up to a
// bounded budget per time window; beyond that the pool degrades and the
// gateway surfaces 503 until a replacement succeeds.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/strandline/ferryman/pkg/engine"
	ferrors "github.com/strandline/ferryman/pkg/errors"
	"github.com/strandline/ferryman/pkg/logging"
)

// Config tunes the pool.
type Config struct {
	// Size is the target number of warm handles (and the cap on
	// concurrently leased contexts).
	Size int

	// StartupTimeout bounds each engine spawn.
	StartupTimeout time.Duration

	// IdleRecycleInterval recycles handles idle longer than this, to
	// bound long-running browser memory growth. Zero disables recycling.
	IdleRecycleInterval time.Duration

	// CrashRetryLimit is the number of failed replacement starts
	// tolerated per CrashRetryWindow before the pool degrades.
	CrashRetryLimit  int
	CrashRetryWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Size <= 0 {
		out.Size = 3
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = 20 * time.Second
	}
	if out.CrashRetryLimit <= 0 {
		out.CrashRetryLimit = 3
	}
	if out.CrashRetryWindow <= 0 {
		out.CrashRetryWindow = time.Minute
	}
	return out
}

// Pool is the session pool.
type Pool struct {
	runtime engine.Runtime
	cfg     Config
	log     *logging.Logger
	metrics *Metrics

	sem *semaphore.Weighted

	mu            sync.Mutex
	idle          []*engine.Handle
	live          map[string]*engine.Handle
	startFailures []time.Time
	degraded      bool
	closed        bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the pool and warms it up: all handles are started before New
// returns. Individual start failures are tolerated as long as at least one
// handle comes up; replacements for the rest are spawned in the background.
// If no handle starts at all, New fails.
func New(runtime engine.Runtime, cfg Config, log *logging.Logger, metrics *Metrics) (*Pool, error) {
	if log == nil {
		log = logging.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		runtime: runtime,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		live:    make(map[string]*engine.Handle),
		stop:    make(chan struct{}),
	}

	for i := 0; i < cfg.Size; i++ {
		if err := p.startHandle(context.Background()); err != nil {
			p.log.Warn(logging.CategoryPool, "warmup_start_failed", "engine failed to start during warmup", map[string]any{
				"error": err.Error(),
			})
		}
	}

	p.mu.Lock()
	ready := len(p.idle)
	p.mu.Unlock()
	if ready == 0 {
		p.Close()
		return nil, ferrors.New(ferrors.ErrCodeEngineUnavailable, "no browser engine could be started")
	}
	if ready < cfg.Size {
		p.spawnReplacements()
	}

	p.wg.Add(1)
	go p.janitor()

	return p, nil
}

// AcquireContext blocks until a Ready handle is available and an isolated
// context is created on it, or the caller's deadline expires with
// POOL_EXHAUSTED. A degraded pool fails immediately with POOL_DEGRADED.
// Waiting callers park on the semaphore; no thread is dedicated per caller.
func (p *Pool) AcquireContext(ctx context.Context) (*Lease, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ferrors.New(ferrors.ErrCodePoolClosed, "session pool is closed")
	}
	if p.degraded {
		p.mu.Unlock()
		return nil, ferrors.New(ferrors.ErrCodePoolDegraded, "session pool is degraded: engines keep crashing").
			WithRetryable(true)
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.metrics.RecordAcquireTimeout()
		return nil, ferrors.Wrap(err, ferrors.ErrCodePoolExhausted, "no browser engine became available in time").
			WithRetryable(true)
	}

	for {
		handle, err := p.takeIdle(ctx)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}

		// Never hand out a crashed handle.
		if handle.HealthCheck(ctx) == engine.StateCrashed {
			p.discard(handle)
			continue
		}

		bctx, err := handle.NewContext(ctx)
		if err != nil {
			// Context creation marks the handle crashed.
			p.discard(handle)
			continue
		}

		p.metrics.RecordAcquire(handle.ID(), time.Since(start))
		return &Lease{pool: p, handle: handle, bctx: bctx}, nil
	}
}

// takeIdle pops a handle from the idle set, waiting briefly for an
// in-flight replacement when the set is momentarily empty.
func (p *Pool) takeIdle(ctx context.Context) (*engine.Handle, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ferrors.New(ferrors.ErrCodePoolClosed, "session pool is closed")
		}
		if p.degraded {
			p.mu.Unlock()
			return nil, ferrors.New(ferrors.ErrCodePoolDegraded, "session pool is degraded: engines keep crashing").
				WithRetryable(true)
		}
		if n := len(p.idle); n > 0 {
			handle := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return handle, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.metrics.RecordAcquireTimeout()
			return nil, ferrors.Wrap(ctx.Err(), ferrors.ErrCodePoolExhausted, "no browser engine became available in time").
				WithRetryable(true)
		case <-p.stop:
			return nil, ferrors.New(ferrors.ErrCodePoolClosed, "session pool is closed")
		case <-ticker.C:
		}
	}
}

// release is called by Lease exactly once. The context is already closed.
func (p *Pool) release(handle *engine.Handle) {
	defer p.sem.Release(1)

	p.metrics.RecordRelease(handle.ID())

	if handle.HealthCheck(context.Background()) == engine.StateCrashed {
		p.discard(handle)
		return
	}

	handle.Release()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		handle.Terminate()
		return
	}
	p.idle = append(p.idle, handle)
	p.mu.Unlock()
}

// discard tears down a crashed handle and spawns a replacement if the
// pool is below target size.
func (p *Pool) discard(handle *engine.Handle) {
	p.mu.Lock()
	delete(p.live, handle.ID())
	p.mu.Unlock()

	handle.Terminate()
	p.metrics.RecordHandleCrashed(handle.ID())
	p.log.Warn(logging.CategoryPool, "handle_crashed", "crashed engine discarded", map[string]any{
		"handle_id": handle.ID(),
	})

	p.spawnReplacements()
}

// startHandle spawns one engine synchronously and adds it to the pool.
func (p *Pool) startHandle(ctx context.Context) error {
	handle := engine.NewHandle()
	if err := handle.Start(ctx, p.runtime, p.cfg.StartupTimeout); err != nil {
		p.recordStartFailure()
		return err
	}

	p.mu.Lock()
	if p.closed || len(p.live) >= p.cfg.Size {
		p.mu.Unlock()
		handle.Terminate()
		return nil
	}
	p.live[handle.ID()] = handle
	p.idle = append(p.idle, handle)
	p.mu.Unlock()

	p.metrics.RecordHandleStarted(handle.ID())
	p.log.Info(logging.CategoryPool, "handle_started", "engine ready", map[string]any{
		"handle_id": handle.ID(),
	})
	return nil
}

// spawnReplacements asynchronously brings the pool back to target size.
func (p *Pool) spawnReplacements() {
	p.mu.Lock()
	if p.closed || p.degraded || len(p.live) >= p.cfg.Size {
		p.mu.Unlock()
		return
	}
	missing := p.cfg.Size - len(p.live)
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				p.mu.Lock()
				if p.closed || p.degraded || len(p.live) >= p.cfg.Size {
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()

				if err := p.startHandle(context.Background()); err == nil {
					return
				}

				select {
				case <-p.stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		}()
	}
}

// recordStartFailure counts a failed engine start against the crash
// budget; exceeding the budget within the window degrades the pool.
func (p *Pool) recordStartFailure() {
	now := time.Now()

	p.mu.Lock()
	cutoff := now.Add(-p.cfg.CrashRetryWindow)
	kept := p.startFailures[:0]
	for _, t := range p.startFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.startFailures = append(kept, now)
	tripped := !p.degraded && len(p.startFailures) > p.cfg.CrashRetryLimit
	if tripped {
		p.degraded = true
	}
	p.mu.Unlock()

	if tripped {
		p.metrics.RecordDegraded()
		p.log.Error(logging.CategoryPool, "pool_degraded", "engine crash loop: pool entered degraded state", map[string]any{
			"failures": p.cfg.CrashRetryLimit + 1,
			"window":   p.cfg.CrashRetryWindow.String(),
		})
	}
}

// janitor recycles stale idle handles and probes for recovery while
// degraded.
func (p *Pool) janitor() {
	defer p.wg.Done()

	tick := p.cfg.IdleRecycleInterval / 4
	if tick <= 0 {
		tick = 15 * time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 15*time.Second {
		tick = 15 * time.Second
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.recoverIfDegraded()
			if p.cfg.IdleRecycleInterval > 0 {
				p.recycleStale()
			}
		}
	}
}

// recoverIfDegraded attempts a single engine start while degraded; one
// success lifts the degraded state and queues replacements for the rest.
func (p *Pool) recoverIfDegraded() {
	p.mu.Lock()
	if !p.degraded || p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	handle := engine.NewHandle()
	if err := handle.Start(context.Background(), p.runtime, p.cfg.StartupTimeout); err != nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		handle.Terminate()
		return
	}
	p.degraded = false
	p.startFailures = nil
	p.live[handle.ID()] = handle
	p.idle = append(p.idle, handle)
	p.mu.Unlock()

	p.metrics.RecordHandleStarted(handle.ID())
	p.log.Info(logging.CategoryPool, "pool_recovered", "engine started, degraded state lifted", map[string]any{
		"handle_id": handle.ID(),
	})
	p.spawnReplacements()
}

// recycleStale terminates and replaces idle handles past the idle budget.
func (p *Pool) recycleStale() {
	cutoff := time.Now().Add(-p.cfg.IdleRecycleInterval)

	var stale []*engine.Handle
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, h := range p.idle {
		if h.LastUsed().Before(cutoff) {
			stale = append(stale, h)
			delete(p.live, h.ID())
		} else {
			kept = append(kept, h)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, h := range stale {
		idleFor := time.Since(h.LastUsed())
		h.Terminate()
		p.metrics.RecordHandleRecycled(h.ID(), idleFor)
		p.log.Info(logging.CategoryPool, "handle_recycled", "idle engine recycled", map[string]any{
			"handle_id": h.ID(),
			"idle_ms":   idleFor.Milliseconds(),
		})
	}
	if len(stale) > 0 {
		p.spawnReplacements()
	}
}

// Degraded reports whether the pool is in the degraded state.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Stats is a point-in-time view of the pool for the gateway.
type Stats struct {
	Target   int             `json:"target"`
	Live     int             `json:"live"`
	Ready    int             `json:"ready"`
	Busy     int             `json:"busy"`
	Degraded bool            `json:"degraded"`
	Metrics  MetricsSnapshot `json:"metrics"`
}

// Stats returns the current pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live := len(p.live)
	ready := len(p.idle)
	degraded := p.degraded
	p.mu.Unlock()

	busy := live - ready
	if busy < 0 {
		busy = 0
	}
	return Stats{
		Target:   p.cfg.Size,
		Live:     live,
		Ready:    ready,
		Busy:     busy,
		Degraded: degraded,
		Metrics:  p.metrics.Snapshot(),
	}
}

// Close terminates every handle and rejects further acquisitions.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*engine.Handle, 0, len(p.live))
	for _, h := range p.live {
		handles = append(handles, h)
	}
	p.live = make(map[string]*engine.Handle)
	p.idle = nil
	p.mu.Unlock()

	close(p.stop)
	for _, h := range handles {
		h.Terminate()
	}
	p.wg.Wait()
}

// Lease is an acquired browsing context plus its underlying handle.
// Release must be called exactly once; it is safe to call more than once.
type Lease struct {
	pool   *Pool
	handle *engine.Handle
	bctx   engine.BrowsingContext
	once   sync.Once
}

// Context returns the leased browsing context.
func (l *Lease) Context() engine.BrowsingContext { return l.bctx }

// HandleID returns the ID of the engine handle backing this lease.
func (l *Lease) HandleID() string { return l.handle.ID() }

// MarkCrashed tells the pool the engine died mid-use; Release will
// discard the handle instead of returning it to the idle set.
func (l *Lease) MarkCrashed() { l.handle.MarkCrashed() }

// Release closes the context and returns the handle to the pool (or
// discards it when crashed). Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		_ = l.bctx.Close()
		l.pool.release(l.handle)
	})
}
