// Package enginetest provides an in-memory engine.Runtime for tests.
// Pages are scripted per URL, and failures can be injected at every
// operation so pool and executor behavior can be exercised without a
// real browser.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandline/ferryman/pkg/engine"
	ferrors "github.com/strandline/ferryman/pkg/errors"
)

// Page scripts the content served for one URL.
type Page struct {
	HTML      string
	Selectors map[string]string // selector -> text content
	// Inert lists selectors that exist but are not actionable
	// (hidden or disabled elements).
	Inert map[string]bool
}

// Runtime is a fake engine.Runtime.
type Runtime struct {
	mu         sync.Mutex
	pages      map[string]Page
	engines    []*Engine
	failStarts int
	startDelay time.Duration
	nextID     int

	Started        atomic.Int32
	Terminated     atomic.Int32
	ContextsOpened atomic.Int32
	ContextsClosed atomic.Int32
}

// NewRuntime creates an empty fake runtime.
func NewRuntime() *Runtime {
	return &Runtime{pages: make(map[string]Page)}
}

// SetPage scripts the page served for a URL.
func (r *Runtime) SetPage(url string, p Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[url] = p
}

// FailNextStarts makes the next n NewEngine calls fail.
func (r *Runtime) FailNextStarts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failStarts = n
}

// SetStartDelay delays every NewEngine call, for exercising startup
// timeouts.
func (r *Runtime) SetStartDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startDelay = d
}

// Engines returns all engines ever started, in start order.
func (r *Runtime) Engines() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Engine, len(r.engines))
	copy(out, r.engines)
	return out
}

// LiveEngines counts engines that were started and not yet terminated.
func (r *Runtime) LiveEngines() int {
	return int(r.Started.Load() - r.Terminated.Load())
}

func (r *Runtime) NewEngine(ctx context.Context) (engine.Engine, error) {
	r.mu.Lock()
	if r.failStarts > 0 {
		r.failStarts--
		r.mu.Unlock()
		return nil, fmt.Errorf("scripted start failure")
	}
	delay := r.startDelay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.nextID++
	eng := &Engine{rt: r, id: r.nextID, crashCh: make(chan struct{})}
	r.engines = append(r.engines, eng)
	r.mu.Unlock()

	r.Started.Add(1)
	return eng, nil
}

func (r *Runtime) Close() error { return nil }

// Engine is a fake engine.Engine.
type Engine struct {
	rt *Runtime
	id int

	crashed    atomic.Bool
	terminated atomic.Bool
	crashCh    chan struct{}
	crashOnce  sync.Once
}

// ID returns the fake engine's start-order index (1-based).
func (e *Engine) ID() int { return e.id }

// Crash simulates the browser process dying: every subsequent operation
// and health check fails, and blocked waits are interrupted.
func (e *Engine) Crash() {
	e.crashOnce.Do(func() {
		e.crashed.Store(true)
		close(e.crashCh)
	})
}

// Crashed reports whether Crash was called.
func (e *Engine) Crashed() bool { return e.crashed.Load() }

// TerminatedCalled reports whether Terminate was called.
func (e *Engine) TerminatedCalled() bool { return e.terminated.Load() }

func (e *Engine) NewContext(ctx context.Context) (engine.BrowsingContext, error) {
	if e.crashed.Load() {
		return nil, fmt.Errorf("engine %d crashed", e.id)
	}
	e.rt.ContextsOpened.Add(1)
	return &Context{eng: e}, nil
}

func (e *Engine) Healthy(ctx context.Context) error {
	if e.crashed.Load() || e.terminated.Load() {
		return fmt.Errorf("engine %d not running", e.id)
	}
	return nil
}

func (e *Engine) Terminate() error {
	if e.terminated.CompareAndSwap(false, true) {
		e.rt.Terminated.Add(1)
	}
	return nil
}

// Context is a fake engine.BrowsingContext.
type Context struct {
	eng    *Engine
	mu     sync.Mutex
	url    string
	closed atomic.Bool
}

func (c *Context) currentPage() (Page, bool) {
	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	c.eng.rt.mu.Lock()
	defer c.eng.rt.mu.Unlock()
	p, ok := c.eng.rt.pages[url]
	return p, ok
}

func (c *Context) Navigate(ctx context.Context, url string) error {
	if c.eng.crashed.Load() {
		return fmt.Errorf("engine %d crashed", c.eng.id)
	}
	c.eng.rt.mu.Lock()
	_, known := c.eng.rt.pages[url]
	c.eng.rt.mu.Unlock()
	if !known {
		return ferrors.Newf(ferrors.ErrCodeNavigation, "page failed to load").
			WithContext("url", url)
	}
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	return nil
}

func (c *Context) WaitFor(ctx context.Context, selector string) error {
	if c.eng.crashed.Load() {
		return fmt.Errorf("engine %d crashed", c.eng.id)
	}
	page, ok := c.currentPage()
	if ok {
		if _, present := page.Selectors[selector]; present {
			return nil
		}
	}
	// Scripted pages never change, so an absent selector blocks until
	// the deadline, exactly what a never-resolving condition does. A
	// crash mid-wait interrupts the block the way a dying browser would.
	select {
	case <-ctx.Done():
		return ferrors.Wrap(ctx.Err(), ferrors.ErrCodeConditionTimeout, "condition not met in time").
			WithContext("selector", selector)
	case <-c.eng.crashCh:
		return fmt.Errorf("engine %d crashed", c.eng.id)
	}
}

func (c *Context) Extract(ctx context.Context, selector string) (string, error) {
	if c.eng.crashed.Load() {
		return "", fmt.Errorf("engine %d crashed", c.eng.id)
	}
	page, ok := c.currentPage()
	if !ok {
		return "", ferrors.New(ferrors.ErrCodeSelectorNotFound, "no element matches selector").
			WithContext("selector", selector)
	}
	text, present := page.Selectors[selector]
	if !present {
		return "", ferrors.New(ferrors.ErrCodeSelectorNotFound, "no element matches selector").
			WithContext("selector", selector)
	}
	return text, nil
}

func (c *Context) Interact(ctx context.Context, interaction engine.Interaction) error {
	if c.eng.crashed.Load() {
		return fmt.Errorf("engine %d crashed", c.eng.id)
	}
	page, ok := c.currentPage()
	if !ok {
		return ferrors.New(ferrors.ErrCodeElementNotInteractable, "target element is not actionable").
			WithContext("target", interaction.Target)
	}
	if interaction.Target != "" {
		if _, present := page.Selectors[interaction.Target]; !present {
			return ferrors.New(ferrors.ErrCodeElementNotInteractable, "target element is not actionable").
				WithContext("target", interaction.Target)
		}
		if page.Inert[interaction.Target] {
			return ferrors.New(ferrors.ErrCodeElementNotInteractable, "target element is not actionable").
				WithContext("target", interaction.Target)
		}
	}
	return nil
}

func (c *Context) Screenshot(ctx context.Context, opts engine.ScreenshotOptions) ([]byte, error) {
	if c.eng.crashed.Load() {
		return nil, fmt.Errorf("engine %d crashed", c.eng.id)
	}
	format := opts.Format
	if format == "" {
		format = engine.ScreenshotFormatPNG
	}
	return []byte("fake-" + string(format)), nil
}

func (c *Context) Content(ctx context.Context) (string, error) {
	if c.eng.crashed.Load() {
		return "", fmt.Errorf("engine %d crashed", c.eng.id)
	}
	page, ok := c.currentPage()
	if !ok {
		return "", nil
	}
	return page.HTML, nil
}

func (c *Context) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.eng.rt.ContextsClosed.Add(1)
	}
	return nil
}
