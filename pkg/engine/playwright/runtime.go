// Package playwright adapts the playwright-go driver to the engine port.
// One Runtime wraps a single Playwright driver process; each Engine wraps
// one launched Chromium instance.
package playwright

import (
	"context"
	"io"

	"github.com/playwright-community/playwright-go"

	"github.com/strandline/ferryman/pkg/engine"
	ferrors "github.com/strandline/ferryman/pkg/errors"
)

// Options configures the adapter.
type Options struct {
	Headless       bool
	ExecutablePath string // empty = playwright-managed Chromium
	InstallDriver  bool   // run playwright.Install before starting
	ViewportWidth  int
	ViewportHeight int
}

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 720
)

// Runtime implements engine.Runtime on top of a running Playwright driver.
type Runtime struct {
	pw   *playwright.Playwright
	opts Options
}

// NewRuntime starts the Playwright driver. It fails with
// ENGINE_UNAVAILABLE when the driver or the browser binary cannot be set
// up; callers treat that as fatal at startup.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = defaultViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = defaultViewportHeight
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if opts.InstallDriver {
		if err := playwright.Install(runOpts); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrCodeEngineUnavailable, "failed to install playwright driver")
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeEngineUnavailable, "failed to start playwright driver")
	}

	return &Runtime{pw: pw, opts: opts}, nil
}

// Probe launches and immediately closes one browser to verify the engine
// binary is present and runnable. Called once at startup so a missing or
// broken browser fails the process before the listener opens.
func (r *Runtime) Probe(ctx context.Context) error {
	eng, err := r.NewEngine(ctx)
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeEngineUnavailable, "browser binary cannot be launched")
	}
	return eng.Terminate()
}

// NewEngine launches one Chromium process. The launch itself is not
// interruptible at the driver level, so cancellation is observed by
// abandoning the result; the stray browser is closed when the launch
// eventually returns.
func (r *Runtime) NewEngine(ctx context.Context) (engine.Engine, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.opts.Headless),
		Args: []string{
			"--no-default-browser-check",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--mute-audio",
			"--disable-extensions",
			"--disable-default-apps",
			"--disable-notifications",
		},
	}
	if r.opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(r.opts.ExecutablePath)
	}

	type launchResult struct {
		browser playwright.Browser
		err     error
	}
	done := make(chan launchResult, 1)
	go func() {
		browser, err := r.pw.Chromium.Launch(launchOpts)
		done <- launchResult{browser, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.browser != nil {
				_ = res.browser.Close()
			}
		}()
		return nil, ferrors.Wrap(ctx.Err(), ferrors.ErrCodeStartup, "browser launch timed out")
	case res := <-done:
		if res.err != nil {
			return nil, ferrors.Wrap(res.err, ferrors.ErrCodeStartup, "failed to launch browser")
		}
		return &browserEngine{browser: res.browser, opts: r.opts}, nil
	}
}

// Close stops the Playwright driver.
func (r *Runtime) Close() error {
	if r.pw == nil {
		return nil
	}
	return r.pw.Stop()
}

// browserEngine implements engine.Engine around one Chromium instance.
type browserEngine struct {
	browser playwright.Browser
	opts    Options
}

func (e *browserEngine) NewContext(ctx context.Context) (engine.BrowsingContext, error) {
	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
	}
	bctx, err := e.browser.NewContext(contextOpts)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeContextCreate, "failed to create browser context")
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, ferrors.Wrap(err, ferrors.ErrCodeContextCreate, "failed to create page")
	}
	return &browsingContext{bctx: bctx, page: page}, nil
}

func (e *browserEngine) Healthy(ctx context.Context) error {
	if !e.browser.IsConnected() {
		return ferrors.New(ferrors.ErrCodeStartup, "browser process disconnected")
	}
	return nil
}

func (e *browserEngine) Terminate() error {
	// Best effort. Closing the browser tears down its contexts, temp
	// profile directories and the OS process.
	_ = e.browser.Close()
	return nil
}
