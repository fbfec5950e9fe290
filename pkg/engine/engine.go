// Package engine defines the port between ferryman and a headless browser
// driver: a Runtime that spawns engines, an Engine wrapping one OS-level
// browser process, and the isolated BrowsingContexts tasks run against.
// Adapters live in subpackages; the pool and executor only see these
// interfaces.
package engine

import "context"

// Runtime spawns browser engines. One Runtime is created at startup and
// shared; implementations must be safe for concurrent use.
type Runtime interface {
	// NewEngine spawns a new browser process and returns once it is
	// usable or the context expires.
	NewEngine(ctx context.Context) (Engine, error)

	// Close releases the runtime and any driver-level resources.
	Close() error
}

// Engine is one native headless-browser process.
type Engine interface {
	// NewContext creates an isolated browsing context (separate
	// cookies/storage) within this engine.
	NewContext(ctx context.Context) (BrowsingContext, error)

	// Healthy is a cheap liveness probe. A non-nil error means the
	// process is crashed or unreachable.
	Healthy(ctx context.Context) error

	// Terminate kills the process, best effort. Idempotent; never
	// returns an error the caller must act on beyond logging.
	Terminate() error
}

// BrowsingContext is an isolated browsing session owned by exactly one
// in-flight task for its lifetime. It must be closed before the engine
// that spawned it is reused.
type BrowsingContext interface {
	// Navigate loads a URL, waiting for the load to settle.
	Navigate(ctx context.Context, url string) error

	// WaitFor blocks until an element matching the selector is present
	// and visible, or the context deadline expires.
	WaitFor(ctx context.Context, selector string) error

	// Extract returns the text content of the first element matching
	// the selector.
	Extract(ctx context.Context, selector string) (string, error)

	// Interact performs a user-style action against the page.
	Interact(ctx context.Context, interaction Interaction) error

	// Screenshot captures the current page as an image.
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)

	// Content returns the full serialized HTML of the current page.
	Content(ctx context.Context) (string, error)

	// Close releases the context. Idempotent.
	Close() error
}

// InteractionAction enumerates the supported page actions.
type InteractionAction string

const (
	ActionClick InteractionAction = "click"
	ActionFill  InteractionAction = "fill"
	ActionPress InteractionAction = "press"
	ActionFocus InteractionAction = "focus"
)

// Interaction describes a single user-style action.
type Interaction struct {
	Action InteractionAction `json:"action"`
	Target string            `json:"target,omitempty"` // CSS selector
	Value  string            `json:"value,omitempty"`  // text for fill, key for press
}

// ScreenshotFormat identifies the image format of a capture.
type ScreenshotFormat string

const (
	ScreenshotFormatPNG  ScreenshotFormat = "png"
	ScreenshotFormatJPEG ScreenshotFormat = "jpeg"
)

// ScreenshotOptions tunes a screenshot capture.
type ScreenshotOptions struct {
	FullPage bool             `json:"full_page,omitempty"`
	Format   ScreenshotFormat `json:"format,omitempty"`
	Quality  int              `json:"quality,omitempty"` // jpeg only, 1-100
}
