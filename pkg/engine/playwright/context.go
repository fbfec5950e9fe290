package playwright

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/strandline/ferryman/pkg/engine"
	ferrors "github.com/strandline/ferryman/pkg/errors"
)

// browsingContext implements engine.BrowsingContext over one Playwright
// browser context with a single page. Playwright calls take millisecond
// timeouts rather than contexts, so every operation derives its timeout
// from the caller's deadline.
type browsingContext struct {
	bctx   playwright.BrowserContext
	page   playwright.Page
	closed atomic.Bool
}

// fallbackTimeout bounds driver calls when the caller supplied no
// deadline. The executor always does; this is a safety net.
const fallbackTimeout = 30 * time.Second

func (c *browsingContext) Navigate(ctx context.Context, url string) error {
	waitUntil := playwright.WaitUntilStateLoad
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil,
		Timeout:   timeoutMs(ctx),
	})
	if err != nil {
		return ferrors.Wrap(err, ferrors.ErrCodeNavigation, "navigation failed").
			WithContext("url", url)
	}
	return nil
}

func (c *browsingContext) WaitFor(ctx context.Context, selector string) error {
	state := playwright.WaitForSelectorStateVisible
	_, err := c.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   state,
		Timeout: timeoutMs(ctx),
	})
	if err != nil {
		if isTimeout(err) {
			return ferrors.Wrap(err, ferrors.ErrCodeConditionTimeout, "condition not met in time").
				WithContext("selector", selector)
		}
		return ferrors.Wrap(err, ferrors.ErrCodeConditionTimeout, "wait failed").
			WithContext("selector", selector)
	}
	return nil
}

func (c *browsingContext) Extract(ctx context.Context, selector string) (string, error) {
	element, err := c.page.QuerySelector(selector)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.ErrCodeSelectorNotFound, "selector query failed").
			WithContext("selector", selector)
	}
	if element == nil {
		return "", ferrors.New(ferrors.ErrCodeSelectorNotFound, "no element matches selector").
			WithContext("selector", selector)
	}
	text, err := element.TextContent()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.ErrCodeSelectorNotFound, "text extraction failed").
			WithContext("selector", selector)
	}
	return strings.TrimSpace(text), nil
}

func (c *browsingContext) Interact(ctx context.Context, interaction engine.Interaction) error {
	timeout := timeoutMs(ctx)

	var err error
	switch interaction.Action {
	case engine.ActionClick:
		err = c.page.Click(interaction.Target, playwright.PageClickOptions{Timeout: timeout})
	case engine.ActionFill:
		err = c.page.Fill(interaction.Target, interaction.Value, playwright.PageFillOptions{Timeout: timeout})
	case engine.ActionPress:
		if interaction.Target != "" {
			err = c.page.Press(interaction.Target, interaction.Value, playwright.PagePressOptions{Timeout: timeout})
		} else {
			err = c.page.Keyboard().Press(interaction.Value)
		}
	case engine.ActionFocus:
		err = c.page.Focus(interaction.Target, playwright.PageFocusOptions{Timeout: timeout})
	default:
		return ferrors.Newf(ferrors.ErrCodeInvalidTask, "unsupported action %q", interaction.Action)
	}

	if err != nil {
		// Playwright reports hidden/disabled/detached targets as
		// actionability timeouts; normalize them all.
		return ferrors.Wrap(err, ferrors.ErrCodeElementNotInteractable, "target element is not actionable").
			WithContext("action", string(interaction.Action)).
			WithContext("target", interaction.Target)
	}
	return nil
}

func (c *browsingContext) Screenshot(ctx context.Context, opts engine.ScreenshotOptions) ([]byte, error) {
	screenshotOpts := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(opts.FullPage),
		Timeout:  timeoutMs(ctx),
	}
	switch opts.Format {
	case engine.ScreenshotFormatJPEG:
		t := playwright.ScreenshotTypeJpeg
		screenshotOpts.Type = t
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		screenshotOpts.Quality = playwright.Int(quality)
	default:
		t := playwright.ScreenshotTypePng
		screenshotOpts.Type = t
	}

	buf, err := c.page.Screenshot(screenshotOpts)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeScreenshot, "screenshot capture failed")
	}
	return buf, nil
}

func (c *browsingContext) Content(ctx context.Context) (string, error) {
	html, err := c.page.Content()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.ErrCodeSelectorNotFound, "failed to read page content")
	}
	return html, nil
}

func (c *browsingContext) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.page.Close()
	return c.bctx.Close()
}

// timeoutMs converts the remaining context deadline to Playwright's
// millisecond timeout form.
func timeoutMs(ctx context.Context) *float64 {
	d := fallbackTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func isTimeout(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
