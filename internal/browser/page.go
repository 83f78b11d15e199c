// internal/browser/page.go
package browser

import (
	"context"
	"fmt"
)

// Page is the capability surface every pipeline component drives. Session is
// the chromedp implementation; tests use instrumented fakes.
//
// Selectors are CSS selectors. Elements found by the locator chain are
// addressed through the attribute selector it returns.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Evaluate runs a JavaScript expression and decodes its result into out.
	// A nil out discards the result.
	Evaluate(ctx context.Context, expression string, out interface{}) error
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// Fill clears the element and types value into it.
	Fill(ctx context.Context, selector, value string) error
	// Press dispatches a single named key ("Enter", "Tab") to the focused element.
	Press(ctx context.Context, key string) error
	// Type sends text to whatever currently holds focus.
	Type(ctx context.Context, text string) error
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	InnerText(ctx context.Context) (string, error)
}

// AuthGate reports and records the authentication flag of a session.
type AuthGate interface {
	IsAuthenticated() bool
	MarkAuthenticated()
}

// LaunchError reports that the browser process could not be started or did
// not respond. It is always fatal for the run.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("browser launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
