// internal/locator/chain.go
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
)

// ErrNotFound is wrapped by every NotFoundError.
var ErrNotFound = errors.New("element not found")

// Attempt records how one strategy fared.
type Attempt struct {
	Strategy string
	Pattern  string
	// Err is nil when the strategy ran but matched nothing.
	Err error
}

// NotFoundError is returned once every strategy of a spec has been tried.
type NotFoundError struct {
	Attempts []Attempt
}

func (e *NotFoundError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s(%s): %v", a.Strategy, a.Pattern, a.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s(%s): no match", a.Strategy, a.Pattern))
		}
	}
	return fmt.Sprintf("%v after %d strategies [%s]", ErrNotFound, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Chain resolves specs against a page.
type Chain struct {
	logger          *zap.Logger
	strategyTimeout time.Duration
	awaitInterval   time.Duration
	scanMinWidth    int
	scanMinHeight   int
}

// NewChain creates a chain from the locator settings.
func NewChain(cfg config.LocatorConfig, logger *zap.Logger) *Chain {
	c := &Chain{
		logger:          logger.Named("locator"),
		strategyTimeout: cfg.StrategyTimeout,
		awaitInterval:   cfg.AwaitInterval,
		scanMinWidth:    cfg.ScanMinWidth,
		scanMinHeight:   cfg.ScanMinHeight,
	}
	if c.strategyTimeout <= 0 {
		c.strategyTimeout = 3 * time.Second
	}
	if c.awaitInterval <= 0 {
		c.awaitInterval = 250 * time.Millisecond
	}
	if c.scanMinWidth <= 0 {
		c.scanMinWidth = DefaultScanMinWidth
	}
	if c.scanMinHeight <= 0 {
		c.scanMinHeight = DefaultScanMinHeight
	}
	return c
}

// Target is the package Target using this chain's scan geometry.
func (c *Chain) Target(role, name string) Spec {
	return Spec{Role(role, name), Text(name), Scan(name, c.scanMinWidth, c.scanMinHeight)}
}

// Resolve tries each strategy in order, each under its own timeout, and
// returns the first match. Strategy failures are absorbed; only the caller's
// own cancellation stops the pass early.
func (c *Chain) Resolve(ctx context.Context, page browser.Page, spec Spec) (Handle, error) {
	attempts := make([]Attempt, 0, len(spec))

	for _, s := range spec {
		if err := ctx.Err(); err != nil {
			return Handle{}, err
		}

		stratCtx, cancel := context.WithTimeout(ctx, c.strategyTimeout)
		res := s.TryResolve(stratCtx, page)
		timedOut := stratCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if res.Err == nil && res.Handle != nil {
			c.logger.Debug("Element resolved.",
				zap.String("strategy", s.Name()),
				zap.String("pattern", s.Pattern()),
				zap.String("selector", res.Handle.Selector),
			)
			return *res.Handle, nil
		}

		attemptErr := res.Err
		if attemptErr != nil && timedOut {
			attemptErr = fmt.Errorf("timed out after %v: %w", c.strategyTimeout, attemptErr)
		}
		attempts = append(attempts, Attempt{Strategy: s.Name(), Pattern: s.Pattern(), Err: attemptErr})
		c.logger.Debug("Strategy did not match; advancing.",
			zap.String("strategy", s.Name()),
			zap.String("pattern", s.Pattern()),
			zap.Error(attemptErr),
		)
	}

	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	return Handle{}, &NotFoundError{Attempts: attempts}
}

// Await repeats full resolution passes until one matches or ctx ends. When
// ctx ends the last NotFoundError is returned.
func (c *Chain) Await(ctx context.Context, page browser.Page, spec Spec) (Handle, error) {
	limiter := rate.NewLimiter(rate.Every(c.awaitInterval), 1)
	var last error = &NotFoundError{}

	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next tick would pass the deadline.
			<-ctx.Done()
			return Handle{}, last
		}
		h, err := c.Resolve(ctx, page, spec)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Handle{}, last
		}
		last = err
	}
}
