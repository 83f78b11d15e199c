// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/config"
)

const defaultNavigationTimeout = 60 * time.Second

// Session is one browser process with a single tab. It is owned by exactly
// one pipeline run and must be disposed on every exit path.
type Session struct {
	id string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// ctx carries the chromedp target; all actions derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
	cfg    config.BrowserConfig

	statePath  string
	state      *State
	stateValid bool

	authenticated atomic.Bool

	mu       sync.Mutex
	disposed bool
}

var (
	_ Page     = (*Session)(nil)
	_ AuthGate = (*Session)(nil)
)

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// StatePath returns the persisted state location given at launch.
func (s *Session) StatePath() string { return s.statePath }

// HasValidState reports whether a live persisted context was restored at launch.
func (s *Session) HasValidState() bool { return s.stateValid }

// IsAuthenticated reports the session's authentication flag.
func (s *Session) IsAuthenticated() bool { return s.authenticated.Load() }

// MarkAuthenticated sets the authentication flag. It never goes back to false.
func (s *Session) MarkAuthenticated() { s.authenticated.Store(true) }

// runActions executes chromedp actions bounded by both the session lifetime
// and the caller's context.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug("Navigating.", zap.String("url", url))
	err := s.runActions(opCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() == nil && opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %v: %w", url, timeout, opCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	if err := s.runActions(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return u, nil
}

func (s *Session) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(expression, out))
}

func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.runActions(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

func (s *Session) Focus(ctx context.Context, selector string) error {
	if err := s.runActions(ctx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus on %q failed: %w", selector, err)
	}
	return nil
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.runActions(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill of %q failed: %w", selector, err)
	}
	return nil
}

// namedKeys maps the key names callers use onto chromedp key codes.
var namedKeys = map[string]string{
	"Enter":     kb.Enter,
	"Tab":       kb.Tab,
	"Escape":    kb.Escape,
	"Backspace": kb.Backspace,
	"ArrowUp":   kb.ArrowUp,
	"ArrowDown": kb.ArrowDown,
}

func (s *Session) Press(ctx context.Context, key string) error {
	code, ok := namedKeys[key]
	if !ok {
		code = key
	}
	if err := s.runActions(ctx, chromedp.KeyEvent(code)); err != nil {
		return fmt.Errorf("key press %q failed: %w", key, err)
	}
	return nil
}

// Type sends text one character at a time with the configured delay, the
// way an operator would type into a terminal widget.
func (s *Session) Type(ctx context.Context, text string) error {
	if s.cfg.TypingDelay <= 0 {
		if err := s.runActions(ctx, chromedp.KeyEvent(text)); err != nil {
			return fmt.Errorf("typing failed: %w", err)
		}
		return nil
	}

	for _, r := range text {
		if err := s.runActions(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("typing failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.TypingDelay):
		}
	}
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 selects PNG encoding.
	if err := s.runActions(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.runActions(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read document HTML: %w", err)
	}
	return html, nil
}

func (s *Session) InnerText(ctx context.Context) (string, error) {
	var text string
	if err := s.Evaluate(ctx, `document.body ? document.body.innerText : ""`, &text); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

// Persist writes the current cookies and the current origin's localStorage
// to path, keeping stored entries for other origins.
func (s *Session) Persist(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	var (
		cookies []*network.Cookie
		origin  OriginStorage
	)
	err := s.runActions(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(c)
			return err
		}),
		chromedp.Evaluate(jsSnapshotStorage, &origin),
	)
	if err != nil {
		return fmt.Errorf("failed to snapshot browser state: %w", err)
	}

	st := &State{Origins: append([]OriginStorage(nil), s.state.Origins...)}
	for _, c := range cookies {
		st.Cookies = append(st.Cookies, StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	st.MergeOrigin(origin)

	if err := st.Save(path); err != nil {
		return err
	}
	s.state = st
	s.logger.Info("Persisted authentication state.", zap.String("path", path), zap.Int("cookies", len(st.Cookies)))
	return nil
}

// Dispose closes the tab, then the browser process. It is safe to call more
// than once and from any exit path.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true

	s.logger.Debug("Disposing browser session.", zap.String("session_id", s.id))

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("tab close did not finish: %w", ctx.Err())
	}
	s.cancel()
	s.allocCancel()

	select {
	case <-s.allocCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for the browser process to exit.", zap.Error(ctx.Err()))
	}
	return err
}

// abort releases a session that never became usable.
func (s *Session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.cancel()
	s.allocCancel()
}

func setCookiesAction(cookies []StoredCookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.SameSite != "" {
				p.SameSite = network.CookieSameSite(c.SameSite)
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p.Expires = &exp
			}
			params = append(params, p)
		}
		return network.SetCookies(params).Do(ctx)
	})
}
