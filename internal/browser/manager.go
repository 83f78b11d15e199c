// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

// LaunchOptions selects how one run's browser is started.
type LaunchOptions struct {
	Headless bool
	// StatePath names a persisted authentication context. It is restored when
	// the file exists and later written by Session.Persist.
	StatePath string
}

// Manager starts browser processes. Each Launch owns exactly one process and
// one tab; there is no pooling.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	now    func() time.Time
}

// NewManager creates a browser manager for the given settings.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Launch starts the browser, verifies it answers, and restores persisted
// state when present. Any failure before the session is usable is returned
// as *LaunchError and leaves no process behind.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (*Session, error) {
	log := m.logger.With(zap.Bool("headless", opts.Headless))
	log.Info("Launching browser...")

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), m.buildAllocatorOptions(opts.Headless)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	s := &Session{
		id:          uuid.New().String(),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
		logger:      log,
		cfg:         m.cfg,
		statePath:   opts.StatePath,
		state:       &State{},
	}

	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	probeCtx, cancelProbe := context.WithTimeout(ctx, timeout)
	defer cancelProbe()

	// The first Run allocates the process and the tab.
	if err := s.runActions(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		s.abort()
		return nil, &LaunchError{Err: fmt.Errorf("browser failed to start or respond: %w", err)}
	}

	if err := m.restoreState(probeCtx, s); err != nil {
		s.abort()
		return nil, &LaunchError{Err: err}
	}

	log.Info("Browser launched and responsive.",
		zap.String("session_id", s.id),
		zap.Bool("state_restored", s.stateValid),
	)
	return s, nil
}

// restoreState loads the persisted context into the fresh tab. A missing or
// unreadable file is not an error; the session simply starts unauthenticated.
func (m *Manager) restoreState(ctx context.Context, s *Session) error {
	if s.statePath == "" {
		return nil
	}

	st, err := LoadState(s.statePath)
	if err != nil {
		if !errors.Is(err, ErrNoState) {
			s.logger.Warn("Ignoring unreadable persisted state.", zap.String("path", s.statePath), zap.Error(err))
		}
		return nil
	}
	s.state = st

	if !st.Valid(m.now()) {
		s.logger.Info("Persisted state has expired; a fresh login is required.", zap.String("path", s.statePath))
		return nil
	}

	script, err := restoreStorageScript(st.Origins)
	if err != nil {
		return fmt.Errorf("failed to prepare storage restore script: %w", err)
	}

	actions := chromedp.Tasks{setCookiesAction(st.Cookies)}
	if script != "" {
		actions = append(actions, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}))
	}
	if err := s.runActions(ctx, actions); err != nil {
		return fmt.Errorf("failed to restore persisted state: %w", err)
	}

	s.stateValid = true
	s.logger.Info("Restored persisted authentication state.",
		zap.String("path", s.statePath),
		zap.Int("cookies", len(st.Cookies)),
		zap.Int("origins", len(st.Origins)),
	)
	return nil
}

// buildAllocatorOptions assembles launch flags from the defaults minus the
// automation banner, plus the configured extras.
func (m *Manager) buildAllocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}

	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", headless),
	)

	if m.cfg.WindowWidth > 0 && m.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(m.cfg.WindowWidth, m.cfg.WindowHeight))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}

	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Needed inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}
