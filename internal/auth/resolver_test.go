// internal/auth/resolver_test.go
package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/mocks"
)

const base = "https://flows.example.test"

func testOptions(creds Credentials) Options {
	return Options{
		LoginURL:         base + "/signin",
		FallbackURL:      base,
		Credentials:      creds,
		Success:          URLContains{"/workflow", "/workflows", "/canvas", "/settings"},
		PollInterval:     2 * time.Millisecond,
		AutomatedTimeout: 60 * time.Millisecond,
		ManualTimeout:    200 * time.Millisecond,
		Probe:            20 * time.Millisecond,
	}
}

func newResolver(t *testing.T, opts Options) *Resolver {
	logger := zaptest.NewLogger(t)
	chain := locator.NewChain(config.LocatorConfig{StrategyTimeout: 50 * time.Millisecond}, logger)
	return NewResolver(chain, opts, logger)
}

// loginForm makes the email, password and (optionally) submit lookups resolve.
func loginForm(withSubmit bool) func(mocks.Lookup) bool {
	return func(l mocks.Lookup) bool {
		switch {
		case l.Selector == `input[type="email"]`, l.Selector == `input[type="password"]`:
			return true
		case l.Selector == `button[type="submit"]`:
			return withSubmit
		}
		return false
	}
}

func TestResolveWithValidPersistedState(t *testing.T) {
	sess := mocks.NewFakeSession("about:blank")
	sess.ValidState = true
	sess.Path = "/tmp/state.json"

	out, err := newResolver(t, testOptions(Credentials{Email: "a", Password: "b"})).Resolve(context.Background(), sess)
	require.NoError(t, err)

	assert.Equal(t, Authenticated, out.State)
	assert.Equal(t, []State{Unauthenticated, Authenticated}, out.Trace)
	assert.True(t, sess.IsAuthenticated())
	assert.Empty(t, sess.CallsOf("navigate"), "no login navigation with a valid persisted state")
	assert.Empty(t, sess.Persisted())
}

func TestAutomatedLogin(t *testing.T) {
	t.Run("submit control", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		sess.Path = "/tmp/state.json"
		sess.Resolvable = loginForm(true)
		sess.OnClick = func(p *mocks.FakePage, _ string) { p.SetURL(base + "/workflows") }

		out, err := newResolver(t, testOptions(Credentials{Email: "ops@example.test", Password: "pw"})).Resolve(context.Background(), sess)
		require.NoError(t, err)

		assert.Equal(t, []State{Unauthenticated, AutomatedAttempt, Authenticated}, out.Trace)
		assert.False(t, out.Unconfirmed)
		assert.Equal(t, base+"/signin", sess.CallsOf("navigate")[0].Arg)

		fills := sess.CallsOf("fill")
		require.Len(t, fills, 2)
		assert.True(t, strings.HasSuffix(fills[0].Arg, "=ops@example.test"))
		assert.True(t, strings.HasSuffix(fills[1].Arg, "=pw"))
		assert.Len(t, sess.CallsOf("click"), 1)
		assert.Equal(t, []string{"/tmp/state.json"}, sess.Persisted())
	})

	t.Run("enter when no submit control", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		sess.Resolvable = loginForm(false)
		sess.OnPress = func(p *mocks.FakePage, key string) {
			if key == "Enter" {
				p.SetURL(base + "/workflow/new")
			}
		}

		out, err := newResolver(t, testOptions(Credentials{Email: "a", Password: "b"})).Resolve(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, Authenticated, out.State)
		assert.Empty(t, sess.CallsOf("click"))
		assert.Len(t, sess.CallsOf("focus"), 1)
	})

	t.Run("soft success when the app page never appears", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		chain := locator.NewChain(config.LocatorConfig{StrategyTimeout: 50 * time.Millisecond}, zap.New(core))
		r := NewResolver(chain, testOptions(Credentials{Email: "a", Password: "b"}), zap.New(core))

		sess := mocks.NewFakeSession("about:blank")
		sess.Resolvable = loginForm(true)

		out, err := r.Resolve(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, Authenticated, out.State)
		assert.True(t, out.Unconfirmed)
		assert.True(t, sess.IsAuthenticated())
		assert.Equal(t, 1, logs.FilterMessageSnippet("continuing anyway").Len())
	})

	t.Run("missing form is fatal", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")

		out, err := newResolver(t, testOptions(Credentials{Email: "a", Password: "b"})).Resolve(context.Background(), sess)
		require.Error(t, err)

		var authErr *Error
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, "credential fields not found", authErr.Reason)
		assert.ErrorIs(t, err, locator.ErrNotFound)
		assert.Equal(t, Failed, out.State)
		assert.False(t, sess.IsAuthenticated())
	})

	t.Run("missing form but already signed in", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		sess.OnNavigate = func(p *mocks.FakePage, _ string) { p.SetURL(base + "/workflows") }

		out, err := newResolver(t, testOptions(Credentials{Email: "a", Password: "b"})).Resolve(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, Authenticated, out.State)
		assert.Empty(t, sess.CallsOf("fill"))
	})

	t.Run("falls back to the base url", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		sess.Resolvable = loginForm(true)
		sess.Fail = func(op, arg string) error {
			if op == "navigate" && strings.HasSuffix(arg, "/signin") {
				return errors.New("net::ERR_ABORTED")
			}
			return nil
		}
		sess.OnClick = func(p *mocks.FakePage, _ string) { p.SetURL(base + "/workflows") }

		_, err := newResolver(t, testOptions(Credentials{Email: "a", Password: "b"})).Resolve(context.Background(), sess)
		require.NoError(t, err)
		navs := sess.CallsOf("navigate")
		require.Len(t, navs, 2)
		assert.Equal(t, base, navs[1].Arg)
	})
}

func TestManualLogin(t *testing.T) {
	t.Run("operator completes login", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		sess.Path = "/tmp/state.json"
		timer := time.AfterFunc(30*time.Millisecond, func() { sess.SetURL(base + "/workflows") })
		defer timer.Stop()

		out, err := newResolver(t, testOptions(Credentials{Email: "only-email"})).Resolve(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, []State{Unauthenticated, ManualWait, Authenticated}, out.Trace)
		assert.Empty(t, sess.CallsOf("fill"), "partial credentials never reach the form")
		assert.Len(t, sess.Persisted(), 1)
	})

	t.Run("timeout is fatal", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		opts := testOptions(Credentials{})
		opts.ManualTimeout = 30 * time.Millisecond

		out, err := newResolver(t, opts).Resolve(context.Background(), sess)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, Failed, out.State)
		assert.Equal(t, "timed out waiting for manual login", out.Reason)
	})

	t.Run("text condition", func(t *testing.T) {
		sess := mocks.NewFakeSession("about:blank")
		var polls int
		sess.TextFunc = func() string {
			polls++
			if polls > 2 {
				return "Welcome\nVPS\nBilling"
			}
			return "Log in to continue"
		}
		cond, err := NewTextMatches(`(VPS|Dashboard|Search|Home)`)
		require.NoError(t, err)

		opts := testOptions(Credentials{})
		opts.LoginURL = "https://panel.example.test/"
		opts.FallbackURL = ""
		opts.ManualSuccess = cond

		out, err := newResolver(t, opts).Resolve(context.Background(), sess)
		require.NoError(t, err)
		assert.Equal(t, Authenticated, out.State)
	})
}

func TestConditions(t *testing.T) {
	page := mocks.NewFakePage(base + "/settings/users")
	ok, err := URLContains{"/workflow", "/settings"}.Met(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = URLContains{"/canvas"}.Met(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, ok)

	page.Text = "Dashboard"
	ok, err = TextMatches{Pattern: regexp.MustCompile(`Dash`)}.Met(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewTextMatches("(")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ManualWait", ManualWait.String())
	assert.Equal(t, "State(42)", State(42).String())
}
