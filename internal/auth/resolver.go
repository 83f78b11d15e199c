// internal/auth/resolver.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/sequence"
)

// State is a step of the authentication state machine.
type State int

const (
	Unauthenticated State = iota
	AutomatedAttempt
	ManualWait
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case AutomatedAttempt:
		return "AutomatedAttempt"
	case ManualWait:
		return "ManualWait"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is where the state machine ended and how it got there.
type Outcome struct {
	State  State
	Reason string
	// Unconfirmed marks an automated login whose success condition never
	// matched. The run continues on it.
	Unconfirmed bool
	Trace       []State
}

func (o *Outcome) move(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// ErrTimeout is wrapped when a success condition does not hold in time.
var ErrTimeout = errors.New("authentication timed out")

// Error is a fatal authentication failure.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Session is what the resolver needs from a browser session.
type Session interface {
	browser.Page
	browser.AuthGate
	HasValidState() bool
	StatePath() string
	Persist(ctx context.Context, path string) error
}

// Credentials are used for automated login when both halves are set.
type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) complete() bool { return c.Email != "" && c.Password != "" }

// Options configures one resolver.
type Options struct {
	LoginURL string
	// FallbackURL is tried when LoginURL cannot be loaded.
	FallbackURL string
	Credentials Credentials

	// Success is polled after an automated submit.
	Success sequence.Condition
	// ManualSuccess is polled while an operator logs in. Defaults to Success.
	ManualSuccess sequence.Condition

	PollInterval     time.Duration
	AutomatedTimeout time.Duration
	ManualTimeout    time.Duration
	// Probe bounds the already-logged-in check when no form is found.
	Probe time.Duration

	EmailField    locator.Spec
	PasswordField locator.Spec
	Submit        locator.Spec
}

// DefaultEmailField lists the selectors tried for the email input.
func DefaultEmailField() locator.Spec {
	return locator.CSSChain(
		`input[type="email"]`,
		`input[name="email"]`,
		`input[placeholder*="email" i]`,
		`input[aria-label*="email" i]`,
	)
}

// DefaultPasswordField finds the password input.
func DefaultPasswordField() locator.Spec {
	return locator.CSSChain(`input[type="password"]`)
}

// DefaultSubmit finds the sign-in control.
func DefaultSubmit() locator.Spec {
	return locator.Spec{
		locator.CSS(`button[type="submit"]`),
		locator.RoleMatching("button", `sign in|log in`),
	}
}

// Resolver drives a session to Authenticated.
type Resolver struct {
	chain  *locator.Chain
	opts   Options
	logger *zap.Logger
}

// NewResolver creates a resolver. Unset locator specs get the defaults.
func NewResolver(chain *locator.Chain, opts Options, logger *zap.Logger) *Resolver {
	if opts.ManualSuccess == nil {
		opts.ManualSuccess = opts.Success
	}
	if len(opts.EmailField) == 0 {
		opts.EmailField = DefaultEmailField()
	}
	if len(opts.PasswordField) == 0 {
		opts.PasswordField = DefaultPasswordField()
	}
	if len(opts.Submit) == 0 {
		opts.Submit = DefaultSubmit()
	}
	return &Resolver{chain: chain, opts: opts, logger: logger.Named("auth")}
}

// Resolve authenticates sess. It returns a non-nil error only for fatal
// failures, in which case the outcome state is Failed and the error is *Error.
func (r *Resolver) Resolve(ctx context.Context, sess Session) (Outcome, error) {
	var out Outcome
	out.move(Unauthenticated)

	if sess.HasValidState() {
		r.logger.Info("Reusing persisted authentication state; skipping login.")
		return r.succeed(&out, sess), nil
	}

	if r.opts.Credentials.complete() {
		return r.automated(ctx, sess, &out)
	}
	return r.manual(ctx, sess, &out)
}

func (r *Resolver) automated(ctx context.Context, sess Session, out *Outcome) (Outcome, error) {
	out.move(AutomatedAttempt)
	r.logger.Info("Logging in with supplied credentials.", zap.String("login_url", r.opts.LoginURL))

	if err := r.openLogin(ctx, sess); err != nil {
		return r.fail(out, "login page unreachable", err)
	}

	email, emailErr := r.chain.Resolve(ctx, sess, r.opts.EmailField)
	password, pwErr := r.chain.Resolve(ctx, sess, r.opts.PasswordField)
	if emailErr != nil || pwErr != nil {
		if r.probe(ctx, sess) {
			r.logger.Info("No login form, but the app is already signed in.")
			return r.persistAndSucceed(ctx, out, sess), nil
		}
		return r.fail(out, "credential fields not found", errors.Join(emailErr, pwErr))
	}

	if err := sess.Fill(ctx, email.Selector, r.opts.Credentials.Email); err != nil {
		return r.fail(out, "could not enter email", err)
	}
	if err := sess.Fill(ctx, password.Selector, r.opts.Credentials.Password); err != nil {
		return r.fail(out, "could not enter password", err)
	}

	if submit, err := r.chain.Resolve(ctx, sess, r.opts.Submit); err == nil {
		if err := sess.Click(ctx, submit.Selector); err != nil {
			return r.fail(out, "could not submit login form", err)
		}
	} else {
		r.logger.Debug("No submit control; committing with Enter.", zap.Error(err))
		if err := sess.Focus(ctx, password.Selector); err != nil {
			return r.fail(out, "could not focus password field", err)
		}
		if err := sess.Press(ctx, "Enter"); err != nil {
			return r.fail(out, "could not submit login form", err)
		}
	}

	if err := r.await(ctx, sess, r.opts.Success, r.opts.AutomatedTimeout); err != nil {
		if ctx.Err() != nil {
			return r.fail(out, "canceled", ctx.Err())
		}
		r.logger.Warn("Automated login did not reach an app page; continuing anyway.",
			zap.Stringer("condition", r.opts.Success),
			zap.Duration("timeout", r.opts.AutomatedTimeout),
		)
		out.Unconfirmed = true
	}
	return r.persistAndSucceed(ctx, out, sess), nil
}

func (r *Resolver) manual(ctx context.Context, sess Session, out *Outcome) (Outcome, error) {
	out.move(ManualWait)

	if err := r.openLogin(ctx, sess); err != nil {
		return r.fail(out, "login page unreachable", err)
	}
	r.logger.Info("Waiting for manual sign-in in the browser window.",
		zap.Duration("timeout", r.opts.ManualTimeout),
		zap.Stringer("condition", r.opts.ManualSuccess),
	)

	if err := r.await(ctx, sess, r.opts.ManualSuccess, r.opts.ManualTimeout); err != nil {
		if ctx.Err() != nil {
			return r.fail(out, "canceled", ctx.Err())
		}
		return r.fail(out, "timed out waiting for manual login", fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	return r.persistAndSucceed(ctx, out, sess), nil
}

func (r *Resolver) openLogin(ctx context.Context, sess Session) error {
	err := sess.Navigate(ctx, r.opts.LoginURL)
	if err == nil || r.opts.FallbackURL == "" || ctx.Err() != nil {
		return err
	}
	r.logger.Warn("Login page failed to load; trying the base URL.", zap.Error(err))
	return sess.Navigate(ctx, r.opts.FallbackURL)
}

func (r *Resolver) probe(ctx context.Context, sess Session) bool {
	if r.opts.Probe <= 0 {
		return false
	}
	return r.await(ctx, sess, r.opts.Success, r.opts.Probe) == nil
}

func (r *Resolver) await(ctx context.Context, sess Session, cond sequence.Condition, timeout time.Duration) error {
	if cond == nil {
		return errors.New("no success condition configured")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sequence.PollCondition(waitCtx, sess, cond, r.opts.PollInterval)
}

func (r *Resolver) persistAndSucceed(ctx context.Context, out *Outcome, sess Session) Outcome {
	if path := sess.StatePath(); path != "" {
		if err := sess.Persist(ctx, path); err != nil {
			r.logger.Warn("Could not persist authentication state.", zap.String("path", path), zap.Error(err))
		}
	}
	return r.succeed(out, sess)
}

func (r *Resolver) succeed(out *Outcome, sess Session) Outcome {
	sess.MarkAuthenticated()
	out.move(Authenticated)
	return *out
}

func (r *Resolver) fail(out *Outcome, reason string, err error) (Outcome, error) {
	out.move(Failed)
	out.Reason = reason
	r.logger.Error("Authentication failed.", zap.String("reason", reason), zap.Error(err))
	return *out, &Error{Reason: reason, Err: err}
}
