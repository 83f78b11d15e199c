// internal/sequence/sequencer.go
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
)

const (
	defaultStepTimeout  = 30 * time.Second
	defaultWaitInterval = 250 * time.Millisecond
)

// Report is everything a run produced.
type Report struct {
	Results   []StepResult
	Artifacts []artifact.Artifact
	Aborted   bool
	// DiagnosticErr is the first write failure of a required capture.
	DiagnosticErr error
}

// Failed returns the results of failed steps.
func (r Report) Failed() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if res.Status == Failed {
			out = append(out, res)
		}
	}
	return out
}

// Output returns the output of the named step, or "".
func (r Report) Output(step string) string {
	for _, res := range r.Results {
		if res.Name == step {
			return res.Output
		}
	}
	return ""
}

// NewGate returns the single-slot gate that serialises page actions.
func NewGate() *semaphore.Weighted { return semaphore.NewWeighted(1) }

// Option customises a Sequencer.
type Option func(*Sequencer)

// WithGate makes the sequencer share an action gate with other drivers of
// the same page.
func WithGate(gate *semaphore.Weighted) Option {
	return func(s *Sequencer) { s.gate = gate }
}

// WithObserver registers a callback invoked after each step.
func WithObserver(fn func(StepResult)) Option {
	return func(s *Sequencer) { s.observer = fn }
}

// Sequencer executes an ordered list of steps against one page. A sequencer
// runs once.
type Sequencer struct {
	page      browser.Page
	auth      browser.AuthGate
	chain     *locator.Chain
	collector *artifact.Collector
	cfg       config.SequenceConfig
	logger    *zap.Logger

	gate     *semaphore.Weighted
	observer func(StepResult)
	spent    atomic.Bool
}

// New creates a sequencer. auth may be nil when the caller has already
// verified authentication; collector may be nil when no artifacts are wanted.
func New(page browser.Page, auth browser.AuthGate, chain *locator.Chain, collector *artifact.Collector, cfg config.SequenceConfig, logger *zap.Logger, opts ...Option) *Sequencer {
	s := &Sequencer{
		page:      page,
		auth:      auth,
		chain:     chain,
		collector: collector,
		cfg:       cfg,
		logger:    logger.Named("sequencer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = NewGate()
	}
	return s
}

// Run executes steps in order and returns the report. When a step aborts the
// run, the error is a *StepError and the report still holds every artifact
// captured before the failure.
func (s *Sequencer) Run(ctx context.Context, steps []Step) (Report, error) {
	if !s.spent.CompareAndSwap(false, true) {
		return Report{}, ErrSequencerSpent
	}
	if s.auth != nil && !s.auth.IsAuthenticated() {
		return Report{}, ErrNotAuthenticated
	}

	var report Report
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			s.skipRest(&report, steps[i:])
			return report, &StepError{Step: step.Name, Err: err}
		}

		res, policy := s.runStep(ctx, step)
		report.Results = append(report.Results, res)
		report.Artifacts = append(report.Artifacts, res.Artifacts...)
		if report.DiagnosticErr == nil && requiresCapture(step) {
			report.DiagnosticErr = writeFailure(res)
		}
		if s.observer != nil {
			s.observer(res)
		}

		if res.Status == Failed && policy == Abort {
			report.Aborted = true
			s.skipRest(&report, steps[i+1:])
			return report, &StepError{Step: step.Name, Err: res.Err}
		}
	}
	return report, nil
}

func requiresCapture(step Step) bool {
	if step.Action.Kind == ActCapture {
		return step.Action.Required
	}
	return step.Capture != nil && step.Capture.Required
}

// writeFailure returns the artifact write error a step ran into, if any.
func writeFailure(res StepResult) error {
	var werr *artifact.WriteError
	for _, err := range []error{res.Err, res.ArtifactErr} {
		if errors.As(err, &werr) {
			return werr
		}
	}
	return nil
}

func (s *Sequencer) skipRest(report *Report, rest []Step) {
	for _, st := range rest {
		report.Results = append(report.Results, StepResult{Name: st.Name, Action: st.Action.String(), Status: Skipped})
	}
}

// runStep executes one step under its failure policy and returns the result
// plus the policy that finally applied.
func (s *Sequencer) runStep(ctx context.Context, step Step) (StepResult, Policy) {
	log := s.logger.With(zap.String("step", step.Name), zap.Stringer("action", step.Action.Kind))
	res := StepResult{Name: step.Name, Action: step.Action.String(), Started: time.Now()}
	log.Info("Step started.")

	res.Attempts = 1
	err := s.attempt(ctx, step, &res)

	policy := step.OnFailure
	if err != nil && step.OnFailure == Retry {
		policy = step.Fallback
		if policy == Retry {
			policy = Continue
		}
		if ctx.Err() == nil {
			log.Warn("Step failed; retrying once.", zap.Error(err), zap.Duration("delay", s.cfg.RetryDelay))
			if werr := sleepCtx(ctx, s.cfg.RetryDelay); werr == nil {
				res.Attempts++
				err = s.attempt(ctx, step, &res)
			}
		}
	}

	res.Duration = time.Since(res.Started)
	if err != nil {
		res.Status = Failed
		res.Err = err
		log.Warn("Step failed.", zap.Error(err), zap.Stringer("policy", policy), zap.Int("attempts", res.Attempts))
	} else {
		res.Status = Succeeded
		log.Info("Step completed.", zap.Duration("duration", res.Duration), zap.String("strategy", res.Strategy))
	}

	// At most one artifact set per step: a capture action is its own set.
	if step.Capture != nil && step.Action.Kind != ActCapture && (err == nil || (policy == Continue && !step.Capture.OnSuccess)) {
		s.snapshot(ctx, step, &res)
	}
	return res, policy
}

func (s *Sequencer) timeoutFor(step Step) time.Duration {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StepTimeout
	}
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	// Waits that are part of the action itself must fit in the deadline.
	if extra := step.Action.Duration + step.Action.Settle; extra >= timeout {
		timeout = extra + timeout
	}
	return timeout
}

// attempt runs the action once under the step deadline and the action gate.
func (s *Sequencer) attempt(ctx context.Context, step Step, res *StepResult) error {
	timeout := s.timeoutFor(step)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.gate.Acquire(stepCtx, 1); err != nil {
		return s.classify(ctx, stepCtx, timeout, err)
	}
	defer s.gate.Release(1)

	res.Artifacts = nil
	err := s.execute(stepCtx, step, res)
	if err != nil {
		return s.classify(ctx, stepCtx, timeout, err)
	}
	return nil
}

// classify marks failures caused by the step's own deadline as timeouts.
func (s *Sequencer) classify(ctx, stepCtx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v: %w", ErrStepTimeout, timeout, err)
	}
	return err
}

func (s *Sequencer) resolve(ctx context.Context, step Step, res *StepResult) (locator.Handle, error) {
	if len(step.Target) == 0 {
		return locator.Handle{}, fmt.Errorf("%s step %q has no target", step.Action.Kind, step.Name)
	}
	h, err := s.chain.Resolve(ctx, s.page, step.Target)
	if err != nil {
		return locator.Handle{}, err
	}
	res.Strategy = h.Strategy
	return h, nil
}

func (s *Sequencer) execute(ctx context.Context, step Step, res *StepResult) error {
	a := step.Action
	switch a.Kind {
	case ActNavigate:
		return s.page.Navigate(ctx, a.URL)

	case ActClick:
		h, err := s.resolve(ctx, step, res)
		if err != nil {
			return err
		}
		if err := s.page.Click(ctx, h.Selector); err != nil {
			return err
		}
		return sleepCtx(ctx, a.Settle)

	case ActTypeAndSubmit:
		h, err := s.resolve(ctx, step, res)
		if err != nil {
			return err
		}
		if err := s.page.Fill(ctx, h.Selector, a.Text); err != nil {
			return err
		}
		return s.page.Press(ctx, "Enter")

	case ActWaitFor:
		if a.Condition == nil {
			h, err := s.chain.Await(ctx, s.page, step.Target)
			if err != nil {
				return err
			}
			res.Strategy = h.Strategy
			return nil
		}
		return PollCondition(ctx, s.page, a.Condition, a.Interval)

	case ActCapture:
		if s.collector == nil {
			return errors.New("capture step without an artifact collector")
		}
		// Every kind is attempted; the first failure is reported.
		var first error
		for _, kind := range a.Kinds {
			art, err := s.collector.Capture(ctx, s.page, kind, a.Label, step.Name)
			if err != nil {
				if first == nil {
					first = err
				}
				continue
			}
			res.Artifacts = append(res.Artifacts, art)
		}
		return first

	case ActKeys:
		if err := s.page.Type(ctx, a.Text); err != nil {
			return err
		}
		if err := s.page.Press(ctx, "Enter"); err != nil {
			return err
		}
		return sleepCtx(ctx, a.Settle)

	case ActPause:
		return sleepCtx(ctx, a.Duration)

	case ActFunc:
		if a.Fn == nil {
			return fmt.Errorf("func step %q has no function", step.Name)
		}
		out, err := a.Fn(ctx, s.page)
		res.Output = out
		return err

	default:
		return fmt.Errorf("unsupported action %s", a.Kind)
	}
}

// snapshot captures the step's requested artifact set. Failures are recorded
// on the result and never change the step status.
func (s *Sequencer) snapshot(ctx context.Context, step Step, res *StepResult) {
	if s.collector == nil || ctx.Err() != nil {
		return
	}
	timeout := s.timeoutFor(step)
	capCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.gate.Acquire(capCtx, 1); err != nil {
		res.ArtifactErr = err
		return
	}
	defer s.gate.Release(1)

	label := step.Capture.Label
	if label == "" {
		label = step.Name
	}
	kinds := step.Capture.Kinds
	if len(kinds) == 0 {
		kinds = []artifact.Kind{artifact.Screenshot}
	}
	for _, kind := range kinds {
		art, err := s.collector.Capture(capCtx, s.page, kind, label, step.Name)
		if err != nil {
			res.ArtifactErr = err
			s.logger.Warn("Artifact snapshot failed.", zap.String("step", step.Name), zap.Error(err))
			continue
		}
		res.Artifacts = append(res.Artifacts, art)
	}
}

// PollCondition checks cond at the given interval until it holds or ctx
// ends. Condition errors are treated as "not yet".
func PollCondition(ctx context.Context, page browser.Page, cond Condition, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next tick would pass the deadline.
			<-ctx.Done()
			if lastErr != nil {
				return fmt.Errorf("condition %s not met: %w (last check: %v)", cond, ctx.Err(), lastErr)
			}
			return fmt.Errorf("condition %s not met: %w", cond, ctx.Err())
		}
		ok, err := cond.Met(ctx, page)
		if err == nil && ok {
			return nil
		}
		lastErr = err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
