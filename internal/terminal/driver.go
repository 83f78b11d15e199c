// internal/terminal/driver.go
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/sequence"
)

// ErrSkipped marks commands that never ran because an earlier one failed.
var ErrSkipped = errors.New("command skipped after an earlier failure")

// Signatures lists the known terminal-widget selectors, most specific first.
func Signatures() locator.Spec {
	return locator.CSSChain(
		".xterm-helper-textarea",
		".xterm-screen",
		".xterm-rows",
		"canvas",
		`div[role="textbox"] textarea`,
	)
}

// CommandResult is the outcome of one command sent to the terminal.
type CommandResult struct {
	// Step is the sequencer step name, term-NN.
	Step          string
	Command       string
	Settle        time.Duration
	ScreenshotRef string
	Err           error
}

// Option customises a Driver.
type Option func(*Driver)

// WithGate shares the page action gate with other drivers of the same page.
func WithGate(gate *semaphore.Weighted) Option {
	return func(d *Driver) { d.gate = gate }
}

// WithPrompt replaces the operator prompt shown when focus fails.
func WithPrompt(fn func(msg string)) Option {
	return func(d *Driver) { d.prompt = fn }
}

// WithObserver is called with each command step's result as it finishes.
func WithObserver(fn func(sequence.StepResult)) Option {
	return func(d *Driver) { d.observer = fn }
}

// Driver types shell commands into an in-browser terminal.
type Driver struct {
	page      browser.Page
	auth      browser.AuthGate
	chain     *locator.Chain
	collector *artifact.Collector
	cfg       config.TerminalConfig
	seqCfg    config.SequenceConfig
	logger    *zap.Logger

	gate     *semaphore.Weighted
	prompt   func(msg string)
	observer func(sequence.StepResult)
	seq      atomic.Int32
}

// New creates a terminal driver over page.
func New(page browser.Page, auth browser.AuthGate, chain *locator.Chain, collector *artifact.Collector, cfg config.TerminalConfig, seqCfg config.SequenceConfig, logger *zap.Logger, opts ...Option) *Driver {
	d := &Driver{
		page:      page,
		auth:      auth,
		chain:     chain,
		collector: collector,
		cfg:       cfg,
		seqCfg:    seqCfg,
		logger:    logger.Named("terminal"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.gate == nil {
		d.gate = sequence.NewGate()
	}
	if d.prompt == nil {
		d.prompt = func(msg string) { d.logger.Warn(msg) }
	}
	return d
}

// Focus puts keyboard focus on the terminal surface. When no signature
// matches it prompts the operator, waits FocusPause, and returns false so the
// caller can carry on typing into whatever the operator focused.
func (d *Driver) Focus(ctx context.Context) bool {
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return false
	}
	ok := d.focus(ctx)
	d.gate.Release(1)
	if ok {
		return true
	}

	d.prompt(fmt.Sprintf("Could not focus the terminal automatically. Click inside it within %v.", d.cfg.FocusPause))
	if d.cfg.FocusPause > 0 {
		t := time.NewTimer(d.cfg.FocusPause)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return false
}

func (d *Driver) focus(ctx context.Context) bool {
	h, err := d.chain.Resolve(ctx, d.page, Signatures())
	if err != nil {
		d.logger.Warn("No terminal surface found.", zap.Error(err))
		return false
	}
	if err := d.page.Click(ctx, h.Selector); err != nil {
		// The helper textarea sits off screen; focusing it directly still works.
		if ferr := d.page.Focus(ctx, h.Selector); ferr != nil {
			d.logger.Warn("Terminal surface found but could not be focused.", zap.Error(errors.Join(err, ferr)))
			return false
		}
	}
	d.logger.Info("Terminal focused.", zap.String("strategy", h.Strategy))
	return true
}

// SendCommand types command, commits it with Enter and waits settle.
func (d *Driver) SendCommand(ctx context.Context, command string, settle time.Duration) (CommandResult, error) {
	results, err := d.run(ctx, []string{command}, settle, false)
	if len(results) == 0 {
		return CommandResult{Command: command, Settle: settle, Err: err}, err
	}
	return results[0], err
}

// RunSequence sends commands strictly one after another using the configured
// settle time, capturing a screenshot after each. It stops at the first
// command whose keystrokes could not be delivered; the remaining commands
// are returned with ErrSkipped.
func (d *Driver) RunSequence(ctx context.Context, commands []string) ([]CommandResult, error) {
	return d.run(ctx, commands, d.cfg.Settle, true)
}

func (d *Driver) run(ctx context.Context, commands []string, settle time.Duration, capture bool) ([]CommandResult, error) {
	steps := make([]sequence.Step, len(commands))
	for i, cmd := range commands {
		name := fmt.Sprintf("term-%02d", d.seq.Add(1))
		steps[i] = sequence.Step{
			Name:      name,
			Action:    sequence.Keys(cmd, settle),
			OnFailure: sequence.Abort,
		}
		if capture {
			steps[i].Capture = &sequence.CaptureSpec{Label: name, Kinds: []artifact.Kind{artifact.Screenshot}}
		}
	}

	opts := []sequence.Option{sequence.WithGate(d.gate)}
	if d.observer != nil {
		opts = append(opts, sequence.WithObserver(d.observer))
	}
	seq := sequence.New(d.page, d.auth, d.chain, d.collector, d.seqCfg, d.logger, opts...)
	report, runErr := seq.Run(ctx, steps)

	results := make([]CommandResult, len(commands))
	for i, cmd := range commands {
		results[i] = CommandResult{Step: steps[i].Name, Command: cmd, Settle: settle, Err: ErrSkipped}
	}
	for i, res := range report.Results {
		if i >= len(results) {
			break
		}
		switch res.Status {
		case sequence.Succeeded:
			results[i].Err = nil
		case sequence.Failed:
			results[i].Err = res.Err
		}
		if len(res.Artifacts) > 0 {
			results[i].ScreenshotRef = res.Artifacts[0].Path
		}
		if capture && res.Status == sequence.Failed && results[i].ScreenshotRef == "" {
			results[i].ScreenshotRef = d.failureShot(ctx, res.Name)
		}
	}
	return results, runErr
}

// failureShot captures the terminal after a command that aborted the run.
func (d *Driver) failureShot(ctx context.Context, label string) string {
	if d.collector == nil || ctx.Err() != nil {
		return ""
	}
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return ""
	}
	defer d.gate.Release(1)
	art, err := d.collector.Capture(ctx, d.page, artifact.Screenshot, label, label)
	if err != nil {
		d.logger.Warn("Could not capture the terminal after a failed command.", zap.Error(err))
		return ""
	}
	return art.Path
}
