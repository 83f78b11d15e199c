// internal/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/auth"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/history"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/observability"
	"github.com/xkilldash9x/wfmedic/internal/sequence"
)

const (
	ExitOK      = 0
	ExitFailure = 1

	disposeTimeout = 15 * time.Second
	recordTimeout  = 10 * time.Second
)

// Session is a launched browser session as the runner sees it.
type Session interface {
	auth.Session
	Dispose(ctx context.Context) error
}

// LaunchFunc starts a session.
type LaunchFunc func(ctx context.Context, opts browser.LaunchOptions) (Session, error)

// ManagerLauncher adapts a browser.Manager to a LaunchFunc.
func ManagerLauncher(m *browser.Manager) LaunchFunc {
	return func(ctx context.Context, opts browser.LaunchOptions) (Session, error) {
		s, err := m.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Env is what a task gets to work with. Every field is owned by the runner.
type Env struct {
	Session   Session
	Chain     *locator.Chain
	Collector *artifact.Collector
	Gate      *semaphore.Weighted
	Config    config.Config
	Logger    *zap.Logger
}

// Sequencer returns a fresh sequencer bound to the run's page, gate and
// collector.
func (e Env) Sequencer(opts ...sequence.Option) *sequence.Sequencer {
	opts = append([]sequence.Option{sequence.WithGate(e.Gate)}, opts...)
	return sequence.New(e.Session, e.Session, e.Chain, e.Collector, e.Config.Sequence, e.Logger, opts...)
}

// Result is what a task reports back.
type Result struct {
	Report sequence.Report
	// Notes are human readable findings logged at the end of the run.
	Notes []string
}

// Task is one fixed automation intent.
type Task interface {
	Name() string
	TargetID() string
	LaunchOptions() browser.LaunchOptions
	AuthOptions() auth.Options
	Run(ctx context.Context, env Env) (Result, error)
}

// KeepOpener is implemented by tasks that may leave the browser open for
// the operator once they finish.
type KeepOpener interface {
	KeepOpen() bool
}

// Runner owns one pipeline run at a time.
type Runner struct {
	cfg      config.Config
	launch   LaunchFunc
	recorder history.Recorder
	out      io.Writer
	logger   *zap.Logger
}

// NewRunner creates a runner. recorder and logger may be nil.
func NewRunner(cfg config.Config, launch LaunchFunc, recorder history.Recorder, out io.Writer, logger *zap.Logger) *Runner {
	if recorder == nil {
		recorder = history.Nop{}
	}
	return &Runner{cfg: cfg, launch: launch, recorder: recorder, out: out, logger: observability.Component(logger, "pipeline")}
}

// Run executes task end to end and returns the process exit code. The
// session is disposed on every path, including cancellation.
func (r *Runner) Run(ctx context.Context, task Task) int {
	run := history.Run{
		ID:        uuid.New(),
		Task:      task.Name(),
		Target:    task.TargetID(),
		AuthState: auth.Unauthenticated.String(),
		Started:   time.Now(),
	}
	log := r.logger.With(zap.String("task", run.Task), zap.String("target", run.Target), zap.String("run_id", run.ID.String()))
	log.Info("Run started.")

	res, err := r.execute(ctx, task, &run, log)

	run.Finished = time.Now()
	run.Succeeded = err == nil
	run.Steps = stepsOf(res.Report)
	if err != nil {
		run.Cause = err.Error()
	}
	r.record(ctx, run, log)

	for _, note := range res.Notes {
		log.Info(note)
	}
	if err != nil {
		log.Error("Run failed.", zap.String("stage", stage(err)), zap.Error(err))
		fmt.Fprintf(r.out, "FAILED %s %s: %v\n", run.Task, run.Target, err)
		return ExitFailure
	}
	log.Info("Run finished.", zap.Duration("duration", run.Finished.Sub(run.Started)))
	fmt.Fprintf(r.out, "OK %s %s: %d steps, %d failed, %d artifacts\n",
		run.Task, run.Target, len(res.Report.Results), len(res.Report.Failed()), len(run.Artifacts))
	return ExitOK
}

func (r *Runner) execute(ctx context.Context, task Task, run *history.Run, log *zap.Logger) (res Result, err error) {
	sess, err := r.launch(ctx, task.LaunchOptions())
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if ko, ok := task.(KeepOpener); ok && ko.KeepOpen() && ctx.Err() == nil {
			log.Info("Leaving the browser open; press Ctrl+C to close it.")
			<-ctx.Done()
		}
		dctx, cancel := context.WithTimeout(browser.Detach(ctx), disposeTimeout)
		defer cancel()
		if derr := sess.Dispose(dctx); derr != nil {
			log.Warn("Session dispose reported an error.", zap.Error(derr))
		}
	}()

	chain := locator.NewChain(r.cfg.Locator, r.logger)
	resolver := auth.NewResolver(chain, task.AuthOptions(), r.logger)
	outcome, err := resolver.Resolve(ctx, sess)
	run.AuthState = outcome.State.String()
	if err != nil {
		return Result{}, err
	}
	if outcome.Unconfirmed {
		log.Warn("Continuing with an unconfirmed login.")
	}

	env := Env{
		Session:   sess,
		Chain:     chain,
		Collector: artifact.NewCollector(r.cfg.Artifacts.Dir, task.TargetID(), r.logger),
		Gate:      sequence.NewGate(),
		Config:    r.cfg,
		Logger:    r.logger.With(zap.String("task", task.Name())),
	}
	res, err = task.Run(ctx, env)
	// The collector knows every file on disk, including captures a task
	// made outside its step report.
	run.Artifacts = artifactsOf(env.Collector.Artifacts())
	if err == nil && res.Report.DiagnosticErr != nil {
		err = fmt.Errorf("diagnostics were not written: %w", res.Report.DiagnosticErr)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

func (r *Runner) record(ctx context.Context, run history.Run, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(browser.Detach(ctx), recordTimeout)
	defer cancel()
	if err := r.recorder.Record(rctx, run); err != nil {
		log.Warn("Could not record run history.", zap.Error(err))
	}
}

// stage names the part of the run an error came from.
func stage(err error) string {
	var (
		launchErr *browser.LaunchError
		authErr   *auth.Error
		stepErr   *sequence.StepError
		writeErr  *artifact.WriteError
	)
	switch {
	case errors.As(err, &launchErr):
		return "launch"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &stepErr):
		return "step " + stepErr.Step
	case errors.As(err, &writeErr):
		return "artifacts"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "task"
	}
}

func stepsOf(report sequence.Report) []history.Step {
	steps := make([]history.Step, 0, len(report.Results))
	for _, res := range report.Results {
		s := history.Step{
			Name:       res.Name,
			Action:     res.Action,
			Status:     res.Status.String(),
			Strategy:   res.Strategy,
			Attempts:   res.Attempts,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			s.Error = res.Err.Error()
		}
		steps = append(steps, s)
	}
	return steps
}

func artifactsOf(written []artifact.Artifact) []history.Artifact {
	arts := make([]history.Artifact, 0, len(written))
	for _, a := range written {
		arts = append(arts, history.Artifact{Kind: string(a.Kind), Path: a.Path, Step: a.Step})
	}
	return arts
}
