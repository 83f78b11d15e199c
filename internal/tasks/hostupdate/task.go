// internal/tasks/hostupdate/task.go
package hostupdate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/auth"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/pipeline"
	"github.com/xkilldash9x/wfmedic/internal/sequence"
	"github.com/xkilldash9x/wfmedic/internal/terminal"
)

// TargetID prefixes every artifact of the update run.
const TargetID = "hostinger"

const terminalPattern = `(Browser\s*Terminal|Terminal|Console|SSH)`

// Text polls read the whole page, so they run slower than URL polls.
const textPollInterval = 500 * time.Millisecond

const transcriptLabel = "commands"

// Timings are the fixed waits the hosting panel needs between clicks.
type Timings struct {
	VPS      time.Duration
	Manage   time.Duration
	Terminal time.Duration
}

// DefaultTimings returns the waits used against the live panel.
func DefaultTimings() Timings {
	return Timings{VPS: 2 * time.Second, Manage: 3 * time.Second, Terminal: 5 * time.Second}
}

// Task logs into the hosting panel by hand, opens the server's browser
// terminal and types the update commands.
type Task struct {
	cfg     config.Config
	timings Timings
	prompt  func(string)
}

var (
	_ pipeline.Task       = (*Task)(nil)
	_ pipeline.KeepOpener = (*Task)(nil)
)

// New creates the update task.
func New(cfg config.Config) *Task {
	return &Task{cfg: cfg, timings: DefaultTimings()}
}

// WithTimings replaces the fixed waits.
func (t *Task) WithTimings(tm Timings) *Task {
	t.timings = tm
	return t
}

// WithPrompt routes operator prompts somewhere other than the log.
func (t *Task) WithPrompt(fn func(string)) *Task {
	t.prompt = fn
	return t
}

func (t *Task) Name() string { return "update" }

func (t *Task) TargetID() string { return TargetID }

func (t *Task) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{Headless: !t.cfg.Terminal.Headful, StatePath: t.cfg.Terminal.StatePath}
}

// KeepOpen leaves a visible browser up for the operator when configured.
func (t *Task) KeepOpen() bool { return t.cfg.Terminal.KeepOpen && t.cfg.Terminal.Headful }

// AuthOptions always waits for the operator; the panel uses its own login
// flow that is not automated.
func (t *Task) AuthOptions() auth.Options {
	ready := auth.TextMatches{Pattern: regexp.MustCompile(`(?i)` + t.readyPattern())}
	return auth.Options{
		LoginURL:      t.cfg.Terminal.LoginURL,
		Success:       ready,
		ManualSuccess: ready,
		PollInterval:  max(t.cfg.Auth.PollInterval, textPollInterval),
		ManualTimeout: t.cfg.Terminal.LoginTimeout,
	}
}

func (t *Task) readyPattern() string {
	if _, err := regexp.Compile(t.cfg.Terminal.ReadyPattern); err != nil || t.cfg.Terminal.ReadyPattern == "" {
		return `(VPS|Dashboard|Search|Home)`
	}
	return t.cfg.Terminal.ReadyPattern
}

// Steps opens the terminal page of the first server.
func (t *Task) Steps() []sequence.Step {
	return []sequence.Step{
		{Name: "vps", Action: sequence.Click(), Target: locator.Spec{locator.TextMatching("VPS")}},
		{Name: "vps-settle", Action: sequence.Pause(t.timings.VPS)},
		{Name: "manage", Action: sequence.Click(), Target: locator.Spec{locator.TextMatching("Manage"), locator.Role("button", "Manage")}},
		{Name: "manage-settle", Action: sequence.Pause(t.timings.Manage)},
		{
			Name:   "open-terminal",
			Action: sequence.Click(),
			Target: locator.Spec{locator.RoleMatching("button", terminalPattern), locator.TextMatching(terminalPattern)},
		},
		{Name: "terminal-settle", Action: sequence.Pause(t.timings.Terminal)},
	}
}

// Run navigates to the terminal, focuses it and sends every configured
// command. A command whose keystrokes cannot be delivered fails the run.
func (t *Task) Run(ctx context.Context, env pipeline.Env) (pipeline.Result, error) {
	var res pipeline.Result

	report, err := env.Sequencer().Run(ctx, t.Steps())
	res.Report = report
	if err != nil {
		return res, err
	}

	opts := []terminal.Option{
		terminal.WithGate(env.Gate),
		terminal.WithObserver(func(r sequence.StepResult) {
			res.Report.Results = append(res.Report.Results, r)
			res.Report.Artifacts = append(res.Report.Artifacts, r.Artifacts...)
		}),
	}
	if t.prompt != nil {
		opts = append(opts, terminal.WithPrompt(t.prompt))
	}
	drv := terminal.New(env.Session, env.Session, env.Chain, env.Collector, env.Config.Terminal, env.Config.Sequence, env.Logger, opts...)

	if !drv.Focus(ctx) {
		res.Notes = append(res.Notes, "Terminal was not focused automatically; commands were typed into whatever the operator focused.")
	}

	commands := env.Config.Terminal.Commands
	if len(commands) == 0 {
		commands = config.DefaultUpdateCommands
	}
	env.Logger.Info("Running update commands.", zap.Int("count", len(commands)))
	results, err := drv.RunSequence(ctx, commands)

	sent := 0
	for _, r := range results {
		if r.Err == nil {
			sent++
			continue
		}
		// The capture taken after an aborted command is not in the step report.
		if r.ScreenshotRef != "" && !errors.Is(r.Err, terminal.ErrSkipped) && !hasArtifact(res.Report, r.ScreenshotRef) {
			res.Report.Artifacts = append(res.Report.Artifacts, artifact.Artifact{Kind: artifact.Screenshot, Path: r.ScreenshotRef, Step: r.Step})
		}
	}

	// The transcript is the run's final diagnostic; losing it fails the run.
	if a, werr := env.Collector.WriteText(transcriptLabel, transcriptLabel, Transcript(results)); werr != nil {
		env.Logger.Error("Could not write the command transcript.", zap.Error(werr))
		if res.Report.DiagnosticErr == nil {
			res.Report.DiagnosticErr = werr
		}
	} else {
		res.Report.Artifacts = append(res.Report.Artifacts, a)
	}

	res.Notes = append(res.Notes, fmt.Sprintf("Sent %d of %d update commands. Watch the terminal for errors, then check that the n8n version banner is gone.", sent, len(commands)))
	return res, err
}

// Transcript renders one line per command with its delivery status.
func Transcript(results []terminal.CommandResult) string {
	var b strings.Builder
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Fprintf(&b, "%s sent     %s\n", r.Step, r.Command)
		case errors.Is(r.Err, terminal.ErrSkipped):
			fmt.Fprintf(&b, "%s skipped  %s\n", r.Step, r.Command)
		default:
			fmt.Fprintf(&b, "%s failed   %s (%v)\n", r.Step, r.Command, r.Err)
		}
	}
	return b.String()
}

func hasArtifact(report sequence.Report, path string) bool {
	for _, a := range report.Artifacts {
		if a.Path == path {
			return true
		}
	}
	return false
}
