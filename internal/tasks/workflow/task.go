// internal/tasks/workflow/task.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/auth"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/pipeline"
	"github.com/xkilldash9x/wfmedic/internal/sequence"
)

// MaxExecutionRows bounds the executions summary.
const MaxExecutionRows = 5

// DebugTextLabel names the editor text dump.
const DebugTextLabel = "debug-innerText"

const (
	outActivated     = "activated"
	outAlreadyActive = "already active"
	outNoSwitch      = "activation control not found"
	noExecutions     = "No executions found or list not visible"
)

// Timings are the fixed waits the workflow UI needs between actions.
type Timings struct {
	Activate   time.Duration
	Executions time.Duration
	Editor     time.Duration
	Node       time.Duration
}

// DefaultTimings returns the waits used against a live editor.
func DefaultTimings() Timings {
	return Timings{
		Activate:   time.Second,
		Executions: 1500 * time.Millisecond,
		Editor:     5 * time.Second,
		Node:       500 * time.Millisecond,
	}
}

// Task inspects one workflow: it activates it when needed, summarises recent
// executions and dumps the debug editor and one node panel.
type Task struct {
	cfg     config.Config
	timings Timings
}

var _ pipeline.Task = (*Task)(nil)

// New creates the task for cfg.Target.
func New(cfg config.Config) *Task {
	return &Task{cfg: cfg, timings: DefaultTimings()}
}

// WithTimings replaces the fixed waits.
func (t *Task) WithTimings(tm Timings) *Task {
	t.timings = tm
	return t
}

func (t *Task) Name() string { return "inspect" }

func (t *Task) TargetID() string { return "workflow-" + t.cfg.Target.WorkflowID }

func (t *Task) baseURL() string { return strings.TrimRight(t.cfg.Target.BaseURL, "/") }

// WorkflowURL is the editor address of the target workflow.
func (t *Task) WorkflowURL() string {
	return t.baseURL() + "/workflow/" + t.cfg.Target.WorkflowID
}

func (t *Task) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{Headless: !t.cfg.Browser.Headful, StatePath: t.cfg.Auth.StatePath}
}

func (t *Task) AuthOptions() auth.Options {
	a := t.cfg.Auth
	return auth.Options{
		LoginURL:         t.baseURL() + t.cfg.Target.LoginPath,
		FallbackURL:      t.baseURL(),
		Credentials:      auth.Credentials{Email: t.cfg.Target.Email, Password: t.cfg.Target.Password},
		Success:          auth.URLContains(a.SuccessURLSubstrings),
		PollInterval:     a.PollInterval,
		AutomatedTimeout: a.AutomatedTimeout,
		ManualTimeout:    a.ManualTimeout,
		Probe:            a.AlreadyLoggedInProbe,
	}
}

// NodeArtifactLabel is the label of the node panel dump.
func NodeArtifactLabel(nodeLabel string) string {
	var b strings.Builder
	for _, word := range strings.Fields(nodeLabel) {
		r := []rune(word)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return "node-" + b.String()
}

// Steps builds the inspection sequence.
func (t *Task) Steps(env pipeline.Env) []sequence.Step {
	node := t.cfg.Target.NodeLabel
	loc := t.cfg.Locator
	return []sequence.Step{
		{Name: "open-workflow", Action: sequence.Navigate(t.WorkflowURL()), OnFailure: sequence.Abort},
		{Name: "activate", Action: sequence.Func(t.activate(env.Chain))},
		{
			Name:   "executions-tab",
			Action: sequence.Click(),
			Target: locator.Spec{locator.RoleMatching("tab", "executions"), locator.Text("Executions")},
		},
		{Name: "executions-settle", Action: sequence.Pause(t.timings.Executions)},
		{
			Name:    "executions",
			Action:  sequence.Func(summariseExecutions),
			Capture: &sequence.CaptureSpec{Label: "executions", Kinds: []artifact.Kind{artifact.Screenshot}},
		},
		{Name: "debug-in-editor", Action: sequence.Click(), Target: env.Chain.Target("button", "Debug in editor")},
		{Name: "editor-load", Action: sequence.Pause(t.timings.Editor)},
		{Name: "debug-text", Action: sequence.RequiredCapture(DebugTextLabel, artifact.Text)},
		{Name: "debug", Action: sequence.RequiredCapture("debug", artifact.HTML, artifact.Screenshot)},
		{Name: "error-line", Action: sequence.Func(firstErrorLine)},
		{
			// The panel dump is only meaningful once the node is open.
			Name:   "node",
			Action: sequence.ClickAndWait(t.timings.Node),
			Target: locator.Spec{locator.Text(node), locator.Scan(node, loc.ScanMinWidth, loc.ScanMinHeight)},
			Capture: &sequence.CaptureSpec{
				Label:     NodeArtifactLabel(node),
				Kinds:     []artifact.Kind{artifact.Text},
				OnSuccess: true,
				Required:  true,
			},
		},
	}
}

// Run executes the inspection. Only a failure to open the workflow fails the
// run; every later step degrades to a note.
func (t *Task) Run(ctx context.Context, env pipeline.Env) (pipeline.Result, error) {
	env.Logger.Info("Opening workflow.", zap.String("url", t.WorkflowURL()))
	report, err := env.Sequencer().Run(ctx, t.Steps(env))
	return pipeline.Result{Report: report, Notes: t.notes(report)}, err
}

func (t *Task) notes(report sequence.Report) []string {
	var notes []string
	if report.Aborted {
		return notes
	}
	if summary := report.Output("executions"); summary != "" {
		notes = append(notes, "Executions summary:\n"+summary)
	}
	if report.Output("activate") == outActivated {
		notes = append(notes, "Applied fix: activated the workflow.")
	} else {
		notes = append(notes, "Workflow was already active or activation control not found.")
	}
	if line := report.Output("error-line"); line != "" {
		notes = append(notes, "First detected error line: "+line)
	}
	for _, res := range report.Results {
		if res.Name == "node" && res.Status == sequence.Failed {
			notes = append(notes, fmt.Sprintf("Could not click the %q node automatically.", t.cfg.Target.NodeLabel))
		}
	}
	return notes
}

// activate turns the workflow's active switch on when it reports off.
func (t *Task) activate(chain *locator.Chain) sequence.FuncAction {
	return func(ctx context.Context, page browser.Page) (string, error) {
		h, err := chain.Resolve(ctx, page, locator.Spec{locator.RoleMatching("switch", "active")})
		if errors.Is(err, locator.ErrNotFound) {
			return outNoSwitch, nil
		}
		if err != nil {
			return "", err
		}

		var checked string
		expr := fmt.Sprintf(`document.querySelector(%q).getAttribute("aria-checked") || ""`, h.Selector)
		if err := page.Evaluate(ctx, expr, &checked); err != nil {
			return "", fmt.Errorf("failed to read switch state: %w", err)
		}
		if checked != "false" {
			return outAlreadyActive, nil
		}

		if err := page.Click(ctx, h.Selector); err != nil {
			return "", fmt.Errorf("failed to toggle the active switch: %w", err)
		}
		timer := time.NewTimer(t.timings.Activate)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		return outActivated, nil
	}
}

func summariseExecutions(ctx context.Context, page browser.Page) (string, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return "", err
	}
	return SummariseExecutions(html)
}

// SummariseExecutions lists up to MaxExecutionRows rows of the executions
// table found in html.
func SummariseExecutions(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse executions markup: %w", err)
	}
	rows := doc.Find("tbody tr")
	total := rows.Length()
	if total == 0 {
		return noExecutions, nil
	}

	shown := min(total, MaxExecutionRows)
	items := make([]string, 0, shown)
	rows.Slice(0, shown).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th").Map(func(_ int, cell *goquery.Selection) string {
			return strings.TrimSpace(cell.Text())
		})
		text := strings.Join(cells, " ")
		if len(cells) == 0 {
			text = row.Text()
		}
		items = append(items, strings.Join(strings.Fields(text), " "))
	})
	return fmt.Sprintf("Found %d executions. Top %d:\n- %s", total, shown, strings.Join(items, "\n- ")), nil
}

func firstErrorLine(ctx context.Context, page browser.Page) (string, error) {
	text, err := page.InnerText(ctx)
	if err != nil {
		return "", err
	}
	return artifact.ExtractErrorSignal(text), nil
}
