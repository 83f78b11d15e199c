// internal/sequence/sequencer_test.go
package sequence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/config"
	"github.com/xkilldash9x/wfmedic/internal/locator"
	"github.com/xkilldash9x/wfmedic/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	session   *mocks.FakeSession
	collector *artifact.Collector
	chain     *locator.Chain
	cfg       config.SequenceConfig
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := mocks.NewFakeSession("about:blank")
	s.MarkAuthenticated()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	return &fixture{
		session:   s,
		collector: artifact.NewCollector(dir, "workflow-wf-1", logger),
		chain:     locator.NewChain(config.LocatorConfig{StrategyTimeout: 50 * time.Millisecond, AwaitInterval: 5 * time.Millisecond}, logger),
		cfg:       config.SequenceConfig{StepTimeout: time.Second, RetryDelay: 10 * time.Millisecond},
		dir:       dir,
	}
}

func (f *fixture) sequencer(t *testing.T, opts ...Option) *Sequencer {
	return New(f.session, f.session, f.chain, f.collector, f.cfg, zaptest.NewLogger(t), opts...)
}

type condFunc struct {
	name string
	fn   func() bool
}

func (c condFunc) Met(context.Context, browser.Page) (bool, error) { return c.fn(), nil }
func (c condFunc) String() string                                  { return c.name }

func TestRunNavigateAndCapture(t *testing.T) {
	f := newFixture(t)

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "open", Action: Navigate("https://flows.example.test/workflow/wf-1")},
		{Name: "shot", Action: Capture("overview", artifact.Screenshot)},
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, Succeeded, report.Results[0].Status)
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, artifact.Screenshot, report.Artifacts[0].Kind)
	assert.Equal(t, "shot", report.Artifacts[0].Step)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, f.session.CallsOf("navigate"), 1)
}

func TestRunSerialisesActions(t *testing.T) {
	f := newFixture(t)
	f.session.ActionDelay = 5 * time.Millisecond
	f.session.Resolvable = func(mocks.Lookup) bool { return true }

	gate := NewGate()
	steps := func(prefix string) []Step {
		return []Step{
			{Name: prefix + "-nav", Action: Navigate("https://a.test")},
			{Name: prefix + "-click", Action: Click(), Target: locator.Target("button", "Go")},
			{Name: prefix + "-keys", Action: Keys("echo", 0)},
			{Name: prefix + "-cap", Action: Capture(prefix, artifact.Text)},
		}
	}

	// Two drivers sharing one page and one gate never overlap.
	var wg sync.WaitGroup
	for _, p := range []string{"a", "b"} {
		seq := f.sequencer(t, WithGate(gate))
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			_, err := seq.Run(context.Background(), steps(prefix))
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, f.session.MaxInFlight())
}

func TestRunStepOrder(t *testing.T) {
	f := newFixture(t)
	var order []string
	seq := f.sequencer(t, WithObserver(func(r StepResult) { order = append(order, r.Name) }))

	_, err := seq.Run(context.Background(), []Step{
		{Name: "one", Action: Pause(time.Millisecond)},
		{Name: "two", Action: Navigate("https://a.test")},
		{Name: "three", Action: Func(func(context.Context, browser.Page) (string, error) { return "done", nil })},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestAbortPolicy(t *testing.T) {
	f := newFixture(t)

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "cap", Action: Capture("before", artifact.Screenshot)},
		{Name: "click", Action: Click(), Target: locator.Spec{locator.CSS("#missing")}, OnFailure: Abort},
		{Name: "never", Action: Navigate("https://a.test")},
	})
	require.Error(t, err)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "click", se.Step)
	assert.ErrorIs(t, err, locator.ErrNotFound)

	assert.True(t, report.Aborted)
	require.Len(t, report.Results, 3)
	assert.Equal(t, Failed, report.Results[1].Status)
	assert.Equal(t, Skipped, report.Results[2].Status)
	assert.Len(t, report.Artifacts, 1, "artifacts captured before the abort are surfaced")
	assert.Empty(t, f.session.CallsOf("navigate"))
}

func TestContinuePolicySnapshotsFailedStep(t *testing.T) {
	f := newFixture(t)

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "click", Action: Click(), Target: locator.Spec{locator.CSS("#missing")}, OnFailure: Continue, Capture: &CaptureSpec{Label: "after-click"}},
		{Name: "nav", Action: Navigate("https://a.test")},
	})
	require.NoError(t, err)

	require.Len(t, report.Failed(), 1)
	assert.Equal(t, Succeeded, report.Results[1].Status)
	require.Len(t, report.Results[0].Artifacts, 1)
	assert.Contains(t, report.Results[0].Artifacts[0].Path, "workflow-wf-1-after-click.png")
}

func TestSnapshotOnSuccessSkipsFailedStep(t *testing.T) {
	f := newFixture(t)

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{
			Name:    "node",
			Action:  ClickAndWait(5 * time.Millisecond),
			Target:  locator.Spec{locator.CSS("#missing")},
			Capture: &CaptureSpec{Label: "node-panel", Kinds: []artifact.Kind{artifact.Text}, OnSuccess: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Failed, report.Results[0].Status)
	assert.Empty(t, report.Artifacts)
	assert.NoFileExists(t, f.collector.Path(artifact.Text, "node-panel"))
}

func TestRequiredCaptureWriteFailure(t *testing.T) {
	f := newFixture(t)
	blocked := filepath.Join(f.dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	f.collector = artifact.NewCollector(blocked, "workflow-wf-1", zaptest.NewLogger(t))

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "overview", Action: Capture("overview", artifact.Screenshot)},
		{Name: "debug", Action: RequiredCapture("debug", artifact.HTML, artifact.Screenshot)},
		{Name: "later", Action: Capture("later", artifact.Text)},
	})
	require.NoError(t, err, "write failures never abort the sequence itself")
	assert.Len(t, report.Failed(), 3)

	var werr *artifact.WriteError
	require.True(t, errors.As(report.DiagnosticErr, &werr))
	assert.Contains(t, werr.Path, "workflow-wf-1-debug.html")
}

func TestOptionalCaptureFailureLeavesNoDiagnosticError(t *testing.T) {
	f := newFixture(t)
	f.session.Errors = map[string]error{"screenshot": errors.New("target crashed")}

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "nav", Action: Navigate("https://a.test"), Capture: &CaptureSpec{Label: "after-nav"}},
	})
	require.NoError(t, err)
	require.Error(t, report.Results[0].ArtifactErr)
	assert.NoError(t, report.DiagnosticErr)
}

func TestRetryPolicy(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		f := newFixture(t)
		var lookups atomic.Int32
		f.session.Resolvable = func(mocks.Lookup) bool { return lookups.Add(1) > 1 }

		report, err := f.sequencer(t).Run(context.Background(), []Step{
			{Name: "click", Action: Click(), Target: locator.Spec{locator.CSS("#later")}, OnFailure: Retry, Fallback: Abort},
		})
		require.NoError(t, err)
		assert.Equal(t, Succeeded, report.Results[0].Status)
		assert.Equal(t, 2, report.Results[0].Attempts)
		assert.Equal(t, "css", report.Results[0].Strategy)
	})

	t.Run("fallback applies after the retry", func(t *testing.T) {
		f := newFixture(t)

		report, err := f.sequencer(t).Run(context.Background(), []Step{
			{Name: "click", Action: Click(), Target: locator.Spec{locator.CSS("#never")}, OnFailure: Retry, Fallback: Abort},
			{Name: "nav", Action: Navigate("https://a.test")},
		})
		require.Error(t, err)
		assert.Equal(t, 2, report.Results[0].Attempts)
		assert.Equal(t, Skipped, report.Results[1].Status)
	})

	t.Run("default fallback continues", func(t *testing.T) {
		f := newFixture(t)

		report, err := f.sequencer(t).Run(context.Background(), []Step{
			{Name: "click", Action: Click(), Target: locator.Spec{locator.CSS("#never")}, OnFailure: Retry},
			{Name: "nav", Action: Navigate("https://a.test")},
		})
		require.NoError(t, err)
		assert.Equal(t, Failed, report.Results[0].Status)
		assert.Equal(t, Succeeded, report.Results[1].Status)
	})
}

func TestStepTimeout(t *testing.T) {
	f := newFixture(t)

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "wait", Action: WaitFor(condFunc{"never", func() bool { return false }}, 5*time.Millisecond), Timeout: 40 * time.Millisecond},
	})
	require.NoError(t, err, "timeouts are soft under the default policy")
	assert.ErrorIs(t, report.Results[0].Err, ErrStepTimeout)

	f2 := newFixture(t)
	_, err = f2.sequencer(t).Run(context.Background(), []Step{
		{Name: "wait", Action: WaitFor(condFunc{"never", func() bool { return false }}, 5*time.Millisecond), Timeout: 40 * time.Millisecond, OnFailure: Abort},
	})
	assert.ErrorIs(t, err, ErrStepTimeout)
}

func TestWaitForConditionAndTarget(t *testing.T) {
	f := newFixture(t)
	var polls atomic.Int32
	f.session.Resolvable = func(l mocks.Lookup) bool { return l.Selector == ".ready" }

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "cond", Action: WaitFor(condFunc{"third poll", func() bool { return polls.Add(1) >= 3 }}, time.Millisecond)},
		{Name: "target", Action: WaitForTarget(), Target: locator.Spec{locator.CSS(".ready")}},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Failed())
	assert.Equal(t, int32(3), polls.Load())
}

func TestTypeAndSubmitAndFunc(t *testing.T) {
	f := newFixture(t)
	f.session.Resolvable = func(l mocks.Lookup) bool { return l.Kind == "css" }

	report, err := f.sequencer(t).Run(context.Background(), []Step{
		{Name: "email", Action: TypeAndSubmit("ops@example.test"), Target: locator.Spec{locator.CSS(`input[type="email"]`)}},
		{Name: "summary", Action: Func(func(ctx context.Context, p browser.Page) (string, error) { return "3 rows", nil })},
	})
	require.NoError(t, err)
	assert.Equal(t, "3 rows", report.Output("summary"))
	require.Len(t, f.session.CallsOf("fill"), 1)
	assert.Contains(t, f.session.CallsOf("fill")[0].Arg, "=ops@example.test")
	assert.Equal(t, "Enter", f.session.CallsOf("press")[0].Arg)
}

func TestRunGuards(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		f := newFixture(t)
		f.session = mocks.NewFakeSession("about:blank")

		_, err := f.sequencer(t).Run(context.Background(), []Step{{Name: "nav", Action: Navigate("https://a.test")}})
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		assert.Empty(t, f.session.CallsOf("navigate"))
	})

	t.Run("runs once", func(t *testing.T) {
		f := newFixture(t)
		seq := f.sequencer(t)
		_, err := seq.Run(context.Background(), nil)
		require.NoError(t, err)
		_, err = seq.Run(context.Background(), nil)
		assert.ErrorIs(t, err, ErrSequencerSpent)
	})

	t.Run("canceled context skips the rest", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report, err := f.sequencer(t).Run(ctx, []Step{{Name: "nav", Action: Navigate("https://a.test")}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Skipped, report.Results[0].Status)
	})
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "abort", Abort.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "type-and-submit", ActTypeAndSubmit.String())
}
