// internal/sequence/action.go
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/wfmedic/internal/artifact"
	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/locator"
)

// Policy decides what happens when a step fails.
type Policy int

const (
	// Continue records the failure and moves on. It is the zero value.
	Continue Policy = iota
	// Abort stops the run and surfaces the failure.
	Abort
	// Retry attempts the action once more, then applies the step's Fallback.
	Retry
)

func (p Policy) String() string {
	switch p {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ActionKind enumerates what a step does.
type ActionKind int

const (
	ActNavigate ActionKind = iota
	ActClick
	ActTypeAndSubmit
	ActWaitFor
	ActCapture
	ActKeys
	ActPause
	ActFunc
)

var actionNames = map[ActionKind]string{
	ActNavigate:      "navigate",
	ActClick:         "click",
	ActTypeAndSubmit: "type-and-submit",
	ActWaitFor:       "wait-for",
	ActCapture:       "capture",
	ActKeys:          "keys",
	ActPause:         "pause",
	ActFunc:          "func",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Condition is polled by wait-for steps.
type Condition interface {
	Met(ctx context.Context, page browser.Page) (bool, error)
	String() string
}

// FuncAction is task-specific logic run as a step. Its output lands in the
// step result.
type FuncAction func(ctx context.Context, page browser.Page) (string, error)

// Action is what a step performs. Build it with the constructors below.
type Action struct {
	Kind ActionKind

	URL  string
	Text string
	// Settle is waited out after a click or a Keys commit.
	Settle time.Duration

	Condition Condition
	Interval  time.Duration

	Duration time.Duration

	Label string
	Kinds []artifact.Kind
	// Required marks a capture whose write failure fails the run.
	Required bool

	Fn FuncAction
}

func (a Action) String() string {
	switch a.Kind {
	case ActNavigate:
		return "navigate " + a.URL
	case ActWaitFor:
		if a.Condition != nil {
			return "wait-for " + a.Condition.String()
		}
	case ActCapture:
		return "capture " + a.Label
	case ActPause:
		return "pause " + a.Duration.String()
	}
	return a.Kind.String()
}

// Navigate loads url.
func Navigate(url string) Action { return Action{Kind: ActNavigate, URL: url} }

// Click clicks the step's target.
func Click() Action { return Action{Kind: ActClick} }

// ClickAndWait clicks the step's target, then waits settle for the page to
// react.
func ClickAndWait(settle time.Duration) Action { return Action{Kind: ActClick, Settle: settle} }

// TypeAndSubmit fills the step's target with text and commits with Enter.
func TypeAndSubmit(text string) Action { return Action{Kind: ActTypeAndSubmit, Text: text} }

// WaitFor polls cond until it holds. With a nil cond the step waits for its
// target to resolve instead.
func WaitFor(cond Condition, interval time.Duration) Action {
	return Action{Kind: ActWaitFor, Condition: cond, Interval: interval}
}

// WaitForTarget waits until the step's target resolves.
func WaitForTarget() Action { return Action{Kind: ActWaitFor} }

// Capture writes the given artifact kinds under label.
func Capture(label string, kinds ...artifact.Kind) Action {
	return Action{Kind: ActCapture, Label: label, Kinds: kinds}
}

// RequiredCapture is Capture for a diagnostic the run cannot do without.
func RequiredCapture(label string, kinds ...artifact.Kind) Action {
	return Action{Kind: ActCapture, Label: label, Kinds: kinds, Required: true}
}

// Keys types text into whatever holds focus, presses Enter, then waits settle.
func Keys(text string, settle time.Duration) Action {
	return Action{Kind: ActKeys, Text: text, Settle: settle}
}

// Pause waits for d.
func Pause(d time.Duration) Action { return Action{Kind: ActPause, Duration: d} }

// Func runs fn.
func Func(fn FuncAction) Action { return Action{Kind: ActFunc, Fn: fn} }

// CaptureSpec requests an artifact snapshot after a step.
type CaptureSpec struct {
	Label string
	Kinds []artifact.Kind
	// Required marks a capture whose write failure fails the run.
	Required bool
	// OnSuccess skips the snapshot when the step failed.
	OnSuccess bool
}

// Step is one named unit of a sequence.
type Step struct {
	Name   string
	Action Action
	// Target is resolved through the locator chain for click, type-and-submit
	// and target waits.
	Target    locator.Spec
	Timeout   time.Duration
	OnFailure Policy
	// Fallback applies after a failed retry. Retry here means Continue.
	Fallback Policy
	Capture  *CaptureSpec
}

// Status is the outcome of a step.
type Status int

const (
	Succeeded Status = iota
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StepResult reports one executed step.
type StepResult struct {
	Name      string
	Action    string
	Status    Status
	Err       error
	Attempts  int
	Strategy  string
	Output    string
	Artifacts []artifact.Artifact
	// ArtifactErr is set when the snapshot could not be written.
	ArtifactErr error
	Started     time.Time
	Duration    time.Duration
}
