// internal/sequence/errors.go
package sequence

import (
	"errors"
	"fmt"
)

var (
	// ErrStepTimeout marks a step that exceeded its own deadline.
	ErrStepTimeout = errors.New("step timed out")
	// ErrNotAuthenticated is returned when a run is attempted on a session
	// that has not been authenticated.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrSequencerSpent is returned by a second Run on the same sequencer.
	ErrSequencerSpent = errors.New("sequencer has already run")
)

// StepError carries the failure of a step whose policy aborted the run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
