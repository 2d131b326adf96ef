package agentloop

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrCapabilityNameEmpty = errors.New("capability name is empty")
	ErrRegistrySealed      = errors.New("registry is sealed")
	ErrStepBudgetExhausted = errors.New("step budget exhausted")
	ErrModelUnavailable    = errors.New("model unavailable")
	ErrAgentBusy           = errors.New("agent is already executing")
	ErrNoSessionStore      = errors.New("no session store configured")
)

// FailureReason tags why an execution ended without a final answer.
type FailureReason string

const (
	ReasonStepBudgetExhausted FailureReason = "step_budget_exhausted"
	ReasonModelUnavailable    FailureReason = "model_unavailable"
	ReasonCancelled           FailureReason = "cancelled"
)

// Failure is returned by Execute when the loop terminates in the FAILED state.
type Failure struct {
	Reason     FailureReason
	Iterations int
	SessionID  string
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("agent failed (%s) after %d iterations: %v", f.Reason, f.Iterations, f.Err)
	}
	return fmt.Sprintf("agent failed (%s) after %d iterations", f.Reason, f.Iterations)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf returns the failure reason carried by err, or "" if err is not a Failure.
func ReasonOf(err error) FailureReason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
