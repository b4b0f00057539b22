package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransactionReused = errors.New("saga transaction already executed")
	ErrDuplicateStep     = errors.New("duplicate saga step name")
	ErrNilStep           = errors.New("nil saga step")

	// ErrPartialWrite marks a step failure that left writes behind the step
	// could not undo. The transaction reports it as a failed compensation of
	// that step.
	ErrPartialWrite = errors.New("saga step left partial writes")
)

// StepError is a failure of one step against its store.
type StepError struct {
	Step string
	Op   Op
	Err  error
}

// NewStepError wraps err as a failure of step during op.
func NewStepError(step string, op Op, err error) *StepError {
	return &StepError{Step: step, Op: op, Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga step %s %s: %v", e.Step, e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// asStepError keeps a StepError the step returned about itself. Any other
// error, including a StepError naming something else, is attributed to step.
func asStepError(step string, op Op, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) && se.Step == step && se.Op == op {
		return se
	}
	return NewStepError(step, op, err)
}

// TransactionError is returned once the compensation pass has finished.
//
// Cause is the failure that stopped forward execution; compensation errors
// are reported next to it, never in its place. FailedStep is empty when the
// transaction stopped because its context was cancelled.
type TransactionError struct {
	TransactionID      string
	FailedStep         string
	Cause              error
	Compensated        bool
	CompensationErrors []*StepError
}

func (e *TransactionError) Error() string {
	var b strings.Builder
	if e.FailedStep == "" {
		fmt.Fprintf(&b, "saga %s aborted: %v", e.TransactionID, e.Cause)
	} else {
		fmt.Fprintf(&b, "saga %s failed at step %s: %v", e.TransactionID, e.FailedStep, e.Cause)
	}
	if !e.Compensated {
		fmt.Fprintf(&b, "; compensation failed for %s", strings.Join(e.FailedCompensations(), ", "))
	}
	return b.String()
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// FailedCompensations lists the steps whose compensation errored, in the
// order compensation ran.
func (e *TransactionError) FailedCompensations() []string {
	names := make([]string, 0, len(e.CompensationErrors))
	for _, ce := range e.CompensationErrors {
		names = append(names, ce.Step)
	}
	return names
}

// Canceled reports whether the transaction stopped because of its context.
func (e *TransactionError) Canceled() bool {
	if e.FailedStep != "" {
		return false
	}
	return errors.Is(e.Cause, context.Canceled) || errors.Is(e.Cause, context.DeadlineExceeded)
}
