// Package saga runs an ordered list of steps against heterogeneous stores as
// one all-or-nothing operation: forward execution, and on the first failure
// compensation of every executed step in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a Transaction.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// StepState is the per-transaction state of one step.
type StepState string

const (
	StepIdle               StepState = "idle"
	StepExecuted           StepState = "executed"
	StepFailed             StepState = "failed"
	StepCompensated        StepState = "compensated"
	StepCompensationFailed StepState = "compensation_failed"
)

// Op names the half of a step that ran.
type Op string

const (
	OpExecute    Op = "execute"
	OpCompensate Op = "compensate"
)

// Step is a saga unit of work against one store with a compensating action.
//
// Execute reads what it needs from sc and returns the fields it contributes.
// Compensate undoes Execute using the step's own execution record; the
// transaction calls it at most once and only after Execute succeeded.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc Context) (Result, error)
	Compensate(ctx context.Context, sc Context) error
}

// Result is the partial output of one step.
type Result map[string]any

// Context is the accumulator shared by every step of one transaction.
type Context map[string]any

// Merge copies r into c and returns the keys that already existed.
func (c Context) Merge(r Result) []string {
	var overwritten []string
	for k, v := range r {
		if _, ok := c[k]; ok {
			overwritten = append(overwritten, k)
		}
		c[k] = v
	}
	return overwritten
}

// Clone returns a shallow copy of c.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

var (
	ErrMissingKey = errors.New("saga context key missing")
	ErrKeyType    = errors.New("saga context key has unexpected type")
)

// Lookup returns the value stored under key as T.
func Lookup[T any](sc Context, key string) (T, error) {
	var zero T
	v, ok := sc[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrKeyType, key, v, zero)
	}
	return typed, nil
}

// Observer receives engine events, typically to feed metrics.
type Observer interface {
	StepFinished(saga, step string, op Op, d time.Duration, err error)
	TransactionFinished(saga string, status Status, d time.Duration)
	StoreFailed(op string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StepFinished(string, string, Op, time.Duration, error) {}
func (NopObserver) TransactionFinished(string, Status, time.Duration)     {}
func (NopObserver) StoreFailed(string, error)                             {}
