package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentops/platform/pkg/logger"
	"github.com/agentops/platform/pkg/tracing"
)

const defaultName = "saga"

// Option configures a Transaction.
type Option func(*Transaction)

// WithName sets the saga name used in logs, metrics and the saga log.
func WithName(name string) Option {
	return func(t *Transaction) {
		if name != "" {
			t.name = name
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(t *Transaction) {
		if l != nil {
			t.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(t *Transaction) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithStore records the transaction's progress in s.
func WithStore(s Store) Option {
	return func(t *Transaction) {
		t.store = s
	}
}

// Transaction executes its steps in insertion order and compensates the
// executed ones in reverse order when a step fails. It is single-use.
type Transaction struct {
	id       string
	name     string
	steps    []Step
	log      *logger.Logger
	observer Observer
	store    Store

	mu         sync.Mutex
	status     Status
	states     map[string]StepState
	executed   []Step
	failedStep Step
	record     *Log
	persisted  bool
}

// NewTransaction builds a transaction over steps. An empty id gets a random one.
func NewTransaction(id string, steps []Step, opts ...Option) (*Transaction, error) {
	if id == "" {
		id = uuid.NewString()
	}

	states := make(map[string]StepState, len(steps))
	names := make([]string, 0, len(steps))
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w at position %d", ErrNilStep, i)
		}
		name := step.Name()
		if _, dup := states[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, name)
		}
		states[name] = StepIdle
		names = append(names, name)
	}

	t := &Transaction{
		id:       id,
		name:     defaultName,
		steps:    append([]Step(nil), steps...),
		log:      logger.Nop(),
		observer: NopObserver{},
		status:   StatusPending,
		states:   states,
	}
	for _, opt := range opts {
		opt(t)
	}

	now := time.Now()
	t.record = &Log{
		ID:        id,
		Name:      t.name,
		Status:    StatusPending,
		Steps:     names,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return t, nil
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExecutedSteps returns the names of the steps whose Execute succeeded, in execution order.
func (t *Transaction) ExecutedSteps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.executed))
	for _, s := range t.executed {
		names = append(names, s.Name())
	}
	return names
}

// FailedStep returns the name of the step whose Execute failed, or "".
func (t *Transaction) FailedStep() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failedStep == nil {
		return ""
	}
	return t.failedStep.Name()
}

// StepState returns the state of the named step; unknown names report idle.
func (t *Transaction) StepState(name string) StepState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[name]; ok {
		return st
	}
	return StepIdle
}

// Execute runs the saga. On success it returns the accumulated context. On
// failure it compensates and returns a *TransactionError.
//
// Steps and compensations run under a context that ignores cancellation of
// ctx: a cancelled transaction lets the running step finish, then
// compensates every executed step, including that one.
func (t *Transaction) Execute(ctx context.Context, initial Context) (Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTransactionReused, t.id, t.status)
	}
	t.status = StatusRunning
	t.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "saga."+t.name, trace.WithAttributes(
		attribute.String("saga.transaction_id", t.id),
		attribute.Int("saga.steps", len(t.steps)),
	))
	defer span.End()

	start := time.Now()
	log := t.log.WithContext(ctx).WithFields(map[string]interface{}{
		"saga":           t.name,
		"transaction_id": t.id,
	})

	sc := initial
	if sc == nil {
		sc = Context{}
	}

	stepCtx := context.WithoutCancel(ctx)
	t.persist(stepCtx, log, StatusRunning, nil)

	var cause error
	for _, step := range t.steps {
		if err := ctx.Err(); err != nil {
			cause = err
			break
		}

		result, err := t.executeStep(stepCtx, step, sc)
		if err != nil {
			t.mu.Lock()
			t.failedStep = step
			t.states[step.Name()] = StepFailed
			t.mu.Unlock()

			log.Warnf("saga step failed", map[string]interface{}{
				"step":  step.Name(),
				"error": err,
			})
			cause = err
			break
		}

		if overwritten := sc.Merge(result); len(overwritten) > 0 {
			log.Warnf("saga step overwrote context keys", map[string]interface{}{
				"step": step.Name(),
				"keys": overwritten,
			})
		}

		t.mu.Lock()
		t.executed = append(t.executed, step)
		t.states[step.Name()] = StepExecuted
		t.record.Executed = append(t.record.Executed, StepRecord{
			Name:   step.Name(),
			State:  StepExecuted,
			Output: result,
			At:     time.Now(),
		})
		t.mu.Unlock()
		t.persist(stepCtx, log, StatusRunning, nil)
	}
	if cause == nil {
		cause = ctx.Err()
	}

	if cause == nil {
		t.finish(stepCtx, log, StatusCompleted, nil, start)
		log.Debug("saga completed")
		return sc, nil
	}

	t.mu.Lock()
	t.status = StatusCompensating
	failedName := ""
	if t.failedStep != nil {
		failedName = t.failedStep.Name()
	}
	t.record.FailedStep = failedName
	t.record.Error = cause.Error()
	t.mu.Unlock()
	t.persist(stepCtx, log, StatusCompensating, nil)

	compErrs := t.compensate(stepCtx, sc, log)
	if t.failedStep != nil && errors.Is(cause, ErrPartialWrite) {
		// The failed step's own cleanup ran before any compensation.
		compErrs = append([]*StepError{NewStepError(failedName, OpCompensate, cause)}, compErrs...)
		t.mu.Lock()
		t.states[failedName] = StepCompensationFailed
		t.mu.Unlock()
	}

	txErr := &TransactionError{
		TransactionID:      t.id,
		FailedStep:         failedName,
		Cause:              cause,
		Compensated:        len(compErrs) == 0,
		CompensationErrors: compErrs,
	}
	tracing.SetError(ctx, txErr)

	if txErr.Compensated {
		t.finish(stepCtx, log, StatusCompensated, nil, start)
		log.Infof("saga rolled back", map[string]interface{}{
			"failed_step": failedName,
			"error":       cause,
		})
	} else {
		t.finish(stepCtx, log, StatusFailed, compErrs, start)
		log.Errorf("saga compensation incomplete, manual remediation required", map[string]interface{}{
			"failed_step":          failedName,
			"error":                cause,
			"failed_compensations": txErr.FailedCompensations(),
		})
	}
	return nil, txErr
}

func (t *Transaction) executeStep(ctx context.Context, step Step, sc Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "saga.step.execute", trace.WithAttributes(
		attribute.String("saga.step", step.Name()),
	))
	defer span.End()

	start := time.Now()
	result, err := step.Execute(ctx, sc)
	t.observer.StepFinished(t.name, step.Name(), OpExecute, time.Since(start), err)
	if err != nil {
		stepErr := asStepError(step.Name(), OpExecute, err)
		tracing.SetError(ctx, stepErr)
		return nil, stepErr
	}
	return result, nil
}

// compensate undoes executed steps in reverse order. It keeps going after a
// failed compensation and returns every failure.
func (t *Transaction) compensate(ctx context.Context, sc Context, log *logger.Logger) []*StepError {
	t.mu.Lock()
	executed := append([]Step(nil), t.executed...)
	t.mu.Unlock()

	var errs []*StepError
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]

		spanCtx, span := tracing.StartSpan(ctx, "saga.step.compensate", trace.WithAttributes(
			attribute.String("saga.step", step.Name()),
		))
		start := time.Now()
		err := step.Compensate(spanCtx, sc)
		t.observer.StepFinished(t.name, step.Name(), OpCompensate, time.Since(start), err)

		state := StepCompensated
		if err != nil {
			stepErr := asStepError(step.Name(), OpCompensate, err)
			tracing.SetError(spanCtx, stepErr)
			errs = append(errs, stepErr)
			state = StepCompensationFailed
			log.Errorf("saga compensation failed", map[string]interface{}{
				"step":  step.Name(),
				"error": err,
			})
		}
		span.End()

		t.mu.Lock()
		t.states[step.Name()] = state
		for j := range t.record.Executed {
			if t.record.Executed[j].Name == step.Name() {
				t.record.Executed[j].State = state
				t.record.Executed[j].At = time.Now()
			}
		}
		t.mu.Unlock()
		t.persist(ctx, log, StatusCompensating, nil)
	}
	return errs
}

func (t *Transaction) finish(ctx context.Context, log *logger.Logger, status Status, compErrs []*StepError, start time.Time) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	t.persist(ctx, log, status, compErrs)
	t.observer.TransactionFinished(t.name, status, time.Since(start))
}

// persist writes the saga log. Store failures never change the saga outcome.
func (t *Transaction) persist(ctx context.Context, log *logger.Logger, status Status, compErrs []*StepError) {
	if t.store == nil {
		return
	}

	t.mu.Lock()
	t.record.Status = status
	t.record.UpdatedAt = time.Now()
	for _, ce := range compErrs {
		t.record.CompensationErrors = append(t.record.CompensationErrors, ce.Error())
	}
	snapshot := t.record.clone()
	first := !t.persisted
	t.mu.Unlock()

	var err error
	op := "update"
	if first {
		op = "save"
		if err = t.store.Save(ctx, snapshot); err == nil {
			t.mu.Lock()
			t.persisted = true
			t.mu.Unlock()
		}
	} else {
		err = t.store.Update(ctx, snapshot)
	}
	if err != nil {
		t.observer.StoreFailed(op, err)
		log.Warnf("saga log write failed", map[string]interface{}{
			"op":     op,
			"status": string(status),
			"error":  err,
		})
	}
}
