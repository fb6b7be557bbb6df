// Package saga implements the Executor: the sequential forward/compensate
// engine that drives a registered Definition's steps against the State
// Store, the Resource Lock Manager, and the Idempotency Manager.
//
// Grounded on the teacher pack's saga.Orchestrator (forward/compensate
// steps, status machine, compensation-in-reverse), generalized with
// idempotency, persistent per-step checkpointing, resource locking, and an
// authoritative/derived step distinction the teacher's Optional flag didn't
// carry.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	saerr "github.com/randalmurphal/recordsaga/pkg/errors"
	"github.com/randalmurphal/recordsaga/pkg/idempotency"
	"github.com/randalmurphal/recordsaga/pkg/lock"
	"github.com/randalmurphal/recordsaga/pkg/observability"
	"github.com/randalmurphal/recordsaga/pkg/registry"
	"github.com/randalmurphal/recordsaga/pkg/store"

	"log/slog"
)

// Bag is the saga's mutable working context: the accumulated output of
// every step so far, serialized into the State Store between steps so a
// crash can resume from the last persisted value.
type Bag map[string]any

// Clone returns a shallow copy of the bag, sufficient since step outputs
// are expected to be JSON-marshalable values, not shared mutable objects.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// resourceKeysContextField is the Context key the Executor stamps with the
// saga's held resource keys, for the Recovery Coordinator's benefit.
const resourceKeysContextField = "__resource_keys"

// publicOutput strips Executor-internal bookkeeping fields before a bag is
// handed to a caller as a Result's Output.
func publicOutput(b Bag) Bag {
	out := b.Clone()
	delete(out, resourceKeysContextField)
	return out
}

// Criticality distinguishes steps whose failure must trigger compensation
// from steps whose failure is merely reported.
type Criticality string

const (
	// Authoritative steps mutate the system of record; their failure
	// triggers compensation of every previously-completed step.
	Authoritative Criticality = "authoritative"

	// Derived steps produce best-effort side effects (indexing,
	// notification); their failure is recorded in the result envelope but
	// never triggers compensation.
	Derived Criticality = "derived"
)

// StepFunc executes one step's forward or compensating action.
type StepFunc func(ctx context.Context, bag Bag) (Bag, error)

// Step defines a single step in a saga.
type Step struct {
	// Name identifies this step within its Definition.
	Name string

	// Forward executes the step's effect. Must be idempotent: the Executor
	// may invoke it more than once for the same step attempt under
	// at-least-once execution.
	Forward StepFunc

	// Compensate undoes Forward's effect. Receives the bag as it stood
	// after Forward succeeded. Nil means this step has nothing to undo.
	Compensate func(ctx context.Context, bag Bag) error

	// Timeout bounds a single attempt. Zero means use the Definition's
	// default, then the Executor's configured default.
	Timeout time.Duration

	// Criticality determines compensation behavior on failure.
	Criticality Criticality

	// RetryPolicy configures step-attempt retries. Zero value means
	// errors.DefaultRetry.
	RetryPolicy saerr.RetryConfig
}

// Definition defines a complete saga workflow: its ordered steps and the
// resource keys it must lock before executing them.
type Definition struct {
	// Name identifies this saga type.
	Name string

	// Version is incremented whenever a saga's step sequence changes in a
	// way that would break in-flight resumption under the old definition.
	Version int

	// Steps execute in order, forward; compensation runs in exact reverse.
	Steps []Step

	// Resources returns the resource keys this saga instance must hold
	// locks on for its entire lifetime, computed from the initial input bag
	// (e.g. the record ID being mutated).
	Resources func(input Bag) []string

	// Timeout is the default per-step timeout when a Step doesn't set one.
	Timeout time.Duration

	// LockTTL overrides the Executor's configured default lock TTL.
	LockTTL time.Duration
}

// NameVersion is the Saga Registry's composite key.
type NameVersion struct {
	Name    string
	Version int
}

// Validate checks the saga definition for errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q: must have at least one step", d.Name)
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga %q: step %d: name is required", d.Name, i)
		}
		if step.Forward == nil {
			return fmt.Errorf("saga %q: step %d (%s): forward handler is required", d.Name, i, step.Name)
		}
		if step.Criticality == "" {
			return fmt.Errorf("saga %q: step %d (%s): criticality is required", d.Name, i, step.Name)
		}
	}
	return nil
}

// Registry is the Saga Registry, keyed by (name, version) per the external
// interface contract.
type Registry = registry.Registry[NameVersion, *Definition]

// NewRegistry creates an empty Saga Registry.
func NewRegistry() *Registry {
	return registry.New[NameVersion, *Definition]()
}

// Result is the Executor's result envelope for a terminal saga.
type Result struct {
	SagaID          string
	SagaName        string
	Status          store.Status
	Output          Bag
	Compensated     bool
	DerivedFailures []string
}

// Options configures the Executor.
type Options struct {
	DefaultStepTimeout time.Duration
	DefaultLockTTL     time.Duration
	Logger             *slog.Logger
	Metrics            observability.MetricsRecorder
}

// Executor drives saga execution against a State Store, Lock Manager, and
// Idempotency Manager.
type Executor struct {
	registry    *Registry
	store       store.Store
	locks       *lock.Manager
	idempotency *idempotency.Manager
	opts        Options
}

// NewExecutor creates an Executor. reg, s are required; locks and idm are
// constructed over s if nil.
func NewExecutor(reg *Registry, s store.Store, locks *lock.Manager, idm *idempotency.Manager, opts Options) *Executor {
	if locks == nil {
		locks = lock.NewManager(s)
	}
	if idm == nil {
		idm = idempotency.NewManager(s)
	}
	if opts.DefaultStepTimeout == 0 {
		opts.DefaultStepTimeout = 30 * time.Second
	}
	if opts.DefaultLockTTL == 0 {
		opts.DefaultLockTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	return &Executor{registry: reg, store: s, locks: locks, idempotency: idm, opts: opts}
}

// Execute starts (or short-circuits) a saga run for the given definition.
// idempotencyKeyHash should already be hashed via idempotency.HashKey; pass
// "" to skip idempotency tracking entirely (e.g. for operator-triggered
// maintenance sagas).
func (e *Executor) Execute(ctx context.Context, name string, version int, idempotencyKeyHash string, input Bag) (*Result, error) {
	def, ok := e.registry.Get(NameVersion{Name: name, Version: version})
	if !ok {
		return nil, fmt.Errorf("saga: %q version %d not registered", name, version)
	}

	sagaID := fmt.Sprintf("saga-%s", uuid.New().String())

	if idempotencyKeyHash != "" {
		outcome, inProgress, err := e.idempotency.Begin(ctx, idempotencyKeyHash, sagaID)
		if err != nil {
			return nil, err
		}
		if inProgress {
			return nil, saerr.ErrInProgress
		}
		if outcome != nil {
			return &Result{SagaID: outcome.SagaID, SagaName: name, Status: outcome.Status, Output: outcome.Payload}, nil
		}
	}

	inst := &store.Instance{
		ID:             sagaID,
		SagaName:       name,
		SagaVersion:    version,
		Status:         store.StatusPending,
		IdempotencyKey: idempotencyKeyHash,
		Context:        input,
		Steps:          make([]store.StepResult, len(def.Steps)),
		CreatedAt:      time.Now().UTC(),
		StartedAt:      time.Now().UTC(),
	}
	for i, step := range def.Steps {
		inst.Steps[i] = store.StepResult{StepName: step.Name, Status: store.StatusPending}
	}
	if err := e.store.CreateSaga(ctx, inst); err != nil {
		return nil, err
	}

	return e.run(ctx, def, sagaID)
}

// Resume re-enters a persisted saga at its CurrentStep. Used after a crash,
// or by the Executor's own callers who want to continue a saga that
// returned ErrLocked/ErrUnavailable transiently.
func (e *Executor) Resume(ctx context.Context, sagaID string) (*Result, error) {
	inst, err := e.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, ok := e.registry.Get(NameVersion{Name: inst.SagaName, Version: inst.SagaVersion})
	if !ok {
		return nil, fmt.Errorf("saga: %q version %d not registered", inst.SagaName, inst.SagaVersion)
	}
	if inst.Status.Terminal() {
		return e.resultFromInstance(inst), nil
	}
	return e.run(ctx, def, sagaID)
}

func (e *Executor) resultFromInstance(inst *store.Instance) *Result {
	var derived []string
	for _, s := range inst.Steps {
		if s.Status == store.StatusFailed && s.Error != "" {
			derived = append(derived, s.StepName+": "+s.Error)
		}
	}
	return &Result{
		SagaID:          inst.ID,
		SagaName:        inst.SagaName,
		Status:          inst.Status,
		Output:          publicOutput(Bag(inst.Context)),
		Compensated:     inst.Status == store.StatusCompensated,
		DerivedFailures: derived,
	}
}

// run drives the saga's step loop from its currently-persisted position.
func (e *Executor) run(ctx context.Context, def *Definition, sagaID string) (*Result, error) {
	inst, err := e.store.LoadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	owner := sagaID
	lockTTL := def.LockTTL
	if lockTTL == 0 {
		lockTTL = e.opts.DefaultLockTTL
	}

	var leases *lock.LeaseSet
	if inst.Status == store.StatusPending {
		resourceKeys := def.Resources(Bag(inst.Context))
		acquired, err := e.locks.Acquire(ctx, resourceKeys, owner, lockTTL)
		if err != nil {
			return nil, err
		}
		leases = acquired

		inst, err = e.store.UpdateSaga(ctx, sagaID, inst.Version, func(i *store.Instance) error {
			i.Status = store.StatusExecuting
			if i.Context == nil {
				i.Context = map[string]any{}
			}
			// Bookkeeping for the Recovery Coordinator: a stuck saga found
			// by the sweep has no other way to learn which locks it holds.
			i.Context[resourceKeysContextField] = acquired.ResourceKeys()
			return nil
		})
		if err != nil {
			_ = acquired.Release(ctx)
			return nil, err
		}
	} else {
		// Resuming: re-derive the lease set so compensation/finalization can
		// still release it. Locks survive a crash in the Store; we simply
		// re-acquire (reentrant for the same owner) rather than assuming
		// they're still held by this process.
		resourceKeys := def.Resources(Bag(inst.Context))
		acquired, err := e.locks.Acquire(ctx, resourceKeys, owner, lockTTL)
		if err != nil {
			return nil, err
		}
		leases = acquired
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	// stepsCtx is cancelled when a lease renewal fails, so the running step
	// and the next between-step check see the loss and the saga compensates.
	stepsCtx, abortSteps := context.WithCancel(ctx)
	defer abortSteps()
	go leases.RunRenewal(renewCtx, func(err error) {
		e.opts.Logger.Warn("lock lease lost during saga execution", "saga_id", sagaID, "error", err)
		abortSteps()
	})

	logger := observability.EnrichLogger(e.opts.Logger, sagaID, "", 0)
	observability.LogSagaStart(logger, sagaID, def.Name)
	sagaTimer := observability.TimedOperation()

	var derivedFailures []string
	bag := Bag(inst.Context)

	for i := inst.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if step.Timeout == 0 {
			step.Timeout = def.Timeout
		}

		if err := stepsCtx.Err(); err != nil {
			return e.finalizeFailed(ctx, sagaID, inst.Version, saerr.Cancelled(err, "context cancelled"), i-1, def, owner, leases.ResourceKeys())
		}

		output, stepErr := e.executeStep(stepsCtx, sagaID, step, bag)

		stepStatus := store.StatusCompleted
		stepErrStr := ""
		if stepErr != nil {
			stepErrStr = stepErr.Error()
			if step.Criticality == Derived {
				stepStatus = store.StatusFailed
				derivedFailures = append(derivedFailures, step.Name+": "+stepErrStr)
				observability.LogStepError(logger, step.Name, stepErr)
			} else {
				observability.LogStepError(logger, step.Name, stepErr)

				var updErr error
				inst, updErr = e.store.UpdateSaga(ctx, sagaID, inst.Version, func(in *store.Instance) error {
					in.Steps[i] = store.StepResult{StepName: step.Name, Status: store.StatusFailed, Error: stepErrStr, FinishedAt: time.Now().UTC()}
					in.CurrentStep = i
					in.Error = stepErrStr
					return nil
				})
				if updErr != nil {
					_ = leases.Release(ctx)
					return nil, updErr
				}

				return e.finalizeFailed(ctx, sagaID, inst.Version, stepErr, i-1, def, owner, leases.ResourceKeys())
			}
		} else {
			bag = output
			observability.LogStepComplete(logger, step.Name, 0)
		}

		var updErr error
		inst, updErr = e.store.UpdateSaga(ctx, sagaID, inst.Version, func(in *store.Instance) error {
			in.Steps[i] = store.StepResult{StepName: step.Name, Status: stepStatus, Output: map[string]any(output), Error: stepErrStr, FinishedAt: time.Now().UTC()}
			in.CurrentStep = i + 1
			in.Context = map[string]any(bag)
			return nil
		})
		if updErr != nil {
			_ = leases.Release(ctx)
			return nil, updErr
		}
	}

	final, err := e.store.FinalizeSaga(ctx, sagaID, inst.Version, func(in *store.Instance) error {
		in.Status = store.StatusCompleted
		in.FinishedAt = time.Now().UTC()
		return nil
	}, owner, leases.ResourceKeys())
	if err != nil {
		return nil, err
	}

	observability.LogSagaComplete(logger, sagaID, sagaTimer(), len(def.Steps))
	e.opts.Metrics.RecordSagaRun(ctx, def.Name, string(store.StatusCompleted), time.Since(inst.StartedAt))

	if final.IdempotencyKey != "" {
		_ = e.idempotency.Finalize(ctx, final.IdempotencyKey, true, map[string]any(publicOutput(bag)))
	}

	return &Result{SagaID: sagaID, SagaName: def.Name, Status: store.StatusCompleted, Output: publicOutput(bag), DerivedFailures: derivedFailures}, nil
}

// executeStep runs a single step's forward handler with its retry policy
// and timeout.
func (e *Executor) executeStep(ctx context.Context, sagaID string, step Step, bag Bag) (Bag, error) {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.opts.DefaultStepTimeout
	}

	retryCfg := step.RetryPolicy
	if retryCfg.MaxAttempts == 0 {
		retryCfg = saerr.DefaultRetry
	}

	timer := observability.TimedOperation()
	result := saerr.WithRetryContext(ctx, retryCfg, func(attemptCtx context.Context) (Bag, error) {
		stepCtx, cancel := context.WithTimeout(attemptCtx, timeout)
		defer cancel()
		out, err := step.Forward(stepCtx, bag)
		if err != nil {
			if stepCtx.Err() != nil {
				return nil, saerr.Timeout(err, "step "+step.Name)
			}
			return nil, err
		}
		return out, nil
	})
	e.opts.Metrics.RecordStepExecution(ctx, step.Name, time.Duration(timer()*float64(time.Millisecond)), result.Err)
	return result.Value, result.Err
}

// finalizeFailed runs compensation from fromStep backward, then finalizes
// the saga as failed or compensated.
func (e *Executor) finalizeFailed(ctx context.Context, sagaID string, expectedVersion int64, cause error, fromStep int, def *Definition, owner string, resourceKeys []string) (*Result, error) {
	inst, err := e.store.UpdateSaga(ctx, sagaID, expectedVersion, func(in *store.Instance) error {
		in.Status = store.StatusCompensating
		in.Error = cause.Error()
		return nil
	})
	if err != nil {
		_ = e.locks.ReleaseKeys(ctx, resourceKeys, owner)
		return nil, err
	}

	logger := e.opts.Logger
	var compensationErrs []string

	for i := fromStep; i >= 0; i-- {
		step := def.Steps[i]
		result := inst.Steps[i]
		if result.Status != store.StatusCompleted || step.Compensate == nil {
			continue
		}

		observability.LogCompensation(logger, sagaID, step.Name)
		compErr := step.Compensate(ctx, Bag(result.Output))
		e.opts.Metrics.RecordCompensation(ctx, step.Name, compErr)
		if compErr != nil {
			observability.LogCompensationError(logger, sagaID, step.Name, compErr)
			compensationErrs = append(compensationErrs, step.Name+": "+compErr.Error())
			// A failed compensation is terminal: earlier steps are left
			// uncompensated for an operator to reconcile.
			break
		}
	}

	terminal := store.StatusCompensated
	if len(compensationErrs) > 0 {
		terminal = store.StatusFailed
	}

	final, err := e.store.FinalizeSaga(ctx, sagaID, inst.Version, func(in *store.Instance) error {
		in.Status = terminal
		now := time.Now().UTC()
		in.FinishedAt = now
		if terminal == store.StatusCompensated {
			in.CompensatedAt = &now
		}
		if len(compensationErrs) > 0 {
			in.Error = fmt.Sprintf("compensation failed: %v", compensationErrs)
		}
		return nil
	}, owner, resourceKeys)
	if err != nil {
		return nil, err
	}

	e.opts.Metrics.RecordSagaRun(ctx, def.Name, string(terminal), time.Since(final.StartedAt))

	if final.IdempotencyKey != "" {
		_ = e.idempotency.Finalize(ctx, final.IdempotencyKey, false, map[string]any{"error": final.Error})
	}

	if len(compensationErrs) > 0 {
		return &Result{SagaID: sagaID, SagaName: def.Name, Status: terminal, Compensated: false}, saerr.CompensationFailure(fmt.Errorf("%v", compensationErrs), "compensation")
	}
	return &Result{SagaID: sagaID, SagaName: def.Name, Status: terminal, Compensated: true}, nil
}
