package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

// State store writes are retried with backoff before a transition is
// considered committed. Version conflicts are never retried: they mean
// another writer owns the instance.
const (
	persistAttempts  = 5
	persistBaseDelay = 50 * time.Millisecond
)

// Coordinator drives saga instances end to end: sequential forward
// execution, failure detection, reverse-order compensation, state
// persistence, and resumption after a crash.
//
// Start and Resume are non-blocking: they return once the instance record is
// persisted and run the execution loop as a background task. Callers observe
// progress through Snapshot or block on Wait. There is no synchronous error
// return once an instance has begun running; terminal failure is
// communicated only through the instance state.
type Coordinator struct {
	registry *DefinitionRegistry
	store    StateStore
	executor *StepExecutor
	logger   zerolog.Logger

	// inflight enforces single-writer-per-instance within this process; the
	// store's version check covers writers in other processes.
	inflight *xsync.MapOf[string, chan struct{}]
	aborts   *xsync.MapOf[string, struct{}]
}

// NewCoordinator creates a coordinator. The registry is injected rather than
// taken from a global so multiple coordinators with independent catalogs can
// coexist in one process.
func NewCoordinator(registry *DefinitionRegistry, store StateStore, executor *StepExecutor, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		store:    store,
		executor: executor,
		logger:   logger,
		inflight: xsync.NewMapOf[string, chan struct{}](),
		aborts:   xsync.NewMapOf[string, struct{}](),
	}
}

// Start validates the definition, creates and persists a PENDING instance,
// and begins forward execution as a background task. Unknown definitions and
// the initial persistence failure are the only synchronous errors.
func (c *Coordinator) Start(ctx context.Context, definition SagaName, input json.RawMessage) (SagaID, error) {
	def, err := c.registry.Lookup(definition)
	if err != nil {
		return SagaID{}, err
	}

	inst := newInstance(def, input)
	if err := c.persist(ctx, inst); err != nil {
		return SagaID{}, err
	}

	done, err := c.acquire(inst.ID)
	if err != nil {
		return SagaID{}, err
	}

	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("definition", definition.String()).
		Msg("saga started")

	// The saga's lifetime is independent of the caller's request context;
	// recovery after interruption goes through Resume, not ctx.
	go c.drive(context.WithoutCancel(ctx), inst, def, NewJournal(inst.ID), done)

	return inst.ID, nil
}

// Resume loads persisted state and continues a non-terminal instance: a
// RUNNING instance continues forward execution from its current step without
// re-invoking completed actions, a COMPENSATING instance continues the
// reverse walk from where it stopped.
func (c *Coordinator) Resume(ctx context.Context, id SagaID) error {
	inst, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, inst.State)
	}

	def, err := c.registry.Lookup(inst.Definition)
	if err != nil {
		return err
	}

	journal, err := RecoverJournal(inst)
	if err != nil {
		return err
	}
	c.seedExecutor(inst)

	done, err := c.acquire(inst.ID)
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("saga_id", id.String()).
		Str("state", string(inst.State)).
		Int("current_step", inst.CurrentStep).
		Msg("saga resumed")

	go c.drive(context.WithoutCancel(ctx), inst, def, journal, done)
	return nil
}

// ResumeAll sweeps the store for interrupted instances and resumes each one.
// Used at process start for crash recovery.
func (c *Coordinator) ResumeAll(ctx context.Context) error {
	var result error
	for _, state := range []State{StatePending, StateRunning, StateCompensating} {
		instances, err := c.store.List(ctx, state)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, inst := range instances {
			if err := c.Resume(ctx, inst.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				result = multierror.Append(result, fmt.Errorf("resume %s: %w", inst.ID, err))
			}
		}
	}
	return result
}

// Abort requests rollback of a non-terminal instance, as if its current step
// had failed. An in-flight step call is allowed to complete or time out
// naturally; the execution loop picks the request up before dispatching the
// next step. For an instance with no active loop in this process the
// rollback starts immediately as a background task.
func (c *Coordinator) Abort(ctx context.Context, id SagaID) error {
	if _, active := c.inflight.Load(id.String()); active {
		c.aborts.Store(id.String(), struct{}{})
		return nil
	}

	inst, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, inst.State)
	}

	def, err := c.registry.Lookup(inst.Definition)
	if err != nil {
		return err
	}

	journal, err := RecoverJournal(inst)
	if err != nil {
		return err
	}
	c.seedExecutor(inst)

	done, err := c.acquire(inst.ID)
	if err != nil {
		return err
	}

	if inst.State != StateCompensating {
		inst.State = StateCompensating
		inst.LastError = ErrAborted.Error()
		if err := c.persist(ctx, inst); err != nil {
			c.release(inst.ID, done)
			return err
		}
	}

	c.logger.Info().Str("saga_id", id.String()).Msg("saga abort requested")

	go func() {
		defer c.release(inst.ID, done)
		c.compensate(context.WithoutCancel(ctx), inst, def, journal)
	}()
	return nil
}

// Snapshot returns a read-only copy of the instance's persisted state.
func (c *Coordinator) Snapshot(ctx context.Context, id SagaID) (*Instance, error) {
	return c.store.Load(ctx, id)
}

// Wait blocks until the instance's active execution loop finishes or ctx is
// done. It returns immediately when no loop is active in this process.
func (c *Coordinator) Wait(ctx context.Context, id SagaID) error {
	done, ok := c.inflight.Load(id.String())
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drive runs one instance's execution loop to rest: forward from the current
// step, or the reverse walk when the instance was already unwinding.
func (c *Coordinator) drive(ctx context.Context, inst *Instance, def *Definition, journal *Journal, done chan struct{}) {
	defer c.release(inst.ID, done)

	if inst.State == StateCompensating {
		c.compensate(ctx, inst, def, journal)
		return
	}
	c.forward(ctx, inst, def, journal)
}

// forward executes steps in definition order, persisting after every
// transition. On an unrecoverable step failure it persists the COMPENSATING
// transition before any compensation call is issued, so a crash between the
// two cannot lose the rollback.
func (c *Coordinator) forward(ctx context.Context, inst *Instance, def *Definition, journal *Journal) {
	if inst.State == StatePending {
		inst.State = StateRunning
		if err := c.persist(ctx, inst); err != nil {
			c.stall(inst, err)
			return
		}
	}

	outputs := btree.NewMap[StepName, json.RawMessage](10)
	for _, r := range inst.Results {
		outputs.Set(r.Step, r.Output)
	}

	for inst.CurrentStep < len(def.Steps) {
		if c.abortRequested(inst.ID) {
			c.beginCompensation(ctx, inst, def, journal, ErrAborted)
			return
		}

		step := def.Steps[inst.CurrentStep]
		payload, err := actionPayload(inst.Input, outputs)
		if err != nil {
			c.beginCompensation(ctx, inst, def, journal, err)
			return
		}

		c.record(journal, inst.ID, step.Name, EventStarted)
		output, err := c.executor.Execute(ctx, inst.ID, inst.CorrelationID, step, CallAction, payload)
		if err != nil {
			c.record(journal, inst.ID, step.Name, EventFailed)
			c.logger.Error().
				Str("saga_id", inst.ID.String()).
				Str("step", step.Name.String()).
				Err(err).
				Msg("step failed, compensating")
			c.beginCompensation(ctx, inst, def, journal, err)
			return
		}
		c.record(journal, inst.ID, step.Name, EventSucceeded)

		inst.Results = append(inst.Results, StepResult{Step: step.Name, Output: output})
		outputs.Set(step.Name, output)
		inst.CurrentStep++
		if err := c.persist(ctx, inst); err != nil {
			c.stall(inst, err)
			return
		}

		c.logger.Debug().
			Str("saga_id", inst.ID.String()).
			Str("step", step.Name.String()).
			Int("step_index", inst.CurrentStep-1).
			Msg("step completed")
	}

	inst.State = StateCompleted
	inst.CompletedAt = time.Now().UTC()
	if err := c.persist(ctx, inst); err != nil {
		c.stall(inst, err)
		return
	}
	c.logger.Info().Str("saga_id", inst.ID.String()).Msg("saga completed")
}

// beginCompensation persists the COMPENSATING transition (write-ahead) and
// runs the reverse walk.
func (c *Coordinator) beginCompensation(ctx context.Context, inst *Instance, def *Definition, journal *Journal, cause error) {
	inst.State = StateCompensating
	inst.LastError = cause.Error()
	if err := c.persist(ctx, inst); err != nil {
		c.stall(inst, err)
		return
	}
	c.compensate(ctx, inst, def, journal)
}

// compensate walks the completed results in strict reverse order, invoking
// each compensatable step's compensation. The walk stops at, and excludes,
// the first non-compensatable step: past that pivot the saga cannot be
// rolled back and the instance surfaces as FAILED. A compensation call that
// exhausts its retries is equally fatal.
func (c *Coordinator) compensate(ctx context.Context, inst *Instance, def *Definition, journal *Journal) {
	for inst.Compensated < len(inst.Results) {
		result := inst.Results[len(inst.Results)-1-inst.Compensated]
		step, ok := def.StepByName(result.Step)
		if !ok {
			c.finish(ctx, inst, StateFailed, fmt.Errorf("completed step %q missing from definition %q", result.Step, def.Name))
			return
		}

		if !step.Compensatable() {
			c.logger.Warn().
				Str("saga_id", inst.ID.String()).
				Str("step", step.Name.String()).
				Msg("reached pivot step, rollback cannot continue")
			c.finish(ctx, inst, StateFailed, fmt.Errorf("pivot step %q blocks rollback: %s", step.Name, inst.LastError))
			return
		}

		c.record(journal, inst.ID, step.Name, EventCompensateStarted)
		if _, err := c.executor.Execute(ctx, inst.ID, inst.CorrelationID, step, CallCompensation, result.Output); err != nil {
			c.record(journal, inst.ID, step.Name, EventCompensateFailed)
			c.logger.Error().
				Str("saga_id", inst.ID.String()).
				Str("step", step.Name.String()).
				Err(err).
				Msg("compensation failed permanently, operator intervention required")
			c.finish(ctx, inst, StateFailed, err)
			return
		}
		c.record(journal, inst.ID, step.Name, EventCompensated)

		inst.Compensated++
		if err := c.persist(ctx, inst); err != nil {
			c.stall(inst, err)
			return
		}

		c.logger.Debug().
			Str("saga_id", inst.ID.String()).
			Str("step", step.Name.String()).
			Msg("step compensated")
	}

	c.finish(ctx, inst, StateCompensated, nil)
}

// finish persists a terminal transition.
func (c *Coordinator) finish(ctx context.Context, inst *Instance, state State, cause error) {
	inst.State = state
	inst.CompletedAt = time.Now().UTC()
	if cause != nil {
		inst.LastError = cause.Error()
	}
	if err := c.persist(ctx, inst); err != nil {
		c.stall(inst, err)
		return
	}
	c.logger.Info().
		Str("saga_id", inst.ID.String()).
		Str("state", string(state)).
		Msg("saga finished")
}

// stall is the path of last resort: persistence kept failing after retries,
// so the loop stops with the store's record lagging in-memory progress. The
// instance stays recoverable through ResumeAll once the store is healthy;
// the completed-call tracker keeps the replayed steps from re-running.
func (c *Coordinator) stall(inst *Instance, err error) {
	c.logger.Error().
		Str("saga_id", inst.ID.String()).
		Err(err).
		Msg("persistence failed after retries, execution loop stopped")
}

// persist commits the instance record, retrying transient store failures
// with backoff. Version conflicts abort immediately.
func (c *Coordinator) persist(ctx context.Context, inst *Instance) error {
	err := retry.Do(
		func() error {
			return c.store.Save(ctx, inst)
		},
		retry.Attempts(persistAttempts),
		retry.Delay(persistBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrVersionConflict)
		}),
	)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// seedExecutor replays persisted completions into the executor's tracker so
// a resumed instance never re-issues a call that already reported success.
func (c *Coordinator) seedExecutor(inst *Instance) {
	for _, r := range inst.Results {
		c.executor.MarkCompleted(inst.ID, r.Step, CallAction, r.Output)
	}
	for n := 0; n < inst.Compensated; n++ {
		r := inst.Results[len(inst.Results)-1-n]
		c.executor.MarkCompleted(inst.ID, r.Step, CallCompensation, nil)
	}
}

func (c *Coordinator) record(journal *Journal, id SagaID, step StepName, event CallEventType) {
	if err := journal.Record(&CallEvent{SagaID: id, Step: step, Type: event}); err != nil {
		c.logger.Warn().
			Str("saga_id", id.String()).
			Str("step", step.String()).
			Err(err).
			Msg("journal rejected event")
	}
}

func (c *Coordinator) acquire(id SagaID) (chan struct{}, error) {
	done := make(chan struct{})
	if _, loaded := c.inflight.LoadOrStore(id.String(), done); loaded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	return done, nil
}

func (c *Coordinator) release(id SagaID, done chan struct{}) {
	c.inflight.Delete(id.String())
	c.aborts.Delete(id.String())
	close(done)
}

func (c *Coordinator) abortRequested(id SagaID) bool {
	_, ok := c.aborts.Load(id.String())
	return ok
}

// actionPayload builds the accumulated context delivered to a step's action:
// the original input plus the named outputs of every completed step.
func actionPayload(input json.RawMessage, outputs *btree.Map[StepName, json.RawMessage]) (json.RawMessage, error) {
	env := struct {
		Input json.RawMessage              `json:"input,omitempty"`
		Steps map[StepName]json.RawMessage `json:"steps,omitempty"`
	}{Input: input}

	if outputs.Len() > 0 {
		env.Steps = make(map[StepName]json.RawMessage, outputs.Len())
		outputs.Scan(func(step StepName, output json.RawMessage) bool {
			env.Steps[step] = output
			return true
		})
	}
	return json.Marshal(env)
}
