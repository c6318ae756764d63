package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// StepExecutor executes a single step's action or compensation against its
// remote participant, applying the step's timeout and retry policy.
//
// The executor tracks every call that reported success, keyed by
// (saga_id, step_name, kind), and returns the recorded output instead of
// re-issuing the call. Calls are otherwise treated as potentially
// non-idempotent; true idempotency remains the participant's responsibility.
type StepExecutor struct {
	participants *ParticipantRegistry
	logger       zerolog.Logger
	completed    *xsync.MapOf[string, json.RawMessage]
}

// NewStepExecutor creates an executor resolving services through the given
// registry.
func NewStepExecutor(participants *ParticipantRegistry, logger zerolog.Logger) *StepExecutor {
	return &StepExecutor{
		participants: participants,
		logger:       logger,
		completed:    xsync.NewMapOf[string, json.RawMessage](),
	}
}

// MarkCompleted seeds the completed-call tracker from persisted state so a
// resumed instance does not duplicate remote side effects.
func (e *StepExecutor) MarkCompleted(sagaID SagaID, step StepName, kind CallKind, output json.RawMessage) {
	e.completed.Store(callKey(sagaID, step, kind), output)
}

// Execute performs one action or compensation call for the given step.
//
// The call is retried up to step.RetryCount times with exponential backoff
// seeded by step.RetryDelay, each attempt bounded by step.Timeout. Actions
// whose retries are exhausted try the step's fallback, if any, exactly once.
// Compensations have no fallback; exhausting their retries surfaces a
// CompensationError, which is fatal to automated recovery.
func (e *StepExecutor) Execute(ctx context.Context, sagaID SagaID, correlationID string, step Step, kind CallKind, payload json.RawMessage) (json.RawMessage, error) {
	key := callKey(sagaID, step.Name, kind)
	if output, ok := e.completed.Load(key); ok {
		e.logger.Debug().
			Str("saga_id", sagaID.String()).
			Str("step", step.Name.String()).
			Str("kind", string(kind)).
			Msg("call already succeeded, skipping")
		return output, nil
	}

	operation := step.Action
	if kind == CallCompensation {
		if !step.Compensatable() {
			return nil, fmt.Errorf("step %q has no compensation", step.Name)
		}
		operation = step.Compensation
	}

	participant, err := e.participants.Resolve(step.Service)
	if err != nil {
		return nil, &StepExecutionError{Step: step.Name, Kind: kind, Err: err}
	}

	output, err := e.invokeWithRetry(ctx, participant, step, Call{
		SagaID:        sagaID,
		CorrelationID: correlationID,
		Step:          step.Name,
		Operation:     operation,
		Kind:          kind,
		Payload:       payload,
	})

	if err != nil && kind == CallAction && step.Fallback != "" {
		e.logger.Warn().
			Str("saga_id", sagaID.String()).
			Str("step", step.Name.String()).
			Err(err).
			Msg("action retries exhausted, attempting fallback")
		output, err = e.invokeOnce(ctx, participant, step, Call{
			SagaID:        sagaID,
			CorrelationID: correlationID,
			Step:          step.Name,
			Operation:     step.Fallback,
			Kind:          kind,
			Payload:       payload,
		})
	}

	if err != nil {
		if kind == CallCompensation {
			return nil, &CompensationError{Step: step.Name, Err: err}
		}
		return nil, &StepExecutionError{Step: step.Name, Kind: kind, Err: err}
	}

	e.completed.Store(key, output)
	return output, nil
}

// invokeWithRetry runs the call under the step's retry policy.
func (e *StepExecutor) invokeWithRetry(ctx context.Context, p Participant, step Step, call Call) (json.RawMessage, error) {
	var output json.RawMessage
	err := retry.Do(
		func() error {
			var attemptErr error
			output, attemptErr = e.invokeOnce(ctx, p, step, call)
			return attemptErr
		},
		retry.Attempts(1+step.RetryCount),
		retry.Delay(step.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn().
				Str("saga_id", call.SagaID.String()).
				Str("step", step.Name.String()).
				Str("kind", string(call.Kind)).
				Uint("attempt", n+1).
				Err(err).
				Msg("call failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// invokeOnce performs one attempt bounded by the step's timeout.
func (e *StepExecutor) invokeOnce(ctx context.Context, p Participant, step Step, call Call) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	output, err := p.Invoke(callCtx, call)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &StepTimeoutError{Step: step.Name, Kind: call.Kind, Timeout: step.Timeout}
		}
		return nil, err
	}
	return output, nil
}

func callKey(sagaID SagaID, step StepName, kind CallKind) string {
	return sagaID.String() + "/" + step.String() + "/" + string(kind)
}
