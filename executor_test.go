package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingParticipant records how often each operation was invoked and fails
// operations on demand.
type countingParticipant struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingParticipant() *countingParticipant {
	return &countingParticipant{
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (p *countingParticipant) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls[call.Operation]++
	err := p.fail[call.Operation]
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"op":%q}`, call.Operation)), nil
}

func (p *countingParticipant) count(operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[operation]
}

func newTestExecutor(t *testing.T, p Participant) *StepExecutor {
	t.Helper()
	participants := NewParticipantRegistry()
	require.NoError(t, participants.Register("svc", p))
	return NewStepExecutor(participants, zerolog.Nop())
}

func TestExecutorSuccess(t *testing.T) {
	p := newCountingParticipant()
	executor := newTestExecutor(t, p)

	step := NewStep("charge", "svc", "charge").WithRetry(3, time.Millisecond)
	out, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"charge"}`, string(out))
	assert.Equal(t, 1, p.count("charge"))
}

func TestExecutorRetryExhaustionTriggersFallback(t *testing.T) {
	p := newCountingParticipant()
	p.fail["charge"] = errors.New("gateway down")
	executor := newTestExecutor(t, p)

	// retry_count=2 means up to 3 action attempts, then the fallback once.
	step := NewStep("charge", "svc", "charge").
		WithRetry(2, time.Millisecond).
		WithFallback("charge_backup")

	out, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"charge_backup"}`, string(out))
	assert.Equal(t, 3, p.count("charge"))
	assert.Equal(t, 1, p.count("charge_backup"))
}

func TestExecutorFallbackFailureSurfacesExecutionError(t *testing.T) {
	p := newCountingParticipant()
	p.fail["charge"] = errors.New("gateway down")
	p.fail["charge_backup"] = errors.New("backup down too")
	executor := newTestExecutor(t, p)

	step := NewStep("charge", "svc", "charge").
		WithRetry(1, time.Millisecond).
		WithFallback("charge_backup")

	_, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.Error(t, err)

	var execErr *StepExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StepName("charge"), execErr.Step)
	assert.Equal(t, 2, p.count("charge"))
	assert.Equal(t, 1, p.count("charge_backup"))
}

func TestExecutorCompensationHasNoFallback(t *testing.T) {
	p := newCountingParticipant()
	p.fail["refund"] = errors.New("refund rejected")
	executor := newTestExecutor(t, p)

	step := NewStep("charge", "svc", "charge").
		WithCompensation("refund").
		WithRetry(1, time.Millisecond).
		WithFallback("charge_backup")

	_, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallCompensation, nil)
	require.Error(t, err)

	var compErr *CompensationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, StepName("charge"), compErr.Step)
	assert.Equal(t, 2, p.count("refund"))
	// The fallback is for actions only.
	assert.Equal(t, 0, p.count("charge_backup"))
}

func TestExecutorRejectsCompensationOnPivotStep(t *testing.T) {
	p := newCountingParticipant()
	executor := newTestExecutor(t, p)

	step := NewStep("notify", "svc", "notify")
	_, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallCompensation, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compensation")
}

func TestExecutorTimeout(t *testing.T) {
	slow := ParticipantFunc(func(ctx context.Context, call Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	executor := newTestExecutor(t, slow)

	step := NewStep("charge", "svc", "charge").
		WithTimeout(5 * time.Millisecond).
		WithRetry(1, time.Millisecond)

	_, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.Error(t, err)

	var timeoutErr *StepTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, StepName("charge"), timeoutErr.Step)
}

func TestExecutorNeverReissuesCompletedCall(t *testing.T) {
	p := newCountingParticipant()
	executor := newTestExecutor(t, p)
	sagaID := NewSagaID()

	step := NewStep("charge", "svc", "charge")
	out1, err := executor.Execute(context.Background(), sagaID, "corr", step, CallAction, nil)
	require.NoError(t, err)

	out2, err := executor.Execute(context.Background(), sagaID, "corr", step, CallAction, nil)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Equal(t, 1, p.count("charge"))

	// A different saga instance still invokes the participant.
	_, err = executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.count("charge"))
}

func TestExecutorMarkCompletedSeedsTracker(t *testing.T) {
	p := newCountingParticipant()
	executor := newTestExecutor(t, p)
	sagaID := NewSagaID()

	recorded := json.RawMessage(`{"order_id":"o-1"}`)
	executor.MarkCompleted(sagaID, "create_order", CallAction, recorded)

	step := NewStep("create_order", "svc", "create_order")
	out, err := executor.Execute(context.Background(), sagaID, "corr", step, CallAction, nil)
	require.NoError(t, err)
	assert.Equal(t, recorded, out)
	assert.Equal(t, 0, p.count("create_order"))
}

func TestExecutorUnknownService(t *testing.T) {
	executor := NewStepExecutor(NewParticipantRegistry(), zerolog.Nop())

	step := NewStep("charge", "ghost-svc", "charge")
	_, err := executor.Execute(context.Background(), NewSagaID(), "corr", step, CallAction, nil)
	require.ErrorIs(t, err, ErrUnknownParticipant)
}
