package saga

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOrderChoreography wires the order_processing flow as a causal event
// chain: order_created -> inventory_reserved -> payment_processed, with
// payment failure branching to inventory_released -> order_cancelled.
func newOrderChoreography(t *testing.T, bus *MemoryBus, failPayment bool) *ChoreographyEngine {
	t.Helper()
	engine := NewChoreographyEngine(bus, zerolog.Nop())

	require.NoError(t, engine.OnEvent("order_created",
		func(ctx context.Context, event Event) ([]Event, error) {
			return []Event{{Type: "inventory_reserved", Payload: event.Payload}}, nil
		}, Emits("inventory_reserved")))

	require.NoError(t, engine.OnEvent("inventory_reserved",
		func(ctx context.Context, event Event) ([]Event, error) {
			if failPayment {
				return []Event{{Type: "inventory_released"}}, nil
			}
			return []Event{{Type: "payment_processed"}}, nil
		}, Emits("payment_processed", "inventory_released")))

	require.NoError(t, engine.OnEvent("inventory_released",
		func(ctx context.Context, event Event) ([]Event, error) {
			return []Event{{Type: "order_cancelled"}}, nil
		}, Emits("order_cancelled")))

	bus.Attach(engine)
	return engine
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestChoreographyCausalChain(t *testing.T) {
	bus := NewMemoryBus()
	newOrderChoreography(t, bus, false)

	err := bus.Publish(context.Background(), Event{
		Type:          "order_created",
		SagaID:        "saga-1",
		CorrelationID: "corr-1",
		Payload:       json.RawMessage(`{"order_id":"o-1"}`),
	})
	require.NoError(t, err)

	history := bus.History()
	assert.Equal(t, []string{"order_created", "inventory_reserved", "payment_processed"}, eventTypes(history))

	// Every event in the chain carries the originating saga and correlation
	// ids, even though the handlers never set them.
	for _, event := range history {
		assert.Equal(t, "saga-1", event.SagaID, event.Type)
		assert.Equal(t, "corr-1", event.CorrelationID, event.Type)
	}
}

func TestChoreographyCompensationBranch(t *testing.T) {
	bus := NewMemoryBus()
	newOrderChoreography(t, bus, true)

	err := bus.Publish(context.Background(), Event{Type: "order_created", SagaID: "saga-2", CorrelationID: "corr-2"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"order_created",
		"inventory_reserved",
		"inventory_released",
		"order_cancelled",
	}, eventTypes(bus.History()))
}

func TestChoreographyDuplicateHandlerRejected(t *testing.T) {
	engine := NewChoreographyEngine(NewMemoryBus(), zerolog.Nop())
	noop := func(ctx context.Context, event Event) ([]Event, error) { return nil, nil }

	require.NoError(t, engine.OnEvent("order_created", noop))
	err := engine.OnEvent("order_created", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestChoreographyDispatchUnroutableEvent(t *testing.T) {
	engine := NewChoreographyEngine(NewMemoryBus(), zerolog.Nop())

	err := engine.Dispatch(context.Background(), Event{Type: "nobody_home"})
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestChoreographyHandlerErrorPropagates(t *testing.T) {
	engine := NewChoreographyEngine(NewMemoryBus(), zerolog.Nop())
	require.NoError(t, engine.OnEvent("order_created",
		func(ctx context.Context, event Event) ([]Event, error) {
			return nil, errors.New("inventory offline")
		}))

	err := engine.Dispatch(context.Background(), Event{Type: "order_created"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inventory offline")
}

func TestChoreographyValidateReportsTerminalEvents(t *testing.T) {
	bus := NewMemoryBus()
	engine := newOrderChoreography(t, bus, false)

	terminal, err := engine.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"order_cancelled", "payment_processed"}, terminal)
}

func TestChoreographyValidateRejectsSelfEmit(t *testing.T) {
	engine := NewChoreographyEngine(NewMemoryBus(), zerolog.Nop())
	require.NoError(t, engine.OnEvent("retry_me",
		func(ctx context.Context, event Event) ([]Event, error) { return nil, nil },
		Emits("retry_me")))

	_, err := engine.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "its own event")
}

func TestChoreographyValidateRejectsCycle(t *testing.T) {
	engine := NewChoreographyEngine(NewMemoryBus(), zerolog.Nop())
	noop := func(ctx context.Context, event Event) ([]Event, error) { return nil, nil }

	require.NoError(t, engine.OnEvent("a", noop, Emits("b")))
	require.NoError(t, engine.OnEvent("b", noop, Emits("c")))
	require.NoError(t, engine.OnEvent("c", noop, Emits("a")))

	_, err := engine.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event flow")
}

func TestChoreographyFlowGraphExport(t *testing.T) {
	bus := NewMemoryBus()
	engine := newOrderChoreography(t, bus, false)

	graph := engine.FlowGraph()
	order, err := graph.TopoSort()
	require.NoError(t, err)
	assert.Contains(t, order, "order_created")
	assert.Contains(t, order, "payment_processed")

	dot, err := graph.ExportToDot()
	require.NoError(t, err)
	assert.True(t, strings.Contains(dot, "order_created"))
	assert.True(t, strings.Contains(dot, "inventory_reserved"))
}
