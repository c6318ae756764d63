package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/chainward/saga/dag"
	"github.com/chainward/saga/set"
)

// Event is the envelope delivered over the external pub/sub transport. Every
// event belonging to one saga carries the same saga and correlation ids;
// context is never ambient.
type Event struct {
	Type          string          `json:"event_type"`
	SagaID        string          `json:"saga_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// EventHandler reacts to one delivered event, performs its local action, and
// returns zero or more follow-up events. Handlers own their idempotency:
// recovery in the choreography model is event redelivery plus idempotent
// handlers, not central state.
type EventHandler func(ctx context.Context, event Event) ([]Event, error)

// EventBus publishes events to the external transport.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
}

// handlerEntry is one row of the dispatch table.
type handlerEntry struct {
	eventType string
	handler   EventHandler
	emits     []string
}

// HandlerOption configures a handler registration.
type HandlerOption func(*handlerEntry)

// Emits declares the event types the handler may publish. The declaration is
// metadata only, used for flow validation and tracing; it is not enforced at
// dispatch time.
func Emits(eventTypes ...string) HandlerOption {
	return func(e *handlerEntry) {
		e.emits = append(e.emits, eventTypes...)
	}
}

// ChoreographyEngine is the event-driven execution model: a routing table
// from event type to handler, with no central instance state and no driver.
// Ordering is only as strong as the causal chain of event emission.
type ChoreographyEngine struct {
	bus    EventBus
	logger zerolog.Logger

	handlers *xsync.MapOf[string, *handlerEntry]

	// registration order, for deterministic validation output
	mu    sync.Mutex
	order []string
}

// NewChoreographyEngine creates an engine publishing follow-up events to bus.
func NewChoreographyEngine(bus EventBus, logger zerolog.Logger) *ChoreographyEngine {
	return &ChoreographyEngine{
		bus:      bus,
		logger:   logger,
		handlers: xsync.NewMapOf[string, *handlerEntry](),
	}
}

// OnEvent registers the handler for an event type. Each event type routes to
// exactly one handler.
func (e *ChoreographyEngine) OnEvent(eventType string, handler EventHandler, opts ...HandlerOption) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", eventType)
	}

	entry := &handlerEntry{eventType: eventType, handler: handler}
	for _, opt := range opts {
		opt(entry)
	}

	if _, loaded := e.handlers.LoadOrStore(eventType, entry); loaded {
		return fmt.Errorf("handler already registered for event %q", eventType)
	}

	e.mu.Lock()
	e.order = append(e.order, eventType)
	e.mu.Unlock()

	e.logger.Debug().Str("event", eventType).Strs("emits", entry.emits).Msg("handler registered")
	return nil
}

// Dispatch routes one delivered event to its handler, exactly once per
// delivery, and publishes the handler's follow-up events tagged with the
// inbound saga and correlation ids.
func (e *ChoreographyEngine) Dispatch(ctx context.Context, event Event) error {
	entry, ok := e.handlers.Load(event.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, event.Type)
	}

	e.logger.Info().
		Str("event", event.Type).
		Str("saga_id", event.SagaID).
		Str("correlation_id", event.CorrelationID).
		Msg("event dispatched")

	followups, err := entry.handler(ctx, event)
	if err != nil {
		return fmt.Errorf("handler for %q: %w", event.Type, err)
	}

	for _, next := range followups {
		next.SagaID = event.SagaID
		next.CorrelationID = event.CorrelationID
		if err := e.bus.Publish(ctx, next); err != nil {
			return fmt.Errorf("publishing %q: %w", next.Type, err)
		}
	}
	return nil
}

// FlowGraph builds the directed event-flow graph declared by the registered
// handlers: an edge from each handled event to each event its handler emits.
// Exporting it to DOT gives an operator the saga's causal chains.
func (e *ChoreographyEngine) FlowGraph() *dag.Graph {
	g := dag.New()

	e.mu.Lock()
	order := append([]string(nil), e.order...)
	e.mu.Unlock()

	for _, eventType := range order {
		entry, ok := e.handlers.Load(eventType)
		if !ok {
			continue
		}
		g.NodeFor(eventType)
		for _, emitted := range entry.emits {
			if err := g.Connect(eventType, emitted); err != nil {
				// Self edges are reported by Validate; the graph just skips them.
				continue
			}
		}
	}
	return g
}

// Validate checks the declared event flow: it rejects cycles (a handler
// chain that can re-trigger itself re-delivers forever) and self edges, and
// reports terminal events, events that are emitted but have no handler.
// Terminal events are legal; the list exists for tracing and review.
func (e *ChoreographyEngine) Validate() (terminal []string, err error) {
	e.mu.Lock()
	order := append([]string(nil), e.order...)
	e.mu.Unlock()

	var handled set.Set[string]
	var emitted set.Set[string]
	for _, eventType := range order {
		entry, ok := e.handlers.Load(eventType)
		if !ok {
			continue
		}
		handled.Insert(eventType)
		for _, next := range entry.emits {
			if next == eventType {
				return nil, fmt.Errorf("handler for %q declares emitting its own event", eventType)
			}
			emitted.Insert(next)
		}
	}

	if _, err := e.FlowGraph().TopoSort(); err != nil {
		return nil, fmt.Errorf("event flow: %w", err)
	}

	for _, next := range emitted.Items() {
		if !handled.Contains(next) {
			terminal = append(terminal, next)
		}
	}
	sort.Strings(terminal)
	return terminal, nil
}

// Dispatcher is the consumer side of a transport: something events can be
// delivered to.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}
