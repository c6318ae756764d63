package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// CallKind distinguishes forward actions from compensations.
type CallKind string

const (
	CallAction       CallKind = "action"
	CallCompensation CallKind = "compensation"
)

// Call carries everything a participant needs to serve one action or
// compensation invocation. The saga and correlation ids are threaded
// explicitly through every call; participants must treat Operation plus
// these ids as the idempotency key.
type Call struct {
	SagaID        SagaID          `json:"saga_id"`
	CorrelationID string          `json:"correlation_id"`
	Step          StepName        `json:"step_name"`
	Operation     string          `json:"operation"`
	Kind          CallKind        `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Participant is the contract a remote service honors. For actions the
// payload is the accumulated saga context; for compensations it is the
// output recorded when the step originally completed.
//
// Implementations are responsible for their own idempotency. The engine
// never re-issues a call that already reported success for the same
// (saga_id, step_name, kind) pair, but redelivery after a crash between the
// remote effect and the local persist is still possible.
type Participant interface {
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

// ParticipantFunc adapts an ordinary function into a Participant.
type ParticipantFunc func(ctx context.Context, call Call) (json.RawMessage, error)

// Invoke implements the Participant interface.
func (f ParticipantFunc) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// ParticipantRegistry resolves target service identifiers to participants.
//
// Steps reference their participant by service name. Since definitions are
// restored from persistent storage on resume, the concrete participant type
// is erased and the service name is the only mechanism we have to recover
// it. Users therefore register every participant up front so the coordinator
// can resolve calls for freshly started and resumed sagas alike.
type ParticipantRegistry struct {
	participants *xsync.MapOf[string, Participant]
}

// NewParticipantRegistry creates an empty participant registry.
func NewParticipantRegistry() *ParticipantRegistry {
	return &ParticipantRegistry{
		participants: xsync.NewMapOf[string, Participant](),
	}
}

// Register adds a participant under the given service name.
func (r *ParticipantRegistry) Register(service string, p Participant) error {
	if _, loaded := r.participants.LoadOrStore(service, p); loaded {
		return fmt.Errorf("%w: %q", ErrDuplicateParticipant, service)
	}
	return nil
}

// Resolve returns the participant registered for service.
func (r *ParticipantRegistry) Resolve(service string) (Participant, error) {
	p, ok := r.participants.Load(service)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, service)
	}
	return p, nil
}
