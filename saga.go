package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaID represents a unique identifier for a saga instance.
type SagaID struct {
	UUID uuid.UUID
}

// NewSagaID generates a fresh random SagaID.
func NewSagaID() SagaID {
	return SagaID{UUID: uuid.New()}
}

// ParseSagaID parses the string form produced by String.
func ParseSagaID(s string) (SagaID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SagaID{}, fmt.Errorf("invalid saga id %q: %w", s, err)
	}
	return SagaID{UUID: id}, nil
}

// String returns the string representation of the SagaID.
func (s SagaID) String() string {
	return s.UUID.String()
}

// MarshalText implements encoding.TextMarshaler so SagaID can be used
// as a JSON object key and field value.
func (s SagaID) MarshalText() ([]byte, error) {
	return []byte(s.UUID.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SagaID) UnmarshalText(data []byte) error {
	id, err := uuid.Parse(string(data))
	if err != nil {
		return err
	}
	s.UUID = id
	return nil
}

// SagaName represents a human-readable name for a particular saga definition.
type SagaName string

// String returns the string representation of the SagaName.
func (s SagaName) String() string {
	return string(s)
}

// StepName represents a unique name for a step within a definition.
type StepName string

// String returns the string representation of the StepName.
func (s StepName) String() string {
	return string(s)
}

// State is the lifecycle state of a saga instance.
type State string

const (
	// StatePending means the instance is persisted but no step has been
	// dispatched yet.
	StatePending State = "PENDING"
	// StateRunning means forward execution is in progress.
	StateRunning State = "RUNNING"
	// StateCompensating means a step failed and completed steps are being
	// rolled back in reverse order.
	StateCompensating State = "COMPENSATING"
	// StateCompleted means every step's action succeeded.
	StateCompleted State = "COMPLETED"
	// StateCompensated means every compensatable completed step was rolled
	// back after a failure.
	StateCompensated State = "COMPENSATED"
	// StateFailed means rollback could not complete: either a compensation
	// exhausted its retries or the reverse walk hit a pivot step. Operator
	// intervention is required.
	StateFailed State = "FAILED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// StepResult records the captured output of a successfully completed step.
// Slice order is execution order.
type StepResult struct {
	Step   StepName        `json:"step_name"`
	Output json.RawMessage `json:"result,omitempty"`
}

// Instance is the persisted record of one saga execution. It contains the
// minimal information needed to resume or roll back after a crash.
type Instance struct {
	ID            SagaID          `json:"id"`
	Definition    SagaName        `json:"definition_name"`
	CorrelationID string          `json:"correlation_id"`
	Input         json.RawMessage `json:"input_payload,omitempty"`
	State         State           `json:"state"`

	// CurrentStep is the index of the next step to execute during forward
	// execution.
	CurrentStep int `json:"current_step_index"`

	// Results only ever grows during forward execution and is read-only
	// during compensation.
	Results []StepResult `json:"step_results"`

	// Compensated counts how many entries, walking Results from the tail,
	// have had their compensation applied. Persisting it keeps a resumed
	// instance from re-compensating or walking past the pivot.
	Compensated int `json:"compensated_count"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`

	// Version implements optimistic concurrency in the state store: a Save
	// whose Version does not match the stored record is rejected.
	Version int64 `json:"version"`
}

// newInstance creates a PENDING instance for the given definition and input.
func newInstance(def *Definition, input json.RawMessage) *Instance {
	id := NewSagaID()
	return &Instance{
		ID:            id,
		Definition:    def.Name,
		CorrelationID: id.String(),
		Input:         input,
		State:         StatePending,
		Results:       make([]StepResult, 0, len(def.Steps)),
		StartedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy of the instance so callers cannot mutate
// store-held or coordinator-held state.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.Input = append(json.RawMessage(nil), i.Input...)
	cp.Results = make([]StepResult, len(i.Results))
	for n, r := range i.Results {
		cp.Results[n] = StepResult{
			Step:   r.Step,
			Output: append(json.RawMessage(nil), r.Output...),
		}
	}
	return &cp
}

// ResultFor returns the recorded output for a step, if it completed.
func (i *Instance) ResultFor(step StepName) (json.RawMessage, bool) {
	for _, r := range i.Results {
		if r.Step == step {
			return r.Output, true
		}
	}
	return nil, false
}
