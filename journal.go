package saga

import (
	"fmt"
	"strings"
	"sync"
)

// CallEventType defines the call-level events recorded for a step.
type CallEventType int

const (
	EventStarted CallEventType = iota
	EventSucceeded
	EventFailed
	EventCompensateStarted
	EventCompensated
	EventCompensateFailed
)

// String returns the string representation of the CallEventType.
func (t CallEventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventCompensateStarted:
		return "compensate_started"
	case EventCompensated:
		return "compensated"
	case EventCompensateFailed:
		return "compensate_failed"
	default:
		return fmt.Sprintf("unknown CallEventType: %d", int(t))
	}
}

// CallEvent is one entry in a saga instance's call journal.
type CallEvent struct {
	SagaID SagaID
	Step   StepName
	Type   CallEventType
}

// String implements the fmt.Stringer interface for CallEvent.
func (e *CallEvent) String() string {
	return fmt.Sprintf("%s %s", e.Step, e.Type)
}

// stepStatus is the journal's view of one step's progress.
type stepStatus int

const (
	statusNeverStarted stepStatus = iota
	statusRunning
	statusSucceeded
	statusFailed
	statusCompensating
	statusCompensated
	statusCompensateFailed
)

// nextStatus returns the new status for a step after recording the given
// event, rejecting transitions the saga state machine does not permit.
func (s stepStatus) nextStatus(eventType CallEventType) (stepStatus, error) {
	switch s {
	case statusNeverStarted:
		if eventType == EventStarted {
			return statusRunning, nil
		}
	case statusRunning:
		switch eventType {
		case EventSucceeded:
			return statusSucceeded, nil
		case EventFailed:
			return statusFailed, nil
		}
	case statusSucceeded:
		if eventType == EventCompensateStarted {
			return statusCompensating, nil
		}
	case statusCompensating:
		switch eventType {
		case EventCompensated:
			return statusCompensated, nil
		case EventCompensateFailed:
			return statusCompensateFailed, nil
		}
	}

	return statusNeverStarted, fmt.Errorf(
		"illegal event %s for current step status %d", eventType, s,
	)
}

// Journal is the in-process write log for one saga instance. It enforces
// legal per-step transitions, answers which calls already reported success
// so they are never re-issued, and tracks whether the instance is unwinding.
type Journal struct {
	mu        sync.Mutex
	sagaID    SagaID
	unwinding bool
	events    []*CallEvent
	status    map[StepName]stepStatus
}

// NewJournal creates a new, empty journal for the given instance.
func NewJournal(sagaID SagaID) *Journal {
	return &Journal{
		sagaID: sagaID,
		events: make([]*CallEvent, 0),
		status: make(map[StepName]stepStatus),
	}
}

// RecoverJournal rebuilds a journal from a persisted instance record so a
// resumed execution loop starts with the same dedupe knowledge the crashed
// one had: every recorded result replays as a successful action, and the
// compensated tail replays as successful compensations.
func RecoverJournal(inst *Instance) (*Journal, error) {
	j := NewJournal(inst.ID)

	for _, res := range inst.Results {
		if err := j.replay(res.Step, EventStarted, EventSucceeded); err != nil {
			return nil, fmt.Errorf("recovering journal for %s: %w", inst.ID, err)
		}
	}
	for n := 0; n < inst.Compensated; n++ {
		idx := len(inst.Results) - 1 - n
		if idx < 0 {
			return nil, fmt.Errorf("recovering journal for %s: compensated count %d exceeds %d results",
				inst.ID, inst.Compensated, len(inst.Results))
		}
		step := inst.Results[idx].Step
		if err := j.replay(step, EventCompensateStarted, EventCompensated); err != nil {
			return nil, fmt.Errorf("recovering journal for %s: %w", inst.ID, err)
		}
	}
	if inst.State == StateCompensating {
		j.unwinding = true
	}

	return j, nil
}

func (j *Journal) replay(step StepName, events ...CallEventType) error {
	for _, et := range events {
		if err := j.Record(&CallEvent{SagaID: j.sagaID, Step: step, Type: et}); err != nil {
			return err
		}
	}
	return nil
}

// Record adds an event to the journal.
func (j *Journal) Record(event *CallEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	current := j.status[event.Step]
	next, err := current.nextStatus(event.Type)
	if err != nil {
		return fmt.Errorf("step %q: %w", event.Step, err)
	}

	switch next {
	case statusFailed, statusCompensating, statusCompensated, statusCompensateFailed:
		j.unwinding = true
	}

	j.status[event.Step] = next
	j.events = append(j.events, event)
	return nil
}

// Succeeded reports whether the step's action already reported success.
func (j *Journal) Succeeded(step StepName) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status[step] {
	case statusSucceeded, statusCompensating, statusCompensated, statusCompensateFailed:
		return true
	}
	return false
}

// Compensated reports whether the step's compensation already reported
// success.
func (j *Journal) Compensated(step StepName) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.status[step] == statusCompensated
}

// Unwinding returns true once any step has failed or begun compensating.
func (j *Journal) Unwinding() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.unwinding
}

// Events returns a copy of the journal's event list in record order.
func (j *Journal) Events() []*CallEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]*CallEvent(nil), j.events...)
}

// JournalPretty is a helper for pretty-printing a Journal when debugging an
// instance that needs operator attention.
type JournalPretty struct {
	Journal *Journal
}

// String implements the fmt.Stringer interface for JournalPretty.
func (p *JournalPretty) String() string {
	p.Journal.mu.Lock()
	defer p.Journal.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("SAGA JOURNAL:\n")
	sb.WriteString(fmt.Sprintf("saga id:   %s\n", p.Journal.sagaID))
	direction := "forward"
	if p.Journal.unwinding {
		direction = "unwinding"
	}
	sb.WriteString(fmt.Sprintf("direction: %s\n", direction))
	sb.WriteString(fmt.Sprintf("events (%d total):\n\n", len(p.Journal.events)))
	for i, event := range p.Journal.events {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, event.String()))
	}
	return sb.String()
}
