package saga

import (
	"fmt"
	"time"
)

// Default resilience policy applied to steps that do not override it.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultRetryDelay  = 250 * time.Millisecond
)

// Step describes one unit of work in a saga definition: an action executed
// against a remote participant, and the metadata needed to retry it, time it
// out, fall back, and undo it.
type Step struct {
	Name StepName

	// Service identifies the participant that serves this step's calls. It is
	// resolved through a ParticipantRegistry at call time so definitions can
	// be restored from storage without function pointers.
	Service string

	// Action is the operation the participant performs going forward.
	Action string

	// Compensation is the operation that semantically undoes Action. An empty
	// Compensation marks the step as a pivot: once it has completed, the saga
	// can no longer be fully rolled back.
	Compensation string

	// Fallback, when set, is attempted exactly once after the action has
	// exhausted its retries. Compensations never use it.
	Fallback string

	// Timeout bounds each individual call, not the step as a whole.
	Timeout time.Duration

	// RetryCount is the number of retries after the initial attempt.
	RetryCount uint

	// RetryDelay seeds the exponential backoff between attempts.
	RetryDelay time.Duration
}

// NewStep constructs a step with the default timeout and retry policy.
// Policy and compensation are layered on with the With methods, which return
// modified copies so steps can be composed fluently.
func NewStep(name StepName, service, action string) Step {
	return Step{
		Name:       name,
		Service:    service,
		Action:     action,
		Timeout:    DefaultStepTimeout,
		RetryDelay: DefaultRetryDelay,
	}
}

// WithCompensation sets the operation that undoes this step.
func (s Step) WithCompensation(operation string) Step {
	s.Compensation = operation
	return s
}

// WithFallback sets an alternate action attempted once after retries are
// exhausted.
func (s Step) WithFallback(operation string) Step {
	s.Fallback = operation
	return s
}

// WithTimeout sets the per-call timeout.
func (s Step) WithTimeout(d time.Duration) Step {
	s.Timeout = d
	return s
}

// WithRetry sets the retry count and the base delay for exponential backoff.
func (s Step) WithRetry(count uint, delay time.Duration) Step {
	s.RetryCount = count
	s.RetryDelay = delay
	return s
}

// Compensatable reports whether the step has a compensation. Steps without
// one are pivot transactions.
func (s Step) Compensatable() bool {
	return s.Compensation != ""
}

func (s Step) validate() error {
	if s.Name == "" {
		return fmt.Errorf("step has no name")
	}
	if s.Service == "" {
		return fmt.Errorf("step %q has no target service", s.Name)
	}
	if s.Action == "" {
		return fmt.Errorf("step %q has no action", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("step %q has non-positive timeout %s", s.Name, s.Timeout)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("step %q has negative retry delay %s", s.Name, s.RetryDelay)
	}
	return nil
}

// Definition is a named, ordered sequence of steps. It is immutable once
// registered; step order is fixed at definition time and never reordered at
// runtime.
type Definition struct {
	Name  SagaName
	Steps []Step

	byName map[StepName]int
}

// NewDefinition validates and constructs a definition from an ordered list
// of steps.
func NewDefinition(name SagaName, steps ...Step) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("definition has no name")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("definition %q has no steps", name)
	}

	byName := make(map[StepName]int, len(steps))
	for i, step := range steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("definition %q: %w", name, err)
		}
		if _, dup := byName[step.Name]; dup {
			return nil, fmt.Errorf("definition %q has duplicate step %q", name, step.Name)
		}
		byName[step.Name] = i
	}

	return &Definition{
		Name:   name,
		Steps:  append([]Step(nil), steps...),
		byName: byName,
	}, nil
}

// StepByName returns the step with the given name.
func (d *Definition) StepByName(name StepName) (Step, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Step{}, false
	}
	return d.Steps[i], true
}
