// Package saga coordinates distributed transactions across independent,
// failure-prone services without a shared ACID transaction.
//
// A saga is a named, ordered sequence of steps. Each step invokes an action
// on a remote participant and, when provided, a compensation that
// semantically undoes it. When a step fails permanently, the completed
// steps are rolled back in strict reverse order. A step without a
// compensation is a pivot: once it has completed, the saga can no longer be
// fully rolled back, and a later failure leaves the instance FAILED for
// operator intervention.
//
// # Orchestration
//
//  1. Register participants in a ParticipantRegistry, keyed by service name.
//  2. Build step sequences with NewStep and register them as Definitions in
//     a DefinitionRegistry.
//  3. Create a Coordinator with the registry, a StateStore (memory, file, or
//     Redis) and a StepExecutor.
//  4. Start sagas with Coordinator.Start; it returns once the PENDING
//     instance is persisted and drives execution in the background. Observe
//     progress with Snapshot, block with Wait, roll back with Abort, and
//     recover interrupted instances after a restart with ResumeAll.
//
// Every remote call is bounded by the step's timeout and retried with
// exponential backoff; actions may declare a one-shot fallback. Each state
// transition is persisted before the engine acts on it, and the store's
// optimistic versioning keeps two coordinator processes from advancing the
// same instance.
//
// # Choreography
//
// The ChoreographyEngine is the decentralized alternative: handlers
// registered with OnEvent react to inbound events and emit follow-up events
// over an EventBus, with no central driver or instance state. The Emits
// declarations form an event-flow graph that Validate checks for cycles and
// that exports to Graphviz for tracing.
package saga
