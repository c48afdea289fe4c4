// Package daemon runs sync in the background. The AutoSync
// coordinator owns the lifecycle: a persisted on/off flag, a scheduled
// interval between cycles, activity triggers debounced through a
// Delayer, exponential backoff after failures, and an error policy
// that turns auto sync off when the service revokes it.
//
// Cycles are serialized through a single worker goroutine; a trigger
// arriving while a cycle runs queues at most one follow-up.
package daemon
