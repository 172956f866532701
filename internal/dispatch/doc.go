// Package dispatch runs the engine's background jobs in-process.
//
// # Overview
//
// One scheduling goroutine orders jobs by (run time, priority, insertion
// order); one worker goroutine per registered kind executes them serially,
// so jobs of a kind never interleave. Periodic jobs re-arm themselves on a
// fixed interval.
//
// # Failure Handling
//
// A handler error or panic fails the attempt. Jobs retry with a linear
// backoff until MaxAttempts is exhausted, then land in the per-kind record
// buffer, which is pruned by age and count. Finished(kind) exposes the
// retained outcomes.
package dispatch
