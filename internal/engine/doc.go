// Package engine implements the asynchronous analysis job engine: a
// queue manager that admits jobs, dequeues them by priority under a
// bounded concurrency gate, executes them on an isolated worker pool,
// retries transient failures with exponential backoff and jitter, and
// persists every lifecycle transition before publishing it on the event
// bus.
//
// The engine does not know what an analysis actually does; callers
// supply an Executor that performs the domain work and classifies its
// failures.
package engine
