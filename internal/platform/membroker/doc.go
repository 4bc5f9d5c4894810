// Package membroker implements queue.Broker in process memory with the
// delivery semantics the runtime assumes of the external broker:
// at-least-once delivery to bounded-concurrency consumers, attempt
// counting with exponential backoff redelivery, rate-limited rejections
// that do not consume an attempt, flow trees whose children execute
// before their parents and whose child failures propagate upward, and
// retention-bounded eviction of finished jobs.
//
// It backs single-process deployments and the test suites; a clustered
// deployment substitutes a broker-backed implementation behind the same
// interface.
package membroker
