// Package queue defines the durable broker abstraction the task and
// workflow runtimes are built on: typed jobs with retry options, flow
// trees whose children execute before their parents, per-queue lifecycle
// events, and the error taxonomy that drives retry behavior
// (rate-limited vs transient vs unrecoverable).
//
// The broker itself is an external collaborator; this package specifies
// its interface and provides the per-queue facade and registry used by
// the rest of the system. See internal/platform/membroker for the
// in-process implementation.
package queue
