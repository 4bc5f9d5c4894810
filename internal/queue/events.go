package queue

import (
	"encoding/json"
	"time"
)

// EventType identifies a job lifecycle event.
type EventType string

// Lifecycle event types emitted per queue.
const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDelayed   EventType = "delayed"
)

// Event is a job lifecycle notification. Delivery is at-least-once and
// may be observed out of order by slow consumers; handlers must tolerate
// both.
type Event struct {
	// Type is the lifecycle transition being reported.
	Type EventType

	// Job is a snapshot of the job at the time of the event.
	Job *Job

	// ReturnValue carries the processor's result on completed events.
	ReturnValue json.RawMessage

	// Err carries the failure on failed events.
	Err error

	// Progress carries the message on progress events.
	Progress string

	// Delay carries the redelivery delay on delayed events.
	Delay time.Duration
}
