// Package task defines the task domain: the persisted Task record and
// its lifecycle, the Handler capability interface, and the Processor
// that dispatches broker jobs to registered handlers by task key.
package task
