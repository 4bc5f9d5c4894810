// Package worker hosts queue consumers. A Host binds one queue to a
// process function and drives the surrounding task lifecycle: token
// bucket admission before execution, and task status persistence plus
// client notification from the broker's lifecycle events.
package worker
