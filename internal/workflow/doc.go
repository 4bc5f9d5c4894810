// Package workflow composes tasks into multi-step pipelines executed as
// broker flow trees. A linear chain of step definitions becomes a flow
// whose later steps are parents of earlier ones, so the broker runs
// steps in definition order.
//
// Workflow records persist independently of the broker. The broker's
// job graph is the execution source of truth while it lives; once
// retention evicts it, the stored record degrades to expired unless a
// terminal status was already synced.
package workflow
