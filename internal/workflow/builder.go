package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phrazzld/stash-api/internal/queue"
)

// Validation errors for workflow definitions.
var (
	// ErrNoSteps is returned for a workflow defined with no steps.
	ErrNoSteps = errors.New("workflow must define at least one step")
)

// ValidateSteps checks a step list for structural problems before any
// broker submission: every step needs a queue and a name, and names must
// be unique so tracked results stay attributable.
func ValidateSteps(steps []StepDefinition) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Queue == "" {
			return fmt.Errorf("step %d: queue name is required", i)
		}
		if step.Name == "" {
			return fmt.Errorf("step %d: step name is required", i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("step %d: duplicate step name %q", i, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// BuildFlow turns an ordered step list into a broker flow tree. The
// broker executes children before parents, so each step becomes the
// child of the step after it: the first step is the deepest leaf and the
// last step is the root.
//
// Every step payload is stamped with the workflow id and step name;
// tracked steps additionally carry the track flag so their results get
// folded into the workflow record.
func BuildFlow(workflowID string, steps []StepDefinition) (*queue.FlowJob, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	var node *queue.FlowJob
	for _, step := range steps {
		payload, err := stampPayload(step, workflowID)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}

		next := &queue.FlowJob{
			Queue:   step.Queue,
			Name:    step.Name,
			Payload: payload,
		}
		if node != nil {
			next.Children = []*queue.FlowJob{node}
		}
		node = next
	}
	return node, nil
}

// stampPayload merges workflow attribution keys into the step's payload
// object at the top level.
func stampPayload(step StepDefinition, workflowID string) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(step.Payload) > 0 {
		if err := json.Unmarshal(step.Payload, &fields); err != nil {
			return nil, fmt.Errorf("step payload must be a JSON object: %w", err)
		}
	}

	id, err := json.Marshal(workflowID)
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(step.Name)
	if err != nil {
		return nil, err
	}
	fields["workflowId"] = id
	fields["stepName"] = name
	if step.Track {
		fields["track"] = json.RawMessage("true")
	}

	return json.Marshal(fields)
}
