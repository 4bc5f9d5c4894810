package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phrazzld/stash-api/internal/task"
)

// TemplateInput parameterizes a workflow template.
type TemplateInput struct {
	// Target selects the save handler variant.
	Target task.Target `json:"target"`

	// TargetID identifies the content being processed.
	TargetID string `json:"targetId"`

	// Content is the raw content for save steps.
	Content string `json:"content,omitempty"`

	// Metadata is passed through to every step payload.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Template expands an input into a concrete step list.
type Template func(input TemplateInput) ([]StepDefinition, error)

// builtinTemplates returns the templates every service starts with.
func builtinTemplates() map[string]Template {
	return map[string]Template{
		"content_pipeline": ContentPipeline,
	}
}

// ContentPipeline is the standard two-step pipeline: persist the
// content, then run AI processing over it. Both step results are
// tracked on the workflow record.
func ContentPipeline(input TemplateInput) ([]StepDefinition, error) {
	if input.Target == "" {
		return nil, errors.New("target is required")
	}
	if input.TargetID == "" {
		return nil, errors.New("target id is required")
	}

	savePayload, err := stepTaskPayload(task.TypeSave, task.Payload{
		Target:   input.Target,
		TargetID: input.TargetID,
		Content:  input.Content,
		Metadata: input.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("save step: %w", err)
	}

	// The AI step carries no target: ai_process handlers register under
	// the bare type key, and a target would route the task past them.
	processPayload, err := stepTaskPayload(task.TypeAIProcess, task.Payload{
		TargetID: input.TargetID,
		Content:  input.Content,
		Metadata: input.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("process step: %w", err)
	}

	return []StepDefinition{
		{
			Queue:   task.QueueNameFor(task.TypeSave),
			Name:    "save",
			Payload: savePayload,
			Track:   true,
		},
		{
			Queue:   task.QueueNameFor(task.TypeAIProcess),
			Name:    "process",
			Payload: processPayload,
			Track:   true,
		},
	}, nil
}

// stepTaskPayload shapes a task payload into the envelope the processor
// unmarshals job payloads into.
func stepTaskPayload(taskType task.Type, payload task.Payload) (json.RawMessage, error) {
	return json.Marshal(struct {
		Type    task.Type    `json:"type"`
		Payload task.Payload `json:"payload"`
	}{
		Type:    taskType,
		Payload: payload,
	})
}
