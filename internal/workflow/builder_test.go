package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStepsRejectsEmptyList(t *testing.T) {
	err := ValidateSteps(nil)
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestValidateStepsRejectsMissingFields(t *testing.T) {
	err := ValidateSteps([]StepDefinition{{Name: "save"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue name is required")

	err = ValidateSteps([]StepDefinition{{Queue: "save_tasks"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step name is required")
}

func TestValidateStepsRejectsDuplicateNames(t *testing.T) {
	err := ValidateSteps([]StepDefinition{
		{Queue: "save_tasks", Name: "save"},
		{Queue: "ai_tasks", Name: "save"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestBuildFlowChainsStepsLastAsRoot(t *testing.T) {
	flow, err := BuildFlow("wf-1", []StepDefinition{
		{Queue: "save_tasks", Name: "save"},
		{Queue: "ai_tasks", Name: "process"},
		{Queue: "ai_tasks", Name: "publish"},
	})
	require.NoError(t, err)

	// Root is the last step; each earlier step hangs below it.
	assert.Equal(t, "publish", flow.Name)
	require.Len(t, flow.Children, 1)
	assert.Equal(t, "process", flow.Children[0].Name)
	require.Len(t, flow.Children[0].Children, 1)
	assert.Equal(t, "save", flow.Children[0].Children[0].Name)
	assert.Empty(t, flow.Children[0].Children[0].Children)
}

func TestBuildFlowStampsPayloads(t *testing.T) {
	flow, err := BuildFlow("wf-1", []StepDefinition{
		{
			Queue:   "save_tasks",
			Name:    "save",
			Payload: json.RawMessage(`{"type":"save","payload":{"targetId":"a1"}}`),
			Track:   true,
		},
		{Queue: "ai_tasks", Name: "process"},
	})
	require.NoError(t, err)

	var leaf map[string]any
	require.NoError(t, json.Unmarshal(flow.Children[0].Payload, &leaf))
	assert.Equal(t, "wf-1", leaf["workflowId"])
	assert.Equal(t, "save", leaf["stepName"])
	assert.Equal(t, true, leaf["track"])
	assert.Equal(t, "save", leaf["type"], "original payload fields must survive stamping")

	var root map[string]any
	require.NoError(t, json.Unmarshal(flow.Payload, &root))
	assert.Equal(t, "process", root["stepName"])
	_, hasTrack := root["track"]
	assert.False(t, hasTrack, "untracked steps must not carry the track flag")
}

func TestBuildFlowRejectsNonObjectPayload(t *testing.T) {
	_, err := BuildFlow("wf-1", []StepDefinition{
		{Queue: "save_tasks", Name: "save", Payload: json.RawMessage(`[1,2]`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a JSON object")
}
