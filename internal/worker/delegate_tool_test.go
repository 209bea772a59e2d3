package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

func TestDelegateToolExecuteAwaitsAndReturnsWorkerJSON(t *testing.T) {
	log := newTestLog(t)
	exec := &fakeExecutor{log: log, state: models.RunStateDone}
	mgr := New(exec, log, DefaultConfig(), nil)
	tool := NewDelegateTool(mgr)

	ctx := models.WithRunID(context.Background(), "parent-run")
	input, _ := json.Marshal(map[string]any{"role": "researcher", "task": "find X", "await": true})

	result, err := tool.Execute(ctx, input)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var w models.Worker
	require.NoError(t, json.Unmarshal(result.Output, &w))
	assert.Equal(t, models.RunStateDone, w.State)
	assert.Equal(t, "parent-run", w.ParentRunID)
}

func TestDelegateToolCapabilityIsFixed(t *testing.T) {
	tool := NewDelegateTool(nil)
	assert.Equal(t, DelegateCapability, tool.Capability(nil))
}

func TestDelegateToolInvalidInputReturnsToolError(t *testing.T) {
	tool := NewDelegateTool(nil)
	result, err := tool.Execute(context.Background(), json.RawMessage(`not json`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
