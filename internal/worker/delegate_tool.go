package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// DelegateCapability is the policy capability every delegation is
// checked against — delegation itself is not a filesystem/shell/memory
// action, so it gets its own namespace in the permission table.
const DelegateCapability = "worker.delegate"

// delegateInput is the schema the LLM fills in to call delegate(role, task).
type delegateInput struct {
	Role  string `json:"role"`
	Task  string `json:"task"`
	Await bool   `json:"await"`
}

// DelegateTool is the pseudo-tool spec §4.5 describes: "the executor
// exposes a pseudo-tool delegate(role, task)". It satisfies
// runtime.Tool structurally (same method set, no import of the runtime
// package needed) so the executor's Registry can hold it directly.
type DelegateTool struct {
	manager *Manager
}

// NewDelegateTool builds a DelegateTool bound to manager.
func NewDelegateTool(manager *Manager) *DelegateTool {
	return &DelegateTool{manager: manager}
}

func (t *DelegateTool) Name() string { return "delegate" }

func (t *DelegateTool) Description() string {
	return "Delegate a task to a child worker run. Set await=true to block until the worker finishes and receive its result; set await=false to continue immediately and query the worker later."
}

func (t *DelegateTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":  map[string]any{"type": "string", "description": "free-form label for the worker's specialization"},
			"task":  map[string]any{"type": "string", "description": "the task text fed as the worker's run input"},
			"await": map[string]any{"type": "boolean", "description": "block until the worker terminates", "default": false},
		},
		"required": []string{"role", "task"},
	}
	data, _ := json.Marshal(schema)
	return data
}

func (t *DelegateTool) Capability(json.RawMessage) string { return DelegateCapability }

func (t *DelegateTool) ArgString(input json.RawMessage) string {
	var in delegateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return string(input)
	}
	return fmt.Sprintf("role=%s task=%s", in.Role, in.Task)
}

// Execute delegates to a child run. The parent run id is recovered from
// ctx (stamped by the executor via models.WithRunID) so the tool itself
// stays signature-compatible with every other tool.
func (t *DelegateTool) Execute(ctx context.Context, input json.RawMessage) (models.ToolResult, error) {
	var in delegateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return models.ToolResult{IsError: true, Output: errJSON(fmt.Sprintf("invalid delegate input: %v", err))}, nil
	}

	parentRunID, _ := models.RunIDFromContext(ctx)
	worker, err := t.manager.Delegate(ctx, parentRunID, in.Role, in.Task, in.Await)
	if err != nil {
		return models.ToolResult{IsError: true, Output: errJSON(err.Error())}, nil
	}

	out, _ := json.Marshal(worker)
	return models.ToolResult{Output: out}, nil
}

func errJSON(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}
