// Package runtime implements C4, the run executor: it drives a single run
// from admission to terminal state, assembling the context packet,
// streaming the LLM response, and dispatching tool calls through the
// permission broker. The package is named runtime rather than agent (the
// teacher's name) because this project's vocabulary already centers on
// runs, workers, and kinds, and "agent" would collide with that noun.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// LLMProvider is the pluggable seam to a model backend. The concrete
// provider (Anthropic, OpenAI, a local model server) is out of scope for
// this project (spec §1); only the interface and a fake used by tests
// live here.
type LLMProvider interface {
	// Complete opens a streaming completion; the returned channel is
	// closed when the stream ends (successfully or with an error as the
	// final chunk).
	Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)
	Name() string
}

// CompletionRequest bundles everything the provider needs for one turn.
type CompletionRequest struct {
	System   string
	Messages []CompletionMessage
	Tools    []ToolSchema
}

// CompletionMessage is one turn in the conversation sent to the provider.
type CompletionMessage struct {
	Role        string // "user", "assistant", "tool"
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSchema describes one callable tool to the provider.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionChunk is one unit of a streamed completion: a text delta, a
// tool call, the terminal chunk, or an error (which always terminates the
// stream).
type CompletionChunk struct {
	TextDelta string
	ToolCall  *models.ToolCall
	Done      bool
	Usage     *models.Usage
	Err       error
}

// Tool is an executable capability the run executor can invoke on the
// LLM's behalf, gated by the permission broker via Capability().
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	// Capability returns the policy capability this tool maps to (e.g.
	// "shell.run", "filesystem.write", "memory.delete"); distinct from
	// the tool's name per spec's GLOSSARY.
	Capability(input json.RawMessage) string
	// ArgString renders input into the canonical string an ask-rule's
	// regex is matched against (e.g. the literal shell command).
	ArgString(input json.RawMessage) string
	Execute(ctx context.Context, input json.RawMessage) (models.ToolResult, error)
}

// Registry resolves tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from a list of tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool schema set to send to the provider.
func (r *Registry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolSchema{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}
