package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// fakeProvider replays a fixed script of chunk batches, one batch per
// Complete call, so a test can script a tool-call round trip.
type fakeProvider struct {
	batches [][]CompletionChunk
	call    int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error) {
	batch := f.batches[f.call]
	f.call++
	ch := make(chan CompletionChunk, len(batch))
	for _, c := range batch {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// echoTool just returns its input string as the result output, tagged
// with a fixed capability so tests can steer the policy table.
type echoTool struct {
	capability string
}

func (t *echoTool) Name() string                                     { return "echo" }
func (t *echoTool) Description() string                              { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage                          { return json.RawMessage(`{}`) }
func (t *echoTool) Capability(json.RawMessage) string                { return t.capability }
func (t *echoTool) ArgString(input json.RawMessage) string           { return string(input) }
func (t *echoTool) Execute(ctx context.Context, input json.RawMessage) (models.ToolResult, error) {
	return models.ToolResult{Output: input}, nil
}

func newTestExecutor(t *testing.T, provider LLMProvider, registry *Registry, table policy.Table) (*Executor, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(eventlog.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	broker := policy.NewBroker(table, policy.NewMemoryStore(), nil)
	exec := New(log, broker, nil, registry, provider, nil, nil, Config{BasePrompt: "you are a test agent", ToolTimeout: time.Second}, nil)
	return exec, log
}

func testRun(input string) *models.Run {
	return &models.Run{RunID: "run-1", Origin: "cli:test", Kind: models.RunKindInteractive, InputText: input}
}

func TestExecuteNoToolCallReachesDone(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{TextDelta: "hi"}, {TextDelta: " there"}, {Done: true}},
	}}
	exec, _ := newTestExecutor(t, provider, NewRegistry(), policy.Table{})

	state, err := exec.Execute(context.Background(), testRun("hello"))
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)
}

func TestExecuteAllowedToolCallLoopsBackAndCompletes(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`"payload"`)}}, {Done: true}},
		{{TextDelta: "done"}, {Done: true}},
	}}
	registry := NewRegistry(&echoTool{capability: "memory.read"})
	table := policy.Table{Allow: []policy.Rule{{Capability: "memory.read"}}}
	exec, log := newTestExecutor(t, provider, registry, table)

	state, err := exec.Execute(context.Background(), testRun("use echo"))
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	events, err := log.ScanAll(0, nil)
	require.NoError(t, err)
	var sawToolCall, sawToolResult, sawFinal bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCall:
			sawToolCall = true
		case models.EventToolResult:
			sawToolResult = true
		case models.EventRunFinal:
			sawFinal = true
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
	assert.True(t, sawFinal)
}

func TestExecuteDeniedToolCallStillReturnsWithoutExecuting(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`"rm -rf /"`)}}, {Done: true}},
		{{TextDelta: "ok"}, {Done: true}},
	}}
	registry := NewRegistry(&echoTool{capability: "shell.run"})
	table := policy.Table{Deny: []policy.Rule{{Capability: "shell.write"}}}
	exec, _ := newTestExecutor(t, provider, registry, table)

	state, err := exec.Execute(context.Background(), testRun("rm everything"))
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)
}

func TestExecuteAskSuspendsUntilRespond(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`"x"`)}}, {Done: true}},
		{{TextDelta: "ok"}, {Done: true}},
	}}
	registry := NewRegistry(&echoTool{capability: "shell.write"})
	table := policy.Table{Ask: []policy.Rule{{Capability: "shell.write"}}, MaxAge: time.Minute}
	log, err := eventlog.Open(eventlog.DefaultConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	broker := policy.NewBroker(table, policy.NewMemoryStore(), nil)
	exec := New(log, broker, nil, registry, provider, nil, nil, Config{BasePrompt: "test", ToolTimeout: time.Second}, nil)

	done := make(chan models.RunState, 1)
	go func() {
		state, err := exec.Execute(context.Background(), testRun("needs approval"))
		require.NoError(t, err)
		done <- state
	}()

	require.Eventually(t, func() bool {
		_, ok := broker.PendingFor("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	pending, ok := broker.PendingFor("run-1")
	require.True(t, ok)
	require.NoError(t, broker.Respond(pending.PermID, models.DecisionAllow, "tester"))

	select {
	case state := <-done:
		assert.Equal(t, models.RunStateDone, state)
	case <-time.After(time.Second):
		t.Fatal("execute did not complete after approval")
	}
}

func TestStopCancelsRunningExecution(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`"x"`)}}, {Done: true}},
	}}
	registry := NewRegistry(&echoTool{capability: "shell.write"})
	table := policy.Table{Ask: []policy.Rule{{Capability: "shell.write"}}, MaxAge: time.Minute}
	exec, _ := newTestExecutor(t, provider, registry, table)

	done := make(chan models.RunState, 1)
	go func() {
		state, _ := exec.Execute(context.Background(), testRun("needs approval"))
		done <- state
	}()

	require.Eventually(t, func() bool {
		_, ok := exec.broker.PendingFor("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.True(t, exec.Stop("run-1"))

	select {
	case state := <-done:
		assert.Equal(t, models.RunStateStopped, state)
	case <-time.After(time.Second):
		t.Fatal("execute did not stop")
	}
}

func TestStopEmitsStoppingBeforeStopped(t *testing.T) {
	provider := &fakeProvider{batches: [][]CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`"x"`)}}, {Done: true}},
	}}
	registry := NewRegistry(&echoTool{capability: "shell.write"})
	table := policy.Table{Ask: []policy.Rule{{Capability: "shell.write"}}, MaxAge: time.Minute}
	exec, log := newTestExecutor(t, provider, registry, table)

	done := make(chan models.RunState, 1)
	go func() {
		state, _ := exec.Execute(context.Background(), testRun("needs approval"))
		done <- state
	}()

	require.Eventually(t, func() bool {
		_, ok := exec.broker.PendingFor("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.True(t, exec.Stop("run-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute did not stop")
	}

	events, err := log.ScanAll(0, nil)
	require.NoError(t, err)
	var sawStopping, sawStoppingBeforeStopped bool
	for _, ev := range events {
		if ev.Type != models.EventRunStatus {
			continue
		}
		var p models.RunStatusPayload
		require.NoError(t, ev.Decode(&p))
		switch p.State {
		case models.RunStateStopping:
			sawStopping = true
		case models.RunStateStopped:
			sawStoppingBeforeStopped = sawStopping
		}
	}
	assert.True(t, sawStopping, "stop must emit an intermediate run.status=stopping event")
	assert.True(t, sawStoppingBeforeStopped, "stopping must be observed before stopped")
}
