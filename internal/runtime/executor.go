package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SimonBear03/agent-blob/internal/audit"
	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/telemetry"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// EventSink is implemented by whatever fans events out to client channels
// (the gateway, in production). The executor calls it for every event it
// appends so a live session sees tokens/tool events/permission requests
// as they happen rather than only on replay.
type EventSink interface {
	Publish(ev models.Event)
}

// noopSink discards events; used when the executor runs without a live
// gateway attached (e.g. scheduled runs with no connected client).
type noopSink struct{}

func (noopSink) Publish(models.Event) {}

// Config configures one Executor.
type Config struct {
	BasePrompt    string
	Prompts       PromptConfig
	RecentWindow  int           // R in spec §4.2, the recent-turn window size
	RelatedWindow int           // bound on related-turns-by-similarity, spec §4.2 build_packet
	ToolTimeout   time.Duration // per-call tool timeout (spec §6 tools.per_call_timeout)
	MaxRounds     int           // hard cap on tool-call round trips per run, guards a runaway loop
}

// Executor implements C4: execute(run) -> terminal_state, stop(run_id).
type Executor struct {
	log      *eventlog.Log
	broker   *policy.Broker
	memory   *memory.Manager
	registry *Registry
	provider LLMProvider
	sink     EventSink
	logger   *slog.Logger
	auditLog *audit.Logger
	tracer   *telemetry.Tracer

	basePrompt    string
	prompts       PromptConfig
	recentWindow  int
	relatedWindow int
	toolTimeout   time.Duration
	maxRounds     int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Executor. sink and auditLog may be nil.
func New(log *eventlog.Log, broker *policy.Broker, mem *memory.Manager, registry *Registry, provider LLMProvider, sink EventSink, auditLog *audit.Logger, cfg Config, logger *slog.Logger) *Executor {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	if cfg.RelatedWindow <= 0 {
		cfg.RelatedWindow = 5
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 50
	}
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		log:          log,
		broker:       broker,
		memory:       mem,
		registry:     registry,
		provider:     provider,
		sink:         sink,
		logger:       logger.With("component", "runtime"),
		auditLog:     auditLog,
		tracer:       telemetry.New("agentblob/runtime"),
		basePrompt:    cfg.BasePrompt,
		prompts:       cfg.Prompts,
		recentWindow:  cfg.RecentWindow,
		relatedWindow: cfg.RelatedWindow,
		toolTimeout:   cfg.ToolTimeout,
		maxRounds:     cfg.MaxRounds,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Execute drives run from admission to a terminal state, implementing the
// algorithm of spec §4.4. It emits run.input on entry and exactly one
// run.final on exit (§8 invariant 1).
func (e *Executor) Execute(parent context.Context, run *models.Run) (models.RunState, error) {
	ctx, cancel := context.WithCancel(parent)
	ctx, span := e.tracer.StartRun(ctx, run.RunID, string(run.Kind), run.Origin)
	e.mu.Lock()
	e.cancels[run.RunID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.RunID)
		e.mu.Unlock()
		cancel()
		span.End()
	}()

	e.setState(run, models.RunStateRunning, "")
	e.appendEvent(run, models.EventRunInput, models.RunInputPayload{
		Origin: run.Origin, Kind: run.Kind, InputText: run.InputText, Attachments: run.Attachments,
	})
	if e.auditLog != nil {
		e.auditLog.LogRunLifecycle(ctx, audit.EventRunStarted, run.RunID, run.Origin, string(run.Kind))
	}

	state, final := e.runLoop(ctx, run)
	if final.Error != "" {
		telemetry.RecordError(span, fmt.Errorf("%s: %s", final.ErrorKind, final.Error))
	}

	e.setState(run, state, final.StopReason)
	e.appendEvent(run, models.EventRunFinal, final)
	if e.auditLog != nil {
		e.auditLog.LogRunLifecycle(context.WithoutCancel(ctx), audit.EventRunFinished, run.RunID, run.Origin, string(state))
	}

	if state == models.RunStateDone && e.memory != nil {
		if _, err := e.memory.Ingest(context.Background(), run.RunID, extractFacts(run.InputText, final.AssistantText)); err != nil {
			e.logger.Warn("memory ingest failed", "run_id", run.RunID, "error", err)
		}
	}

	return state, nil
}

// Stop requests cooperative cancellation of a running run (spec §4.4
// cancellation): it transitions the run to stopping, then cancels the
// run's context, which unwinds any in-flight provider stream or tool
// call, and denies any permission request the run is currently
// suspended on. Stop is idempotent: only the run's own in-flight
// runLoop performs steps (a)-(d); a second Stop call for a run that has
// already gone terminal finds no entry in e.cancels and is a no-op.
func (e *Executor) Stop(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.emitStopping(runID)
	cancel()
	if e.broker != nil {
		e.broker.Cancel(runID)
	}
	return true
}

// emitStopping appends run.status=stopping ahead of the cancellation
// steps spec §4.4 requires stop(run_id) to perform. Unlike appendEvent,
// it has no live *models.Run to update (Stop is keyed by run_id alone),
// so it writes the event straight through the log/sink without
// touching run.LastEventSeq.
func (e *Executor) emitStopping(runID string) {
	ev := models.NewEvent(0, runID, models.EventRunStatus, time.Now(), models.RunStatusPayload{State: models.RunStateStopping, Reason: "stopping"})
	if e.log != nil {
		seq, err := e.log.Append(ev)
		if err != nil {
			e.logger.Error("event log append failed", "run_id", runID, "type", models.EventRunStatus, "error", err)
		} else {
			ev.Seq = seq
		}
	}
	e.sink.Publish(ev)
}

// runLoop is the streaming/tool-dispatch loop: steps 2-4 of spec §4.4's
// algorithm, looping back to (2) after each tool result until the
// provider signals Done with no further tool call, the run is cancelled,
// or MaxRounds is exceeded.
func (e *Executor) runLoop(ctx context.Context, run *models.Run) (models.RunState, models.RunFinalPayload) {
	req, err := e.buildContextPacket(ctx, run)
	if err != nil {
		return models.RunStateFailed, failPayload(errs.KindProtocol, err)
	}

	var assistantText strings.Builder
	var usage *models.Usage

	for round := 0; round < e.maxRounds; round++ {
		select {
		case <-ctx.Done():
			return models.RunStateStopped, models.RunFinalPayload{State: models.RunStateStopped, StopReason: "cancelled", AssistantText: assistantText.String()}
		default:
		}

		chunks, err := e.provider.Complete(ctx, req)
		if err != nil {
			return models.RunStateFailed, failPayload(errs.KindProvider, err)
		}

		var pendingToolCall *models.ToolCall
		for chunk := range chunks {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					return models.RunStateStopped, models.RunFinalPayload{State: models.RunStateStopped, StopReason: "cancelled", AssistantText: assistantText.String()}
				}
				return models.RunStateFailed, failPayload(errs.KindProvider, chunk.Err)
			}
			if chunk.TextDelta != "" {
				assistantText.WriteString(chunk.TextDelta)
				e.appendEvent(run, models.EventToken, models.TokenPayload{Text: chunk.TextDelta})
			}
			if chunk.ToolCall != nil {
				pendingToolCall = chunk.ToolCall
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				break
			}
		}

		if pendingToolCall == nil {
			return models.RunStateDone, models.RunFinalPayload{
				State: models.RunStateDone, Usage: usage, AssistantText: assistantText.String(),
			}
		}

		result, state, final, ok := e.dispatchToolCall(ctx, run, *pendingToolCall, assistantText.String())
		if !ok {
			return state, final
		}

		req.Messages = append(req.Messages,
			CompletionMessage{Role: "assistant", Content: assistantText.String(), ToolCalls: []models.ToolCall{*pendingToolCall}},
			CompletionMessage{Role: "tool", ToolResults: []models.ToolResult{result}},
		)
		assistantText.Reset()
	}

	return models.RunStateFailed, failPayload(errs.KindResourceExhausted, fmt.Errorf("exceeded max tool-call rounds (%d)", e.maxRounds))
}

// dispatchToolCall implements spec §4.4 step 3's tool-call branch: flush
// assistant text (handled by the caller via the accumulated string),
// check policy, suspend on ask, execute on allow with a per-call timeout,
// and emit tool.call/tool.result around the invocation.
//
// ok is false when the run should terminate immediately (denied, stopped
// while waiting, or execution failed); state/final are then the values
// Execute should return.
func (e *Executor) dispatchToolCall(ctx context.Context, run *models.Run, call models.ToolCall, assistantText string) (models.ToolResult, models.RunState, models.RunFinalPayload, bool) {
	ctx, span := e.tracer.StartToolCall(ctx, run.RunID, call.Name, call.ID)
	defer span.End()

	tool, found := e.registry.Get(call.Name)
	if !found {
		return models.ToolResult{}, models.RunStateFailed, failPayload(errs.KindTool, fmt.Errorf("unknown tool %q", call.Name)), false
	}

	capability := tool.Capability(call.Input)
	argString := tool.ArgString(call.Input)

	decision, permReq, wait := e.broker.DispatchCheck(ctx, policy.CheckWaitParams{
		RunID: run.RunID, Origin: run.Origin, Capability: capability,
		ToolName: call.Name, ToolCallID: call.ID, Preview: argString, ArgString: argString,
	})

	if decision == models.DecisionAsk {
		e.setState(run, models.RunStateWaitingPermission, "")
		e.appendEvent(run, models.EventPermissionRequest, models.PermissionRequestPayload{
			PermID: permReq.PermID, Capability: permReq.Capability, ToolName: call.Name, Preview: argString,
		})

		select {
		case decided := <-wait:
			decision = decided
			e.appendEvent(run, models.EventPermissionResp, models.PermissionResponsePayload{
				PermID: permReq.PermID, Decision: decision,
			})
			e.setState(run, models.RunStateRunning, "")
		case <-ctx.Done():
			return models.ToolResult{}, models.RunStateStopped,
				models.RunFinalPayload{State: models.RunStateStopped, StopReason: "cancelled", AssistantText: assistantText}, false
		}
	}

	if decision == models.DecisionDeny {
		if e.auditLog != nil {
			e.auditLog.LogToolDenied(ctx, run.RunID, call.Name, "policy denied")
		}
		return models.ToolResult{ToolCallID: call.ID, IsError: true, Output: jsonString("denied by policy")}, "", models.RunFinalPayload{}, true
	}

	e.appendEvent(run, models.EventToolCall, models.ToolCallPayload{
		ToolCallID: call.ID, ToolName: call.Name, Capability: capability, Input: call.Input,
	})
	if e.auditLog != nil {
		e.auditLog.LogToolInvocation(ctx, run.RunID, call.Name, call.ID, call.Input)
	}

	callCtx, cancel := context.WithTimeout(models.WithRunID(ctx, run.RunID), e.toolTimeout)
	start := time.Now()
	result, err := tool.Execute(callCtx, call.Input)
	cancel()
	duration := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
		result = models.ToolResult{ToolCallID: call.ID, IsError: true, Output: jsonString(err.Error())}
	}
	result.ToolCallID = call.ID

	e.appendEvent(run, models.EventToolResult, models.ToolResultPayload{
		ToolCallID: call.ID, ToolName: call.Name, Output: result.Output, IsError: result.IsError, DurationMS: duration.Milliseconds(),
	})
	if e.auditLog != nil {
		e.auditLog.LogToolCompletion(ctx, run.RunID, call.Name, call.ID, !result.IsError, duration)
	}

	return result, "", models.RunFinalPayload{}, true
}

func (e *Executor) setState(run *models.Run, state models.RunState, reason string) {
	run.State = state
	run.UpdatedAt = time.Now()
	e.appendEvent(run, models.EventRunStatus, models.RunStatusPayload{State: state, Reason: reason})
}

func (e *Executor) appendEvent(run *models.Run, typ models.EventType, payload any) {
	ev := models.NewEvent(0, run.RunID, typ, time.Now(), payload)
	if e.log != nil {
		seq, err := e.log.Append(ev)
		if err != nil {
			e.logger.Error("event log append failed", "run_id", run.RunID, "type", typ, "error", err)
		} else {
			ev.Seq = seq
			run.LastEventSeq = seq
		}
	}
	e.sink.Publish(ev)
}

func failPayload(kind errs.Kind, err error) models.RunFinalPayload {
	return models.RunFinalPayload{State: models.RunStateFailed, Error: err.Error(), ErrorKind: string(kind)}
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// extractFacts is a minimal stand-in for the LLM-based extractor spec
// §4.2 calls for ("extracts durable facts via the LLM extractor"); a real
// extractor is itself an LLM call and is out of scope here, so this just
// proposes the assistant's final answer as a single low-importance
// candidate, letting consolidation's importance_min floor do its job.
func extractFacts(input, output string) []memory.ExtractedFact {
	if strings.TrimSpace(output) == "" {
		return nil
	}
	return []memory.ExtractedFact{{Text: output, Importance: 0.15}}
}
