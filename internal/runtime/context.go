package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// PromptConfig controls which ambient sections are assembled into the
// system prompt (spec §6 prompts option group).
type PromptConfig struct {
	IncludeMemory     bool
	IncludeSkills     bool
	IncludeTools      bool
	ExtraInstructions string
	Skills            string // pre-rendered skill text, capped by config.Skills.MaxChars upstream
}

// buildContextPacket assembles spec §4.4 step 1: system prompt + skills +
// memory packet (from C2) + recent-turn context derived from the event
// log + the run's input.
func (e *Executor) buildContextPacket(ctx context.Context, run *models.Run) (CompletionRequest, error) {
	// Scan a window deep enough to cover both the recent-turn cutoff and
	// the related-turns candidate pool behind it, then split the two:
	// the most recent e.recentWindow pairs go verbatim into the prompt,
	// the older pairs behind them are ranked by similarity to the run's
	// input and bounded to e.relatedWindow (spec §4.2 build_packet).
	pool, err := e.recentTurns(run.Origin, e.recentWindow+relatedScanDepth(e.relatedWindow))
	if err != nil {
		return CompletionRequest{}, fmt.Errorf("runtime: recent turns: %w", err)
	}

	recentTurns := pool
	var older []models.TurnPair
	if len(pool) > e.recentWindow {
		older = pool[:len(pool)-e.recentWindow]
		recentTurns = pool[len(pool)-e.recentWindow:]
	}

	var relatedTurns []models.TurnPair
	if e.memory != nil && e.relatedWindow > 0 && len(older) > 0 {
		relatedTurns, err = e.memory.RelatedTurns(ctx, run.InputText, older, e.relatedWindow)
		if err != nil {
			return CompletionRequest{}, fmt.Errorf("runtime: related turns: %w", err)
		}
	}

	var packet models.MemoryPacket
	if e.memory != nil {
		packet, err = e.memory.BuildPacket(ctx, run.InputText, recentTurns, relatedTurns)
		if err != nil {
			return CompletionRequest{}, fmt.Errorf("runtime: build_packet: %w", err)
		}
	}

	system := e.assembleSystemPrompt(packet)

	messages := make([]CompletionMessage, 0, len(recentTurns)*2+1)
	for _, t := range recentTurns {
		messages = append(messages, CompletionMessage{Role: "user", Content: t.Input})
		messages = append(messages, CompletionMessage{Role: "assistant", Content: t.Output})
	}
	messages = append(messages, CompletionMessage{Role: "user", Content: run.InputText})

	return CompletionRequest{
		System:   system,
		Messages: messages,
		Tools:    e.registry.Schemas(),
	}, nil
}

func (e *Executor) assembleSystemPrompt(packet models.MemoryPacket) string {
	var b strings.Builder
	b.WriteString(e.basePrompt)

	if e.prompts.IncludeSkills && e.prompts.Skills != "" {
		b.WriteString("\n\n## Skills\n")
		b.WriteString(e.prompts.Skills)
	}

	if e.prompts.IncludeMemory && (len(packet.Pinned) > 0 || len(packet.TopK) > 0) {
		b.WriteString("\n\n## Memory\n")
		for _, item := range packet.Pinned {
			fmt.Fprintf(&b, "- (pinned) %s\n", item.Text)
		}
		for _, scored := range packet.TopK {
			fmt.Fprintf(&b, "- %s\n", scored.Item.Text)
		}
	}

	if e.prompts.IncludeTools {
		b.WriteString("\n\n## Tools\nTool calls are policy-gated; a call may pause this run pending approval.")
	}

	if e.prompts.ExtraInstructions != "" {
		b.WriteString("\n\n")
		b.WriteString(e.prompts.ExtraInstructions)
	}

	return b.String()
}

// relatedScanDepth bounds how far back of the recent-turn cutoff the
// related-turns similarity scan looks: a fixed multiple of the limit,
// capped so a long-lived session's event log never turns build_packet
// into an unbounded scan.
const maxRelatedScanDepth = 200

func relatedScanDepth(limit int) int {
	if limit <= 0 {
		return 0
	}
	depth := limit * 8
	if depth > maxRelatedScanDepth {
		depth = maxRelatedScanDepth
	}
	return depth
}

// recentTurns derives the last n (input, output) pairs for this origin by
// scanning the event log backwards — run.input paired with the
// assistant_text of the following run.final for the same run_id,
// restricted to runs whose Origin matches.
func (e *Executor) recentTurns(origin string, n int) ([]models.TurnPair, error) {
	if e.log == nil || n <= 0 {
		return nil, nil
	}
	events, err := e.log.ScanAll(0, nil)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]models.RunInputPayload)
	var order []string
	for _, ev := range events {
		switch ev.Type {
		case models.EventRunInput:
			var p models.RunInputPayload
			if err := ev.Decode(&p); err == nil && p.Origin == origin {
				if _, seen := inputs[ev.RunID]; !seen {
					order = append(order, ev.RunID)
				}
				inputs[ev.RunID] = p
			}
		}
	}

	finals := make(map[string]models.RunFinalPayload)
	for _, ev := range events {
		if ev.Type != models.EventRunFinal {
			continue
		}
		if _, ok := inputs[ev.RunID]; !ok {
			continue
		}
		var p models.RunFinalPayload
		if err := ev.Decode(&p); err == nil {
			finals[ev.RunID] = p
		}
	}

	var pairs []models.TurnPair
	for _, runID := range order {
		final, ok := finals[runID]
		if !ok || final.State != models.RunStateDone {
			continue
		}
		pairs = append(pairs, models.TurnPair{
			RunID:  runID,
			Input:  inputs[runID].InputText,
			Output: final.AssistantText,
		})
	}

	if len(pairs) > n {
		pairs = pairs[len(pairs)-n:]
	}
	return pairs, nil
}

// filterByRunIDs restricts a Scan to a small set of runs when the
// executor only needs to replay one run's own history (e.g. on resume
// after a restart).
func filterByRunIDs(ids map[string]struct{}) eventlog.Filter {
	return func(ev models.Event) bool {
		_, ok := ids[ev.RunID]
		return ok
	}
}
