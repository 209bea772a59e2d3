package main

import (
	"context"

	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/internal/runtime"
)

// unconfiguredProvider is the default runtime.LLMProvider wired by "serve"
// when no real model backend is plugged in. The concrete provider
// (Anthropic, OpenAI, a local model server) is out of this project's
// scope (spec §1) — only the interface is — so this stands in long
// enough for every other component (gateway, policy, scheduler, memory)
// to come up and be exercised, failing each run with a ProviderError
// instead of leaving "serve" unable to start at all.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Name() string { return "unconfigured" }

func (unconfiguredProvider) Complete(ctx context.Context, req runtime.CompletionRequest) (<-chan runtime.CompletionChunk, error) {
	ch := make(chan runtime.CompletionChunk, 1)
	ch <- runtime.CompletionChunk{
		Done: true,
		Err:  errs.New(errs.KindProvider, "no LLM provider configured"),
	}
	close(ch)
	return ch, nil
}
