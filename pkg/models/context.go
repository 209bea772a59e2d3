package models

import "context"

type runIDKey struct{}

// WithRunID stamps runID onto ctx so a tool invoked deep inside the
// executor's call stack (e.g. the delegate pseudo-tool) can identify
// which run it is acting on behalf of without the Tool interface itself
// needing a run-aware signature.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stamped by WithRunID, if any.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}
