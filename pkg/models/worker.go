package models

// ResultEnvelope is the standard payload carried by a worker's run.final
// event and handed back to the parent run as a tool result.
type ResultEnvelope struct {
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Worker is a child run delegated by a parent run via the delegate
// pseudo-tool. Depth is capped at the worker manager's MaxDepth (D_max); a
// delegation past the cap fails with a ResourceExhausted error rather than
// spawning.
type Worker struct {
	WorkerID      string          `json:"worker_id"` // == child run_id
	ParentRunID   string          `json:"parent_run_id"`
	Role          string          `json:"role"`
	Depth         int             `json:"depth"`
	State         RunState        `json:"state"`
	ResultEnvelope *ResultEnvelope `json:"result_envelope,omitempty"`
}
