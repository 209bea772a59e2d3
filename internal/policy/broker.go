package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/audit"
	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// pending tracks one in-flight permission request: the record plus the
// channel the run executor blocks on until Respond (or expiry) resolves it.
type pending struct {
	req    models.PermissionRequest
	result chan models.Decision
	once   sync.Once
}

// Broker implements C3: check/request/respond/pending_for, the ask-flow
// suspend/resume handshake, and idempotent, at-most-once resolution of
// each permission request.
type Broker struct {
	mu      sync.Mutex
	table   Table
	pending map[string]*pending // perm_id -> pending
	byRun   map[string]string   // run_id -> perm_id (a run has at most one open request)
	byChan  map[string][]string // origin channel -> perm_ids pending on it

	store  Store
	logger *audit.Logger
}

// NewBroker constructs a Broker from a policy Table. store may be nil, in
// which case no durable record of requests is kept beyond the in-memory
// pending map. logger may also be nil.
func NewBroker(table Table, store Store, logger *audit.Logger) *Broker {
	return &Broker{
		table:   table,
		pending: make(map[string]*pending),
		byRun:   make(map[string]string),
		byChan:  make(map[string][]string),
		store:   store,
		logger:  logger,
	}
}

func (b *Broker) record(req models.PermissionRequest) {
	if b.store == nil {
		return
	}
	_ = b.store.Put(context.Background(), req)
}

// SetTable swaps in a new policy table, copy-on-reload: in-flight checks
// using the old table finish against a consistent snapshot; this call
// takes effect for the next Check.
func (b *Broker) SetTable(table Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table = table
}

// Check evaluates a capability against the current policy table, applying
// the fixed shell-write reclassification first when relevant.
func (b *Broker) Check(capability, argString string) models.Decision {
	capability = ReclassifyShellCapability(capability, argString)
	b.mu.Lock()
	table := b.table
	b.mu.Unlock()
	return table.Check(CheckRequest{Capability: capability, ArgString: argString})
}

// Request creates a pending permission request for an `ask` decision,
// emits permission.request on the run's origin channel (via the caller,
// which owns the event log / gateway fanout), and returns a perm_id plus
// a channel that resolves once Respond is called or the request expires.
func (b *Broker) Request(runID, origin, capability, toolName, toolCallID, preview string) (perm models.PermissionRequest, wait <-chan models.Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	maxAge := b.table.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	req := models.PermissionRequest{
		PermID:     uuid.NewString(),
		RunID:      runID,
		Capability: capability,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Preview:    preview,
		CreatedAt:  now,
		ExpiresAt:  now.Add(maxAge),
		State:      models.PermissionPending,
	}
	p := &pending{req: req, result: make(chan models.Decision, 1)}
	b.pending[req.PermID] = p
	b.byRun[runID] = req.PermID
	b.byChan[origin] = append(b.byChan[origin], req.PermID)
	b.record(req)

	if b.logger != nil {
		b.logger.LogPermission(context.Background(), audit.EventPermissionRequested, runID, req.PermID, capability)
	}
	return req, p.result
}

// Respond resolves a pending request. A second response for an
// already-resolved perm_id is silently dropped (idempotent per spec §4.3
// and the round-trip law in §8).
func (b *Broker) Respond(permID string, decision models.Decision, by string) error {
	b.mu.Lock()
	p, ok := b.pending[permID]
	if !ok {
		b.mu.Unlock()
		return errs.New(errs.KindStateConflict, "unknown permission request %s", permID)
	}
	b.mu.Unlock()

	resolved := false
	p.once.Do(func() {
		resolved = true
		b.mu.Lock()
		p.req.State = stateFor(decision)
		p.req.Decision = decision
		p.req.DecidedAt = time.Now()
		p.req.DecidedBy = by
		b.removeLocked(permID)
		resolvedReq := p.req
		b.mu.Unlock()
		b.record(resolvedReq)
		p.result <- decision
		close(p.result)
		if b.logger != nil {
			typ := audit.EventPermissionGranted
			if decision == models.DecisionDeny {
				typ = audit.EventPermissionDenied
			}
			b.logger.LogPermission(context.Background(), typ, p.req.RunID, permID, p.req.Capability)
		}
	})
	if !resolved {
		return nil // idempotent no-op
	}
	return nil
}

func stateFor(d models.Decision) models.PermissionState {
	if d == models.DecisionDeny {
		return models.PermissionDenied
	}
	return models.PermissionAllowed
}

// removeLocked deletes permID from b.pending and from the by-run and
// by-channel indices. Callers must hold b.mu.
func (b *Broker) removeLocked(permID string) {
	delete(b.pending, permID)
	for run, id := range b.byRun {
		if id == permID {
			delete(b.byRun, run)
		}
	}
	for ch, ids := range b.byChan {
		out := ids[:0]
		for _, id := range ids {
			if id != permID {
				out = append(out, id)
			}
		}
		b.byChan[ch] = out
	}
}

// PendingFor returns the open permission request for a run, if any.
func (b *Broker) PendingFor(runID string) (models.PermissionRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	permID, ok := b.byRun[runID]
	if !ok {
		return models.PermissionRequest{}, false
	}
	p, ok := b.pending[permID]
	if !ok {
		return models.PermissionRequest{}, false
	}
	return p.req, true
}

// PendingForChannel returns every still-pending request whose run
// originated on the given channel — used to re-emit requests when a
// channel reconnects after a disconnect.
func (b *Broker) PendingForChannel(channel string) []models.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.byChan[channel]
	out := make([]models.PermissionRequest, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.pending[id]; ok {
			out = append(out, p.req)
		}
	}
	return out
}

// ExpireStale resolves every pending request past its ExpiresAt as
// denied. It should be called periodically by the supervisor loop.
func (b *Broker) ExpireStale(now time.Time) []string {
	b.mu.Lock()
	var expired []*pending
	for _, p := range b.pending {
		if now.After(p.req.ExpiresAt) {
			expired = append(expired, p)
		}
	}
	b.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, p := range expired {
		p.once.Do(func() {
			b.mu.Lock()
			p.req.State = models.PermissionExpired
			p.req.Decision = models.DecisionDeny
			p.req.DecidedAt = now
			b.removeLocked(p.req.PermID)
			resolvedReq := p.req
			b.mu.Unlock()
			b.record(resolvedReq)
			p.result <- models.DecisionDeny
			close(p.result)
			if b.logger != nil {
				b.logger.LogPermission(context.Background(), audit.EventPermissionExpired, p.req.RunID, p.req.PermID, p.req.Capability)
			}
		})
		ids = append(ids, p.req.PermID)
	}
	return ids
}

// Cancel resolves a run's open permission request as denied without
// marking it expired — used when a run is stopped while waiting (spec
// §4.4 cancellation step (c)).
func (b *Broker) Cancel(runID string) {
	b.mu.Lock()
	permID, ok := b.byRun[runID]
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = b.Respond(permID, models.DecisionDeny, "run-stopped")
}

// CheckWaitParams bundles the arguments DispatchCheck needs so callers in
// the run executor don't have to re-derive them.
type CheckWaitParams struct {
	RunID      string
	Origin     string
	Capability string
	ToolName   string
	ToolCallID string
	Preview    string
	ArgString  string
}

// DispatchCheck runs Check and, on ask, immediately issues Request too —
// the combined operation the run executor actually needs at a tool-call
// boundary (spec §4.4 step 3 "tool call").
func (b *Broker) DispatchCheck(ctx context.Context, p CheckWaitParams) (models.Decision, *models.PermissionRequest, <-chan models.Decision) {
	decision := b.Check(p.Capability, p.ArgString)
	if decision != models.DecisionAsk {
		return decision, nil, nil
	}
	req, wait := b.Request(p.RunID, p.Origin, ReclassifyShellCapability(p.Capability, p.ArgString), p.ToolName, p.ToolCallID, p.Preview)
	return models.DecisionAsk, &req, wait
}
