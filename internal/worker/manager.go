// Package worker implements C5's delegation half: the delegate
// pseudo-tool the run executor exposes, depth-capped child runs, and a
// bounded-retention registry of recently-terminated workers for query.
// Grounded on the teacher's internal/multiagent (HandoffTool's
// pseudo-tool shape, MaxHandoffDepth loop guard), adapted from peer
// agent-to-agent handoff to strict parent/child delegation with an
// awaitable handle, since this spec's workers never hand control back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/internal/errs"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Executor is the seam back into C4: Delegate hands the manager a fully
// formed child Run and relies on Executor to drive it to a terminal
// state exactly like any other run.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) (models.RunState, error)
}

// Manager tracks delegated worker runs: their depth (for the D_max cap),
// their live state, and a bounded history of terminated workers for
// workers.list queries.
type Manager struct {
	mu       sync.Mutex
	workers  map[string]*models.Worker
	order    []string // terminal workers in termination order, oldest first
	maxDepth int
	retain   int

	log      *eventlog.Log
	executor Executor
	logger   *slog.Logger
}

// Config bounds delegation.
type Config struct {
	MaxDepth int // D_max, spec §4.5
	Retain   int // bounded count of recently-terminated workers kept for query
}

// DefaultConfig matches the teacher's MaxHandoffDepth default of 10.
func DefaultConfig() Config {
	return Config{MaxDepth: 10, Retain: 100}
}

// New constructs a Manager. log is used to recover a terminated worker's
// result envelope from its run.final event.
func New(executor Executor, log *eventlog.Log, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		workers:  make(map[string]*models.Worker),
		maxDepth: cfg.MaxDepth,
		retain:   cfg.Retain,
		log:      log,
		executor: executor,
		logger:   logger.With("component", "worker"),
	}
}

// depthOf returns the delegation depth of runID: 0 if runID is not
// itself a tracked worker (a top-level interactive or scheduled run),
// otherwise that worker's own depth.
func (m *Manager) depthOf(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[runID]; ok {
		return w.Depth
	}
	return 0
}

// Delegate creates and admits a child run of kind=worker under
// parentRunID. If await is true, Delegate blocks until the child reaches
// a terminal state and the returned Worker carries its ResultEnvelope;
// otherwise it returns immediately with the worker queued and the
// envelope is only available once the child terminates (query via Get).
func (m *Manager) Delegate(ctx context.Context, parentRunID, role, task string, await bool) (*models.Worker, error) {
	depth := m.depthOf(parentRunID) + 1
	if depth > m.maxDepth {
		return nil, errs.New(errs.KindResourceExhausted, "delegation depth %d exceeds maximum %d", depth, m.maxDepth)
	}

	childRunID := uuid.NewString()
	worker := &models.Worker{
		WorkerID:    childRunID,
		ParentRunID: parentRunID,
		Role:        role,
		Depth:       depth,
		State:       models.RunStateQueued,
	}

	m.mu.Lock()
	m.workers[childRunID] = worker
	m.mu.Unlock()

	run := &models.Run{
		RunID:     childRunID,
		Origin:    parentRunID,
		Kind:      models.RunKindWorker,
		InputText: task,
	}

	runFn := func() {
		state, err := m.executor.Execute(context.Background(), run)
		if err != nil {
			m.logger.Error("worker execute failed", "worker_id", childRunID, "error", err)
		}
		m.finish(childRunID, state)
	}

	if await {
		runFn()
		m.mu.Lock()
		result := *m.workers[childRunID]
		m.mu.Unlock()
		return &result, nil
	}

	go runFn()
	return worker, nil
}

// finish records a worker's terminal state, recovers its result envelope
// from the event log, and enrolls it in the bounded retention list.
func (m *Manager) finish(workerID string, state models.RunState) {
	envelope := m.recoverEnvelope(workerID, state)

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return
	}
	w.State = state
	w.ResultEnvelope = envelope
	m.order = append(m.order, workerID)
	for len(m.order) > m.retain {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.workers, evict)
	}
}

func (m *Manager) recoverEnvelope(workerID string, state models.RunState) *models.ResultEnvelope {
	if m.log == nil {
		return nil
	}
	events, err := m.log.ScanAll(0, func(ev models.Event) bool {
		return ev.RunID == workerID && ev.Type == models.EventRunFinal
	})
	if err != nil || len(events) == 0 {
		return &models.ResultEnvelope{Errors: []string{fmt.Sprintf("worker %s result unavailable", workerID)}}
	}
	var final models.RunFinalPayload
	if err := events[len(events)-1].Decode(&final); err != nil {
		return &models.ResultEnvelope{Errors: []string{err.Error()}}
	}
	if final.ResultEnv != nil {
		return final.ResultEnv
	}
	env := &models.ResultEnvelope{Summary: final.AssistantText}
	if final.Error != "" {
		env.Errors = []string{final.Error}
	}
	return env
}

// Get returns one worker record (live or retained) by id.
func (m *Manager) Get(workerID string) (models.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.Worker{}, false
	}
	return *w, true
}

// List returns a snapshot of all tracked workers (live and retained).
func (m *Manager) List() []models.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out
}
