package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Admitter is the seam into the run executor: Admit starts a new run for
// a firing schedule, RunState reports whether a previously admitted run
// is still non-terminal (used for the schedule-lock skip check).
type Admitter interface {
	Admit(ctx context.Context, origin string, kind models.RunKind, inputText string) (*models.Run, error)
	RunState(runID string) (state models.RunState, ok bool)
}

// entry pairs a schedule with the mutex that serializes its own ticks —
// spec §4.5 step 1, "acquire the schedule's lock".
type entry struct {
	mu       sync.Mutex
	schedule models.Schedule
}

// Scheduler evaluates the persisted schedule set once per tick and admits
// a run for everything due, advancing NextRunAt under the skip policy.
// Grounded on the teacher's internal/cron.Scheduler (mutex-guarded job
// slice, injectable clock, tick-driven background loop), adapted from
// config-defined jobs firing arbitrary handlers to persisted schedules
// that all funnel through one Admitter.
type Scheduler struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // insertion order, for stable ListSchedules output
	admitter Admitter
	store    *Store
	logger   *slog.Logger
	now      func() time.Time

	tickInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	started      bool
}

// SetAdmitter binds the run source. Split from New for the same
// construction-order reason as gateway.Server.SetExecutor: the usual
// Admitter (the gateway server) needs the scheduler to exist first, so
// callers build the Scheduler with admitter nil-able and bind it here
// before Load/Start run.
func (s *Scheduler) SetAdmitter(admitter Admitter) {
	s.admitter = admitter
}

// New constructs a Scheduler. Call Load before Start to restore any
// persisted schedule set.
func New(admitter Admitter, store *Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		entries:      make(map[string]*entry),
		admitter:     admitter,
		store:        store,
		logger:       logger.With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
	}
}

// Load restores the persisted schedule set and, per spec §4.5 ("on
// process restart, schedules whose next_run_at is in the past are
// advanced under the skip policy before any tick runs"), advances any
// overdue schedule before the tick loop starts so a long downtime does
// not fire a burst on the first tick.
func (s *Scheduler) Load(ctx context.Context) error {
	schedules, err := s.store.Load()
	if err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range schedules {
		for sched.Enabled && !sched.NextRunAt.After(now) {
			next, err := Advance(sched, sched.NextRunAt)
			if err != nil {
				s.logger.Warn("schedule catch-up advance failed", "schedule_id", sched.ScheduleID, "error", err)
				break
			}
			sched.NextRunAt = next
		}
		s.entries[sched.ScheduleID] = &entry{schedule: sched}
		s.order = append(s.order, sched.ScheduleID)
	}
	return nil
}

// Start begins the tick loop in the background until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// Tick evaluates every enabled schedule once; schedules due (NextRunAt <=
// now) are admitted, or skipped-and-counted if their previous run has not
// reached a terminal state. Returns the number of runs admitted this
// tick, mainly for tests.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := s.now()
	admitted := 0
	for _, e := range entries {
		if s.fireOne(ctx, e, now) {
			admitted++
		}
	}
	if admitted > 0 {
		s.persist()
	}
	return admitted
}

func (s *Scheduler) fireOne(ctx context.Context, e *entry, now time.Time) bool {
	if !e.mu.TryLock() {
		// Another goroutine (Update, Get or a snapshot) holds this entry's
		// lock; this tick simply skips it, the next tick will retry.
		return false
	}
	defer e.mu.Unlock()

	if !e.schedule.Enabled || e.schedule.NextRunAt.After(now) {
		return false
	}

	if e.schedule.LastRunID != "" {
		if state, ok := s.admitter.RunState(e.schedule.LastRunID); ok && !state.IsTerminal() {
			e.schedule.Missed++
			s.logger.Warn("schedule skipped: previous run still active", "schedule_id", e.schedule.ScheduleID, "run_id", e.schedule.LastRunID)
			return false
		}
	}

	origin := fmt.Sprintf("scheduler:%s", e.schedule.ScheduleID)
	run, err := s.admitter.Admit(ctx, origin, models.RunKindScheduled, e.schedule.Prompt)
	if err != nil {
		s.logger.Error("schedule admit failed", "schedule_id", e.schedule.ScheduleID, "error", err)
		return false
	}

	e.schedule.LastRunID = run.RunID
	e.schedule.LastRunAt = now

	next, err := Advance(e.schedule, e.schedule.NextRunAt)
	if err != nil {
		s.logger.Error("schedule advance failed after fire", "schedule_id", e.schedule.ScheduleID, "error", err)
		return true
	}
	// Skip policy: jump forward past any boundary already in the past
	// rather than queuing a burst of immediate re-fires.
	for !next.After(now) {
		advanced, err := Advance(e.schedule, next)
		if err != nil {
			break
		}
		next = advanced
	}
	e.schedule.NextRunAt = next
	return true
}

func (s *Scheduler) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.snapshot()); err != nil {
		s.logger.Error("schedule snapshot save failed", "error", err)
	}
}

func (s *Scheduler) snapshot() []models.Schedule {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	out := make([]models.Schedule, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		e, ok := s.entries[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		out = append(out, e.schedule)
		e.mu.Unlock()
	}
	return out
}

// List returns a snapshot of all schedules in creation order.
func (s *Scheduler) List() []models.Schedule {
	return s.snapshot()
}

// Create registers a new schedule, computing its first NextRunAt from
// now, and persists the updated set.
func (s *Scheduler) Create(sched models.Schedule) (models.Schedule, error) {
	if err := Validate(sched); err != nil {
		return models.Schedule{}, err
	}
	if sched.ScheduleID == "" {
		return models.Schedule{}, fmt.Errorf("scheduler: schedule_id required")
	}

	s.mu.Lock()
	if _, exists := s.entries[sched.ScheduleID]; exists {
		s.mu.Unlock()
		return models.Schedule{}, fmt.Errorf("scheduler: schedule %q already exists", sched.ScheduleID)
	}
	s.mu.Unlock()

	if sched.NextRunAt.IsZero() {
		next, err := Advance(sched, s.now())
		if err != nil {
			return models.Schedule{}, err
		}
		sched.NextRunAt = next
	}

	s.mu.Lock()
	s.entries[sched.ScheduleID] = &entry{schedule: sched}
	s.order = append(s.order, sched.ScheduleID)
	s.mu.Unlock()

	s.persist()
	return sched, nil
}

// Update replaces the mutable fields of an existing schedule (prompt,
// enabled, spec, timezone); NextRunAt is recomputed from now if the
// cadence changed.
func (s *Scheduler) Update(sched models.Schedule) (models.Schedule, error) {
	if err := Validate(sched); err != nil {
		return models.Schedule{}, err
	}

	s.mu.RLock()
	e, ok := s.entries[sched.ScheduleID]
	s.mu.RUnlock()
	if !ok {
		return models.Schedule{}, fmt.Errorf("scheduler: schedule %q not found", sched.ScheduleID)
	}

	e.mu.Lock()
	cadenceChanged := e.schedule.Kind != sched.Kind || e.schedule.Spec != sched.Spec || e.schedule.Timezone != sched.Timezone
	sched.LastRunID = e.schedule.LastRunID
	sched.LastRunAt = e.schedule.LastRunAt
	sched.Missed = e.schedule.Missed
	sched.NextRunAt = e.schedule.NextRunAt
	if cadenceChanged {
		next, err := Advance(sched, s.now())
		if err != nil {
			e.mu.Unlock()
			return models.Schedule{}, err
		}
		sched.NextRunAt = next
	}
	e.schedule = sched
	e.mu.Unlock()

	s.persist()
	return sched, nil
}

// Delete removes a schedule by id.
func (s *Scheduler) Delete(scheduleID string) error {
	s.mu.Lock()
	if _, ok := s.entries[scheduleID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: schedule %q not found", scheduleID)
	}
	delete(s.entries, scheduleID)
	for i, id := range s.order {
		if id == scheduleID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.persist()
	return nil
}

// Get returns one schedule by id.
func (s *Scheduler) Get(scheduleID string) (models.Schedule, bool) {
	s.mu.RLock()
	e, ok := s.entries[scheduleID]
	s.mu.RUnlock()
	if !ok {
		return models.Schedule{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schedule, true
}
