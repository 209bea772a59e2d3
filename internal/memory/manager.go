package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/memory/embeddings"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// EventSink is implemented by whatever fans memory.* events out to live
// client sessions (the gateway, in production). Mirrors runtime.EventSink
// so both C2 and C4 publish through the same seam without either package
// importing the other.
type EventSink interface {
	Publish(ev models.Event)
}

// noopSink discards events; used until a live gateway is bound via
// SetEventSink, or when the manager runs detached from one entirely.
type noopSink struct{}

func (noopSink) Publish(models.Event) {}

// Config configures the memory manager (spec §6 `memory` option group).
type Config struct {
	Dir              string
	ImportanceMin    float64
	SimThreshold     float64
	Retrieval        RetrievalConfig
	EmbeddingsBatch  int
	MaxInflightEmbed int64
}

// DefaultConfig mirrors internal/config's documented memory defaults.
func DefaultConfig() Config {
	return Config{
		ImportanceMin:    0.2,
		SimThreshold:     0.92,
		Retrieval:        DefaultRetrievalConfig(),
		EmbeddingsBatch:  16,
		MaxInflightEmbed: 4,
	}
}

// Manager implements C2: build_packet, ingest, search, list_recent,
// delete, pin, plus the background embedding-maintenance loop.
type Manager struct {
	store    *Store
	embedder embeddings.Provider
	log      *eventlog.Log
	sink     EventSink
	config   Config
	logger   *slog.Logger

	mu sync.Mutex // serializes writes (insert/consolidate/delete); reads are concurrent (spec §4.5)
}

// NewManager wires a Store and embeddings.Provider into a Manager. embedder
// may be nil, in which case items are retrievable by BM25 only. log may be
// nil, in which case memory.* events are never durably recorded (used by
// tests that don't exercise C1). The live-fanout sink is bound later via
// SetEventSink, since the usual sink (the gateway server) is constructed
// after the memory manager — the same construction-order split used for
// runtime.Executor/gateway.Server.
func NewManager(store *Store, embedder embeddings.Provider, log *eventlog.Log, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval = DefaultRetrievalConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		log:      log,
		sink:     noopSink{},
		config:   cfg,
		logger:   logger.With("component", "memory"),
	}
}

// SetEventSink binds the live fanout target for memory.* events.
func (m *Manager) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = noopSink{}
	}
	m.sink = sink
}

// appendEvent durably records a memory.* event (if a log is bound) and
// fans it out live (if a sink is bound). Memory mutations aren't scoped
// to any one run, so events carry an empty RunID — the gateway broadcasts
// them to every connected session rather than routing by run.
func (m *Manager) appendEvent(typ models.EventType, itemID, text string) {
	ev := models.NewEvent(0, "", typ, time.Now(), models.MemoryEventPayload{ItemID: itemID, Text: text})
	if m.log != nil {
		seq, err := m.log.Append(ev)
		if err != nil {
			m.logger.Error("event log append failed", "type", typ, "item_id", itemID, "error", err)
		} else {
			ev.Seq = seq
		}
	}
	m.sink.Publish(ev)
}

// BuildPacket assembles the bounded context packet for a run: pinned
// items, the last recentWindow turn pairs for this origin, related turns
// by similarity, and the top-K long-term hits for the query text.
//
// recentTurns and relatedTurns are supplied by the caller (the run
// executor, which derives them from the event log) since the memory
// service itself has no event-log access — keeping C2 a pure store/
// retrieval component per spec §4.2.
func (m *Manager) BuildPacket(ctx context.Context, query string, recentTurns, relatedTurns []models.TurnPair) (models.MemoryPacket, error) {
	pinned, err := m.store.Pinned(ctx)
	if err != nil {
		return models.MemoryPacket{}, fmt.Errorf("memory: build_packet: pinned: %w", err)
	}
	topK, err := m.search(ctx, query, m.config.Retrieval, time.Now())
	if err != nil {
		return models.MemoryPacket{}, fmt.Errorf("memory: build_packet: search: %w", err)
	}
	return models.MemoryPacket{
		Pinned:       pinned,
		RecentTurns:  recentTurns,
		RelatedTurns: relatedTurns,
		TopK:         topK,
	}, nil
}

// Search runs hybrid retrieval for an explicit `memory.search` call.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]models.ScoredItem, error) {
	cfg := m.config.Retrieval
	if limit > 0 {
		cfg.TopK = limit
	}
	return m.search(ctx, query, cfg, time.Now())
}

// ListRecent returns the most recently touched items.
func (m *Manager) ListRecent(ctx context.Context, limit int) ([]models.MemoryItem, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.store.ListRecent(ctx, limit)
}

// Delete removes an item. The tool layer, not this method, enforces that
// deletion only happens in response to an explicit user instruction
// (spec §4.2 Invariants) — the store itself has no notion of "who asked".
func (m *Manager) Delete(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, itemID); err != nil {
		return err
	}
	m.appendEvent(models.EventMemoryRemoved, itemID, "")
	return nil
}

// Pin inserts or touches a pinned fact. Calling Pin twice with identical
// text is idempotent: the existing item's last_seen_at is bumped rather
// than a duplicate being created (the normalized-hash dedup path in
// consolidate handles this).
func (m *Manager) Pin(ctx context.Context, text string) (models.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var embedding []float32
	if m.embedder != nil {
		if e, err := m.embedder.Embed(ctx, text); err == nil {
			embedding = e
		}
	}
	itemID, _, err := m.consolidate(ctx, candidate{
		Text:       text,
		Importance: 1.0,
		Embedding:  embedding,
		Pinned:     true,
	}, now)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("memory: pin: %w", err)
	}
	item, _, err := m.store.Get(ctx, itemID)
	return item, err
}

// Ingest extracts durable facts from a completed run's input/output and
// consolidates them into the item store. extractedFacts is produced by
// the caller's LLM-based extractor (out of scope for the memory service
// itself, per spec §4.2's "extracts durable facts via the LLM extractor"
// — the extractor lives in the run executor, this is the consolidation
// sink it feeds).
func (m *Manager) Ingest(ctx context.Context, runID string, extractedFacts []ExtractedFact) ([]string, error) {
	if len(extractedFacts) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var ids []string
	for _, f := range extractedFacts {
		var embedding []float32
		if m.embedder != nil {
			if e, err := m.embedder.Embed(ctx, f.Text); err == nil {
				embedding = e
			}
		}
		itemID, _, err := m.consolidate(ctx, candidate{
			Text:         f.Text,
			Importance:   f.Importance,
			Embedding:    embedding,
			Provenance:   []string{runID},
			SourceRunIDs: []string{runID},
		}, now)
		if err != nil {
			return ids, fmt.Errorf("memory: ingest: %w", err)
		}
		if itemID != "" {
			ids = append(ids, itemID)
		}
	}
	return ids, nil
}

// ExtractedFact is one candidate durable fact proposed by the run
// executor's extractor after a run reaches done.
type ExtractedFact struct {
	Text       string
	Importance float64
}

// MaintainEmbeddings runs one pass of the embedding-maintenance loop: it
// batches items missing an embedding (batch size B from config) and
// embeds them, retrying failures with exponential backoff but never
// blocking retrieval — items without embeddings simply continue to
// participate only in BM25 recall until a later pass succeeds (spec
// §4.2 Embedding maintenance).
func (m *Manager) MaintainEmbeddings(ctx context.Context) (embedded int, err error) {
	if m.embedder == nil {
		return 0, nil
	}
	batchSize := m.config.EmbeddingsBatch
	if batchSize <= 0 {
		batchSize = 16
	}
	items, err := m.store.MissingEmbeddings(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("memory: maintain_embeddings: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	maxInflight := m.config.MaxInflightEmbed
	if maxInflight <= 0 {
		maxInflight = 4
	}
	sem := semaphore.NewWeighted(maxInflight)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			embedding, embedErr := m.embedWithBackoff(ctx, item.Text)
			if embedErr != nil {
				m.logger.Warn("embedding failed, will retry next pass", "item_id", item.ItemID, "error", embedErr)
				return
			}
			if setErr := m.store.SetEmbedding(ctx, item.ItemID, embedding); setErr != nil {
				m.logger.Warn("failed to persist embedding", "item_id", item.ItemID, "error", setErr)
				return
			}
			mu.Lock()
			embedded++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return embedded, nil
}

const maxEmbedRetries = 3

func (m *Manager) embedWithBackoff(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxEmbedRetries; attempt++ {
		embedding, err := m.embedder.Embed(ctx, text)
		if err == nil {
			return embedding, nil
		}
		lastErr = err
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
