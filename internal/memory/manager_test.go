package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimonBear03/agent-blob/internal/memory/embeddings"
	"github.com/SimonBear03/agent-blob/pkg/models"
)

// fakeSink records published events for assertions, standing in for the
// gateway without pulling that package (and its import of this one) into
// the test.
type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeSink) Publish(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) types() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.ImportanceMin = 0.1
	return NewManager(store, embeddings.NewLocal(32), nil, cfg, nil)
}

func TestPinIsIdempotentOnIdenticalText(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Pin(ctx, "Telegram client is an adapter frontend.")
	require.NoError(t, err)

	second, err := m.Pin(ctx, "Telegram client is an adapter frontend.")
	require.NoError(t, err)

	assert.Equal(t, first.ItemID, second.ItemID)

	recent, err := m.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestPinNormalizesBeforeDedup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Pin(ctx, "Telegram client is an adapter frontend.")
	require.NoError(t, err)
	second, err := m.Pin(ctx, "  telegram   client IS an adapter frontend  ")
	require.NoError(t, err)

	assert.Equal(t, first.ItemID, second.ItemID)
}

func TestIngestBelowImportanceMinIsDropped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ids, err := m.Ingest(ctx, "run-1", []ExtractedFact{{Text: "trivial aside", Importance: 0.0}})
	require.NoError(t, err)
	assert.Empty(t, ids)

	recent, err := m.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestIngestAboveImportanceMinIsStored(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ids, err := m.Ingest(ctx, "run-1", []ExtractedFact{{Text: "user prefers dark mode", Importance: 0.8}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	item, ok, err := m.store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, item.SourceRunIDs, "run-1")
}

func TestDeleteRemovesItem(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	item, err := m.Pin(ctx, "fact to delete")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, item.ItemID))

	_, ok, err := m.store.Get(ctx, item.ItemID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPinEmitsMemoryAdded(t *testing.T) {
	m := newTestManager(t)
	sink := &fakeSink{}
	m.SetEventSink(sink)
	ctx := context.Background()

	_, err := m.Pin(ctx, "first pin emits added")
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventMemoryAdded}, sink.types())

	// Pinning identical text again touches the existing item instead.
	_, err = m.Pin(ctx, "first pin emits added")
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventMemoryAdded, models.EventMemoryModified}, sink.types())
}

func TestIngestEmitsMemoryAdded(t *testing.T) {
	m := newTestManager(t)
	sink := &fakeSink{}
	m.SetEventSink(sink)
	ctx := context.Background()

	_, err := m.Ingest(ctx, "run-1", []ExtractedFact{{Text: "user prefers dark mode", Importance: 0.8}})
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventMemoryAdded}, sink.types())
}

func TestDeleteEmitsMemoryRemoved(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	item, err := m.Pin(ctx, "fact to delete")
	require.NoError(t, err)

	sink := &fakeSink{}
	m.SetEventSink(sink)
	require.NoError(t, m.Delete(ctx, item.ItemID))
	assert.Equal(t, []models.EventType{models.EventMemoryRemoved}, sink.types())
}

func TestRelatedTurnsRanksExactMatchFirst(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	candidates := []models.TurnPair{
		{RunID: "run-a", Input: "what's the weather like"},
		{RunID: "run-b", Input: "the deployment pipeline uses GitHub Actions"},
		{RunID: "run-c", Input: "favorite color is teal"},
	}

	related, err := m.RelatedTurns(ctx, "the deployment pipeline uses GitHub Actions", candidates, 1)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "run-b", related[0].RunID)
}

func TestRelatedTurnsBoundedByLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	candidates := []models.TurnPair{
		{RunID: "1", Input: "alpha"},
		{RunID: "2", Input: "bravo"},
		{RunID: "3", Input: "charlie"},
	}

	related, err := m.RelatedTurns(ctx, "query text", candidates, 2)
	require.NoError(t, err)
	assert.Len(t, related, 2)
}

func TestRelatedTurnsEmptyWithoutEmbedder(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(store, nil, nil, DefaultConfig(), nil)
	related, err := m.RelatedTurns(context.Background(), "query", []models.TurnPair{{RunID: "1", Input: "x"}}, 5)
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestSearchFindsLexicalMatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Pin(ctx, "the deployment pipeline uses GitHub Actions")
	require.NoError(t, err)
	_, err = m.Pin(ctx, "favorite color is teal")
	require.NoError(t, err)

	results, err := m.Search(ctx, "GitHub Actions", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Item.Text, "GitHub Actions")
}

func TestBuildPacketIncludesPinnedAndTopK(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Pin(ctx, "always answer in markdown")
	require.NoError(t, err)
	_, err = m.Ingest(ctx, "run-2", []ExtractedFact{{Text: "the project targets Go 1.24", Importance: 0.6}})
	require.NoError(t, err)

	packet, err := m.BuildPacket(ctx, "Go version", nil, nil)
	require.NoError(t, err)
	assert.Len(t, packet.Pinned, 1)
	assert.NotEmpty(t, packet.TopK)
}

func TestMaintainEmbeddingsFillsMissingVectors(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	// No embedder at ingest time: item is stored without an embedding.
	m := NewManager(store, nil, nil, DefaultConfig(), nil)
	ctx := context.Background()
	ids, err := m.Ingest(ctx, "run-1", []ExtractedFact{{Text: "needs an embedding later", Importance: 0.9}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	item, _, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, item.Embedding)

	// Maintenance loop now has an embedder wired in.
	m2 := NewManager(store, embeddings.NewLocal(32), nil, DefaultConfig(), nil)
	n, err := m2.MaintainEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, _, err = store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, item.Embedding)
}

func TestMaintainEmbeddingsNoopWithoutEmbedder(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	m := NewManager(store, nil, nil, DefaultConfig(), nil)
	n, err := m.MaintainEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
