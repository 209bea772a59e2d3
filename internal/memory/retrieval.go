package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// RetrievalConfig tunes hybrid retrieval (spec §4.2): candidate limits per
// lexical and vector half, the final top-K, and the score weights.
type RetrievalConfig struct {
	StructuredLimit int // bm25 candidate limit
	VectorScanLimit int // how many recent embedded rows to cosine-scan
	TopK            int
	Alpha           float64 // weight on bm25 vs (1-alpha) on cosine
	Beta            float64 // weight on recency
}

// DefaultRetrievalConfig mirrors internal/config's documented defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{StructuredLimit: 5, VectorScanLimit: 2000, TopK: 8, Alpha: 0.5, Beta: 0.1}
}

// search performs the hybrid bm25+cosine+recency retrieval described in
// spec §4.2: lexical and vector candidate sets are unioned, scored with
// alpha*bm25 + (1-alpha)*cosine + beta*recency, and the top-K returned.
func (m *Manager) search(ctx context.Context, query string, cfg RetrievalConfig, now time.Time) ([]models.ScoredItem, error) {
	candidates := make(map[string]models.MemoryItem)
	bm25Scores := make(map[string]float64)
	cosineScores := make(map[string]float64)

	bm25Hits, err := m.store.SearchBM25(ctx, query, cfg.StructuredLimit)
	if err != nil {
		return nil, err
	}
	if len(bm25Hits) > 0 {
		best := bm25Hits[0].RawScore               // SQLite bm25() returns more-negative = better match
		worst := bm25Hits[len(bm25Hits)-1].RawScore
		for _, h := range bm25Hits {
			bm25Scores[h.ItemID] = normalizeBM25(h.RawScore, best, worst)
			if item, ok, err := m.store.Get(ctx, h.ItemID); err == nil && ok {
				candidates[h.ItemID] = item
			}
		}
	}

	var queryEmbedding []float32
	if m.embedder != nil {
		queryEmbedding, _ = m.embedder.Embed(ctx, query)
	}
	if len(queryEmbedding) > 0 {
		vecCandidates, err := m.store.VectorScanCandidates(ctx, cfg.VectorScanLimit)
		if err != nil {
			return nil, err
		}
		for _, item := range vecCandidates {
			if len(item.Embedding) == 0 {
				continue
			}
			score := cosineSimilarity(queryEmbedding, item.Embedding)
			if _, exists := candidates[item.ItemID]; !exists {
				candidates[item.ItemID] = item
			}
			cosineScores[item.ItemID] = float64(score)
		}
	}

	scored := make([]models.ScoredItem, 0, len(candidates))
	for id, item := range candidates {
		bm25 := bm25Scores[id]
		cosine := cosineScores[id]
		recency := recencyScore(item.LastSeenAt, now)
		score := cfg.Alpha*bm25 + (1-cfg.Alpha)*cosine + cfg.Beta*recency
		scored = append(scored, models.ScoredItem{Item: item, Score: score})
	}

	sortScoredDesc(scored)
	if cfg.TopK > 0 && len(scored) > cfg.TopK {
		scored = scored[:cfg.TopK]
	}
	return scored, nil
}

// normalizeBM25 maps a raw SQLite bm25() value (lower is better, unbounded
// below zero) onto [0,1] relative to the candidate set's own min/max so it
// combines meaningfully with cosine similarity, which lies in [-1,1].
func normalizeBM25(raw, best, worst float64) float64 {
	if best == worst {
		return 1
	}
	// raw is between best (most negative / best match) and worst.
	return (worst - raw) / (worst - best)
}

// recencyScore decays linearly over a week, floored at 0. It favors items
// seen very recently without making week-old memory disappear outright.
func recencyScore(lastSeen, now time.Time) float64 {
	age := now.Sub(lastSeen)
	const window = 7 * 24 * time.Hour
	if age <= 0 {
		return 1
	}
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (sqrtf(normA) * sqrtf(normB)))
}

func sqrtf(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// scoredTurn pairs a candidate turn with its similarity to a query.
type scoredTurn struct {
	pair  models.TurnPair
	score float32
}

// RelatedTurns ranks candidate turn pairs by cosine similarity between
// the query and each turn's input text, returning the top `limit`
// (spec §4.2 build_packet's "related turns by similarity, bounded"
// component). candidates is the caller's scan window beyond the recent-
// turns cutoff — the run executor derives it from the event log, same
// split as BuildPacket's recentTurns/relatedTurns parameters. A turn
// whose embedding can't be computed is skipped rather than falling back
// to recency, since recentTurns already covers that case.
func (m *Manager) RelatedTurns(ctx context.Context, query string, candidates []models.TurnPair, limit int) ([]models.TurnPair, error) {
	if m.embedder == nil || limit <= 0 || len(candidates) == 0 {
		return nil, nil
	}
	queryEmbedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: related_turns: embed query: %w", err)
	}

	scored := make([]scoredTurn, 0, len(candidates))
	for _, c := range candidates {
		embedding, err := m.embedder.Embed(ctx, c.Input)
		if err != nil {
			continue
		}
		scored = append(scored, scoredTurn{pair: c, score: cosineSimilarity(queryEmbedding, embedding)})
	}
	for i := 1; i < len(scored); i++ {
		j := i
		for j > 0 && scored[j-1].score < scored[j].score {
			scored[j-1], scored[j] = scored[j], scored[j-1]
			j--
		}
	}
	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]models.TurnPair, len(scored))
	for i, s := range scored {
		out[i] = s.pair
	}
	return out, nil
}

func sortScoredDesc(items []models.ScoredItem) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].Score < items[j].Score {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}
