package models

import "time"

// MemoryItem is a unit of long-term memory held by the memory service (C2).
//
// Text is deduplicated by normalized-form hash before insert; items without
// an Embedding participate only in BM25 recall until the embedding
// maintenance loop fills it in.
type MemoryItem struct {
	ItemID       string    `json:"item_id"`
	Text         string    `json:"text"`
	Importance   float64   `json:"importance"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Embedding    []float32 `json:"embedding,omitempty"`
	NormHash     string    `json:"-"`
	Pinned       bool      `json:"pinned,omitempty"`
	Provenance   []string  `json:"provenance,omitempty"`
	SourceRunIDs []string  `json:"source_run_ids,omitempty"`
}

// MemoryPacket is the bounded context injected into a model turn: pinned
// items, recent turn pairs for the run's origin, related turns by
// similarity, and the top-K long-term hits.
type MemoryPacket struct {
	Pinned       []MemoryItem `json:"pinned"`
	RecentTurns  []TurnPair   `json:"recent_turns"`
	RelatedTurns []TurnPair   `json:"related_turns"`
	TopK         []ScoredItem `json:"top_k"`
}

// TurnPair is one (input, output) exchange from the event log, used both
// for "recent window" and "related by similarity" recall.
type TurnPair struct {
	RunID  string    `json:"run_id"`
	Input  string    `json:"input"`
	Output string    `json:"output"`
	At     time.Time `json:"at"`
}

// ScoredItem pairs a MemoryItem with the hybrid retrieval score that
// ranked it (α·bm25 + (1−α)·cosine + β·recency).
type ScoredItem struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}
