package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

var punctuation = regexp.MustCompile(`[^\w\s]`)
var whitespace = regexp.MustCompile(`\s+`)

// normalize lowercases, strips punctuation, and collapses whitespace, the
// exact transform spec §4.2 requires before hashing a consolidation
// candidate.
func normalize(text string) string {
	s := strings.ToLower(text)
	s = punctuation.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func normHash(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])
}

// candidate is one durable fact proposed for the item store, either by
// extraction after a run or by an explicit pin.
type candidate struct {
	Text         string
	Importance   float64
	Embedding    []float32
	Provenance   []string
	SourceRunIDs []string
	Pinned       bool
}

// defaultNearDupThreshold is tau_sim from spec §4.2: the cosine similarity above
// which two candidates are treated as the same fact rather than distinct.
const defaultNearDupThreshold = 0.92

const nearDupScanLimit = 200 // top-M neighbours considered for near-dup merge

// consolidate runs one candidate through dedup/merge and, if it survives,
// inserts or updates the item store. Returns the resulting item id and
// whether a new item was created (false means an existing item was
// touched or merged into).
func (m *Manager) consolidate(ctx context.Context, c candidate, now time.Time) (string, bool, error) {
	if c.Importance < m.config.ImportanceMin && !c.Pinned {
		return "", false, nil
	}

	hash := normHash(c.Text)
	if existing, ok, err := m.store.FindByNormHash(ctx, hash); err != nil {
		return "", false, err
	} else if ok {
		existing.LastSeenAt = now
		if c.Pinned {
			existing.Pinned = true
		}
		if c.Importance > existing.Importance {
			existing.Importance = c.Importance
		}
		existing.Provenance = unionStrings(existing.Provenance, c.Provenance)
		existing.SourceRunIDs = unionStrings(existing.SourceRunIDs, c.SourceRunIDs)
		if err := m.store.Put(ctx, existing); err != nil {
			return "", false, err
		}
		m.appendEvent(models.EventMemoryModified, existing.ItemID, c.Text)
		return existing.ItemID, false, nil
	}

	if len(c.Embedding) > 0 {
		neighbours, err := m.store.VectorScanCandidates(ctx, nearDupScanLimit)
		if err != nil {
			return "", false, err
		}
		threshold := m.config.SimThreshold
		if threshold <= 0 {
			threshold = defaultNearDupThreshold
		}
		var best *models.MemoryItem
		var bestScore float32
		for i := range neighbours {
			score := cosineSimilarity(c.Embedding, neighbours[i].Embedding)
			if score >= float32(threshold) && score > bestScore {
				n := neighbours[i]
				best = &n
				bestScore = score
			}
		}
		if best != nil {
			merged := mergeItems(*best, c, now)
			if err := m.store.Put(ctx, merged); err != nil {
				return "", false, err
			}
			m.appendEvent(models.EventMemoryModified, merged.ItemID, c.Text)
			return merged.ItemID, false, nil
		}
	}

	item := models.MemoryItem{
		ItemID:       uuid.NewString(),
		Text:         c.Text,
		Importance:   c.Importance,
		CreatedAt:    now,
		LastSeenAt:   now,
		Embedding:    c.Embedding,
		NormHash:     hash,
		Pinned:       c.Pinned,
		Provenance:   c.Provenance,
		SourceRunIDs: c.SourceRunIDs,
	}
	if err := m.store.Put(ctx, item); err != nil {
		return "", false, err
	}
	m.appendEvent(models.EventMemoryAdded, item.ItemID, item.Text)
	return item.ItemID, true, nil
}

// mergeItems combines a near-duplicate candidate into an existing item:
// keep the longer text, take the max importance, union provenance.
func mergeItems(existing models.MemoryItem, c candidate, now time.Time) models.MemoryItem {
	if len(c.Text) > len(existing.Text) {
		existing.Text = c.Text
		existing.NormHash = normHash(c.Text)
	}
	if c.Importance > existing.Importance {
		existing.Importance = c.Importance
	}
	if c.Pinned {
		existing.Pinned = true
	}
	existing.LastSeenAt = now
	existing.Provenance = unionStrings(existing.Provenance, c.Provenance)
	existing.SourceRunIDs = unionStrings(existing.SourceRunIDs, c.SourceRunIDs)
	return existing
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
