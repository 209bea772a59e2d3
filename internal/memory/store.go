// Package memory implements C2, the long-term memory service: a pinned
// and structured item store with hybrid bm25+cosine+recency retrieval,
// post-run extraction/consolidation, and lazy embedding maintenance.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Store is the SQLite-backed item store: a relational table plus an FTS5
// index for lexical (BM25) recall, grounded on the teacher's sqlitevec
// backend but generalized from a pure vector store into the hybrid
// retrieval spec §4.2 describes.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the memory database at path. Pass
// ":memory:" for an ephemeral store, used in tests.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			item_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			importance REAL NOT NULL,
			created_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL,
			embedding BLOB,
			norm_hash TEXT NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			provenance TEXT,
			source_run_ids TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_norm_hash ON memory_items(norm_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_last_seen ON memory_items(last_seen_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_items_pinned ON memory_items(pinned)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			item_id UNINDEXED, text
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces one item, keeping the FTS index in sync.
func (s *Store) Put(ctx context.Context, item models.MemoryItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	provenance, err := json.Marshal(item.Provenance)
	if err != nil {
		return fmt.Errorf("memory: marshal provenance: %w", err)
	}
	sourceRuns, err := json.Marshal(item.SourceRunIDs)
	if err != nil {
		return fmt.Errorf("memory: marshal source_run_ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_items (item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			text=excluded.text, importance=excluded.importance, last_seen_at=excluded.last_seen_at,
			embedding=excluded.embedding, norm_hash=excluded.norm_hash, pinned=excluded.pinned,
			provenance=excluded.provenance, source_run_ids=excluded.source_run_ids
	`, item.ItemID, item.Text, item.Importance, item.CreatedAt, item.LastSeenAt,
		encodeEmbedding(item.Embedding), item.NormHash, boolToInt(item.Pinned), string(provenance), string(sourceRuns))
	if err != nil {
		return fmt.Errorf("memory: put: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE item_id = ?`, item.ItemID); err != nil {
		return fmt.Errorf("memory: put: refresh fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts (item_id, text) VALUES (?, ?)`, item.ItemID, item.Text); err != nil {
		return fmt.Errorf("memory: put: insert fts: %w", err)
	}

	return tx.Commit()
}

// Get fetches a single item by id.
func (s *Store) Get(ctx context.Context, itemID string) (models.MemoryItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return models.MemoryItem{}, false, nil
	}
	if err != nil {
		return models.MemoryItem{}, false, err
	}
	return item, true, nil
}

// FindByNormHash returns the item with the given exact-match dedup hash,
// if one exists.
func (s *Store) FindByNormHash(ctx context.Context, hash string) (models.MemoryItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items WHERE norm_hash = ? LIMIT 1`, hash)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return models.MemoryItem{}, false, nil
	}
	if err != nil {
		return models.MemoryItem{}, false, err
	}
	return item, true, nil
}

// Delete removes an item and its FTS entry.
func (s *Store) Delete(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE item_id = ?`, itemID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE item_id = ?`, itemID); err != nil {
		return err
	}
	return tx.Commit()
}

// Pinned returns every pinned item.
func (s *Store) Pinned(ctx context.Context) ([]models.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items WHERE pinned = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListRecent returns the most recently seen items, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items ORDER BY last_seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// SearchBM25 runs a lexical FTS5 query, returning matches ranked by bm25.
// RawScore is SQLite's native bm25() value (lower is better); the caller
// in retrieval.go inverts it to "higher is better" and normalizes it to
// [0,1].
func (s *Store) SearchBM25(ctx context.Context, query string, limit int) ([]bm25Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, bm25(memory_fts) FROM memory_fts WHERE memory_fts MATCH ? ORDER BY bm25(memory_fts) LIMIT ?`,
		ftsQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("memory: bm25 search: %w", err)
	}
	defer rows.Close()

	var hits []bm25Hit
	for rows.Next() {
		var h bm25Hit
		if err := rows.Scan(&h.ItemID, &h.RawScore); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorScanCandidates returns up to limit most-recently-seen items that
// carry an embedding, for the cosine half of hybrid retrieval. Bounding
// by recency rather than scanning the whole table keeps recall cost
// independent of store size (spec §4.2).
func (s *Store) VectorScanCandidates(ctx context.Context, limit int) ([]models.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items WHERE embedding IS NOT NULL ORDER BY last_seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// MissingEmbeddings returns up to limit items that have no embedding yet,
// oldest-inserted first, for the embedding-maintenance supervisor loop.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]models.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, text, importance, created_at, last_seen_at, embedding, norm_hash, pinned, provenance, source_run_ids
		FROM memory_items WHERE embedding IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// SetEmbedding stores a freshly computed embedding for an existing item.
func (s *Store) SetEmbedding(ctx context.Context, itemID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_items SET embedding = ? WHERE item_id = ?`, encodeEmbedding(embedding), itemID)
	return err
}

// TouchLastSeen sets last_seen_at of one item to at.
func (s *Store) TouchLastSeen(ctx context.Context, itemID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_items SET last_seen_at = ? WHERE item_id = ?`, at, itemID)
	return err
}

type bm25Hit struct {
	ItemID   string
	RawScore float64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.MemoryItem, error) {
	var item models.MemoryItem
	var embeddingBlob []byte
	var provenance, sourceRuns sql.NullString
	var pinned int

	err := row.Scan(&item.ItemID, &item.Text, &item.Importance, &item.CreatedAt, &item.LastSeenAt,
		&embeddingBlob, &item.NormHash, &pinned, &provenance, &sourceRuns)
	if err != nil {
		return models.MemoryItem{}, err
	}
	item.Embedding = decodeEmbedding(embeddingBlob)
	item.Pinned = pinned != 0
	if provenance.Valid && provenance.String != "" {
		_ = json.Unmarshal([]byte(provenance.String), &item.Provenance)
	}
	if sourceRuns.Valid && sourceRuns.String != "" {
		_ = json.Unmarshal([]byte(sourceRuns.String), &item.SourceRunIDs)
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]models.MemoryItem, error) {
	var out []models.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ftsQuery quotes each token so punctuation in free-form text (colons,
// hyphens) doesn't trip FTS5's query-syntax parser.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
