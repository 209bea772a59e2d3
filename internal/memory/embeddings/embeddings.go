// Package embeddings defines the embedding provider seam used by the
// memory service's lazy embedding-maintenance loop. The provider itself
// (a call out to a real embedding model) is out of this project's scope;
// only the interface and a deterministic local implementation for tests
// and offline operation live here.
package embeddings

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Provider generates embeddings for memory item text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding width this provider produces.
	Dimension() int
	// Name identifies the provider for status/diagnostics.
	Name() string
}

// Local is a deterministic, dependency-free Provider: it hashes text into
// a fixed-width pseudo-embedding. It produces no semantic similarity
// signal beyond exact text match, but it lets the retrieval
// pipeline, consolidation, and maintenance loop run end to end without a
// network call — useful for local-first operation and tests.
type Local struct {
	dimension int
}

var _ Provider = (*Local)(nil)

// NewLocal constructs a Local provider producing vectors of the given
// dimension (default 64 if <= 0).
func NewLocal(dimension int) *Local {
	if dimension <= 0 {
		dimension = 64
	}
	return &Local{dimension: dimension}
}

func (l *Local) Name() string { return "local-hash" }

func (l *Local) Dimension() int { return l.dimension }

func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	return hashEmbed(text, l.dimension), nil
}

func (l *Local) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, l.dimension)
	}
	return out, nil
}

// hashEmbed expands repeated SHA-256 digests of text into dimension
// floats in [-1, 1], normalized to unit length so cosine similarity
// behaves sanely.
func hashEmbed(text string, dimension int) []float32 {
	out := make([]float32, dimension)
	block := []byte(text)
	var sum [32]byte
	for i := 0; i < dimension; i++ {
		sum = sha256.Sum256(append(block, byte(i), byte(i>>8)))
		v := float32(int32(uint32(sum[0])|uint32(sum[1])<<8|uint32(sum[2])<<16|uint32(sum[3])<<24)) / float32(1<<31)
		out[i] = v
	}
	normalize(out)
	return out
}

func normalize(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return
	}
	norm := sqrt(sumSq)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// ErrUnavailable is returned by providers that wrap a remote API when the
// call could not complete after retries — callers (the maintenance loop)
// treat this as "try again later", never as a reason to block retrieval.
type ErrUnavailable struct {
	Provider string
	Cause    error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("embeddings: %s unavailable: %v", e.Provider, e.Cause)
}

func (e *ErrUnavailable) Unwrap() error { return e.Cause }
