// Package embedding turns text into fixed-dimension vectors for semantic
// retrieval. A remote OpenAI-compatible model is preferred; when no remote
// model is reachable a deterministic local hash embedder keeps the service
// functional, at reduced quality.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/avokat-ai/avokat/llm"
)

// LocalDim is the dimension of the local hash embedder.
const LocalDim = 100

// Provider produces embeddings of a fixed dimension. All vectors from one
// provider instance have the same length, so cosine similarity between any
// two of them is well defined.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the vector dimension this provider produces.
	Dim() int

	// Name identifies the backing model, for logging and diagnostics.
	Name() string
}

// New selects an embedding provider. Each model in priority order is probed
// with a short request; the first one that answers becomes the provider for
// the lifetime of the process. If none answers, the local hash embedder is
// used so ingest and retrieval stay available.
func New(ctx context.Context, client llm.Provider, models []string) Provider {
	for _, model := range models {
		if model == "" {
			continue
		}
		vecs, err := client.Embed(ctx, model, []string{"probe"})
		if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
			slog.Warn("embedding: model unavailable", "model", model, "error", err)
			continue
		}
		slog.Info("embedding: using remote model", "model", model, "dim", len(vecs[0]))
		return &remote{client: client, model: model, dim: len(vecs[0])}
	}

	slog.Warn("embedding: no remote model reachable, using local hash embedder", "dim", LocalDim)
	return NewLocal()
}

type remote struct {
	client llm.Provider
	model  string
	dim    int
}

func (r *remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := r.client.Embed(ctx, r.model, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", r.model, err)
	}
	for i, v := range vecs {
		if len(v) != r.dim {
			return nil, fmt.Errorf("embedding with %s: vector %d has dim %d, want %d", r.model, i, len(v), r.dim)
		}
	}
	return vecs, nil
}

func (r *remote) Dim() int     { return r.dim }
func (r *remote) Name() string { return r.model }

// Local is a deterministic bag-of-words hash embedder. It needs no network
// and always succeeds, so it serves as the fallback of last resort.
type Local struct{}

// NewLocal returns the local hash embedder.
func NewLocal() *Local { return &Local{} }

func (l *Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

func (l *Local) Dim() int     { return LocalDim }
func (l *Local) Name() string { return "simple-local" }

// hashEmbed lowercases the text, splits it on non-letter, non-digit runes,
// and counts tokens into hash buckets, then L2-normalises the result.
func hashEmbed(text string) []float32 {
	vec := make([]float32, LocalDim)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%LocalDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Similarity is the cosine similarity of two vectors. Mismatched or empty
// vectors score zero.
func Similarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
