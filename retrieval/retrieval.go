// Package retrieval answers "what does this session know about X" by
// combining two passes over the session's graph: semantic similarity over
// chunk embeddings, and keyword traversal over extracted entities followed
// by a one-hop expansion along their relationships.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/avokat-ai/avokat/embedding"
	"github.com/avokat-ai/avokat/graph"
	"github.com/avokat-ai/avokat/language"
)

// DefaultLimit caps each retrieval pass when the caller does not specify one.
const DefaultLimit = 10

// Similarity cutoffs for the semantic pass. Chunks scoring below the strong
// cutoff are only used when nothing stronger exists.
const (
	strongSimilarity = 0.5
	weakSimilarity   = 0.2
)

// Graph is the subset of graph reads retrieval needs.
type Graph interface {
	AllChunks(ctx context.Context, sessionID string) ([]graph.Chunk, error)
	SearchNodes(ctx context.Context, sessionID string, terms []string, lang language.Tag, limit int) ([]graph.Node, error)
	ExpandNeighbours(ctx context.Context, sessionID string, nodeIDs []string, limit int) ([]graph.Expanded, error)
}

// Embedder produces one vector per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ScoredChunk is a chunk with its similarity to the query.
type ScoredChunk struct {
	graph.Chunk
	Score float64
}

// Result is everything retrieval found for a query.
type Result struct {
	Entities      []graph.Node
	Expanded      []graph.Expanded
	Chunks        []ScoredChunk
	SearchTerms   []string
	QueryLanguage language.Tag
}

// Empty reports whether nothing at all was found.
func (r *Result) Empty() bool {
	return len(r.Entities) == 0 && len(r.Expanded) == 0 && len(r.Chunks) == 0
}

// Retriever runs the hybrid retrieval pipeline.
type Retriever struct {
	graph    Graph
	embedder Embedder
	limit    int
}

// New creates a Retriever. A non-positive limit uses the default.
func New(g Graph, e Embedder, limit int) *Retriever {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Retriever{graph: g, embedder: e, limit: limit}
}

// Retrieve gathers context for the query from the session's graph. The
// semantic and keyword passes run concurrently; the expansion pass follows
// the keyword pass because it needs the matched entity ids.
func (r *Retriever) Retrieve(ctx context.Context, sessionID, query string) (*Result, error) {
	lang := language.Detect(query)
	terms := MeaningfulTerms(query)

	result := &Result{
		SearchTerms:   terms,
		QueryLanguage: lang,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chunks, err := r.semanticPass(gctx, sessionID, query)
		if err != nil {
			return err
		}
		result.Chunks = chunks
		return nil
	})

	g.Go(func() error {
		entities, err := r.graph.SearchNodes(gctx, sessionID, terms, lang, r.limit)
		if err != nil {
			return fmt.Errorf("keyword pass: %w", err)
		}
		result.Entities = entities
		if len(entities) == 0 {
			return nil
		}

		ids := make([]string, 0, len(entities))
		for _, e := range entities {
			if e.ID != "" {
				ids = append(ids, e.ID)
			}
		}
		expanded, err := r.graph.ExpandNeighbours(gctx, sessionID, ids, r.limit)
		if err != nil {
			return fmt.Errorf("expansion pass: %w", err)
		}
		result.Expanded = expanded
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("retrieval: completed",
		"session_id", sessionID, "language", lang,
		"terms", terms, "chunks", len(result.Chunks),
		"entities", len(result.Entities), "expanded", len(result.Expanded))
	return result, nil
}

// semanticPass scores every stored chunk against the query embedding.
// General content questions get all chunks so the answer covers the whole
// document; otherwise the strongest matches win, relaxing the cutoff and
// finally falling back to full coverage rather than returning nothing while
// chunks exist.
func (r *Retriever) semanticPass(ctx context.Context, sessionID, query string) ([]ScoredChunk, error) {
	chunks, err := r.graph.AllChunks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("semantic pass: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	if GeneralContent(query) {
		return allScored(chunks), nil
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		// Without a query vector the cutoffs mean nothing; full coverage
		// is better than silence.
		slog.Warn("retrieval: query embedding failed, using all chunks",
			"session_id", sessionID, "error", err)
		return allScored(chunks), nil
	}
	queryVec := vecs[0]

	scored := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		scored = append(scored, ScoredChunk{
			Chunk: c,
			Score: embedding.Similarity(queryVec, c.Embedding),
		})
	}
	sort.SliceStable(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return scored[a].ID < scored[b].ID
	})

	for _, cutoff := range []float64{strongSimilarity, weakSimilarity} {
		var kept []ScoredChunk
		for _, sc := range scored {
			if sc.Score >= cutoff {
				kept = append(kept, sc)
			}
			if len(kept) == r.limit {
				break
			}
		}
		if len(kept) > 0 {
			return kept, nil
		}
	}

	// Nothing cleared even the weak cutoff; the session still has content,
	// so hand it all to the model.
	return allScored(chunks), nil
}

func allScored(chunks []graph.Chunk) []ScoredChunk {
	out := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		out[i] = ScoredChunk{Chunk: c}
	}
	return out
}
