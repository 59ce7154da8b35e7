// Package ingest runs the document pipeline: validate the upload, extract
// page text, chunk it, detect languages, build the knowledge graph with an
// LLM, embed the chunks, and persist everything under the session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avokat-ai/avokat/chunker"
	"github.com/avokat-ai/avokat/graph"
	"github.com/avokat-ai/avokat/language"
	"github.com/avokat-ai/avokat/llm"
	"github.com/avokat-ai/avokat/parser"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNotPDF   = errors.New("ingest: file is not a PDF")
	ErrTooLarge = errors.New("ingest: file exceeds the upload size limit")
	ErrNoText   = errors.New("ingest: no extractable text in document")
	ErrFailed   = errors.New("ingest: no chunk could be stored")
)

// DefaultMaxUploadBytes caps upload size at 20 MiB.
const DefaultMaxUploadBytes = 20 << 20

// Graph is the subset of graph operations ingestion needs.
type Graph interface {
	UpsertNode(ctx context.Context, sessionID string, n graph.Node) (string, bool, error)
	Relate(ctx context.Context, sessionID, fromID, toID, relType string, lang language.Tag) (bool, error)
	InsertChunk(ctx context.Context, sessionID string, c graph.Chunk) (string, error)
}

// Embedder produces one vector per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result summarizes one ingest run.
type Result struct {
	BatchID              string         `json:"batch_id"`
	FileName             string         `json:"file_name"`
	Chunks               int            `json:"chunks"`
	NodesCreated         int            `json:"nodes_created"`
	RelationshipsCreated int            `json:"relationships_created"`
	LanguageDistribution map[string]int `json:"language_distribution"`
}

// Ingestor drives the pipeline. One Ingestor serves all sessions; the shared
// limiter spaces extraction calls across concurrent ingests.
type Ingestor struct {
	graph    Graph
	embedder Embedder
	chat     llm.Provider
	splitter *chunker.Splitter
	limiter  *Limiter
	maxBytes int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithMaxUploadBytes overrides the upload size limit.
func WithMaxUploadBytes(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.maxBytes = n
		}
	}
}

// WithSplitter overrides the default chunk splitter.
func WithSplitter(s *chunker.Splitter) Option {
	return func(i *Ingestor) { i.splitter = s }
}

// WithLimiter overrides the shared extraction rate limiter.
func WithLimiter(l *Limiter) Option {
	return func(i *Ingestor) { i.limiter = l }
}

// New creates an Ingestor.
func New(g Graph, e Embedder, chat llm.Provider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		graph:    g,
		embedder: e,
		chat:     chat,
		splitter: chunker.New(chunker.DefaultSize, chunker.DefaultOverlap),
		limiter:  NewLimiter(DefaultExtractionInterval),
		maxBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// chunkWork carries a chunk through the pipeline stages.
type chunkWork struct {
	window    chunker.Window
	lang      language.Tag
	extracted *extraction
	embedding []float32
}

// Ingest processes one uploaded PDF into the session's knowledge graph.
// Extraction failures degrade to a heuristic fallback per chunk; embedding
// failures drop the affected chunk. The run fails only when nothing at all
// could be stored.
func (i *Ingestor) Ingest(ctx context.Context, sessionID, fileName string, data []byte) (*Result, error) {
	if len(data) > i.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), i.maxBytes)
	}
	if !parser.IsPDF(data) {
		return nil, ErrNotPDF
	}

	pages, err := parser.Pages(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoText, err)
	}

	windows := i.splitter.SplitPages(pages, fileName)
	if len(windows) == 0 {
		return nil, ErrNoText
	}

	batchID := uuid.NewString()
	start := time.Now()
	slog.Info("ingest: starting",
		"session_id", sessionID, "file", fileName,
		"pages", len(pages), "chunks", len(windows), "batch_id", batchID)

	// Stage 1: extraction, strictly sequential and rate limited. A malformed
	// or failed LLM response degrades to the heuristic extractor so the chunk
	// still enters the graph.
	work := make([]chunkWork, len(windows))
	for idx, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lang := language.Detect(w.Content)

		if err := i.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		ext, err := extract(ctx, i.chat, w.Content, lang)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("ingest: extraction failed, using fallback",
				"session_id", sessionID, "file", fileName, "chunk", idx, "error", err)
			ext = fallbackExtract(w.Content)
		}
		work[idx] = chunkWork{window: w, lang: lang, extracted: ext}
	}

	// Stage 2: embed all chunks, retrying one by one if the batch fails.
	kept := i.embedAll(ctx, sessionID, work)
	if len(kept) == 0 {
		return nil, ErrFailed
	}

	// Stage 3: persist the document, its chunks, and the extracted graph.
	result, err := i.persist(ctx, sessionID, fileName, batchID, kept)
	if err != nil {
		return nil, err
	}

	slog.Info("ingest: completed",
		"session_id", sessionID, "file", fileName, "batch_id", batchID,
		"chunks", result.Chunks, "nodes", result.NodesCreated,
		"relationships", result.RelationshipsCreated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// embedAll attaches embeddings to each chunk, dropping chunks that cannot be
// embedded.
func (i *Ingestor) embedAll(ctx context.Context, sessionID string, work []chunkWork) []chunkWork {
	texts := make([]string, len(work))
	for idx := range work {
		texts[idx] = work[idx].window.Content
	}

	vecs, err := i.embedder.Embed(ctx, texts)
	if err == nil && len(vecs) == len(work) {
		for idx := range work {
			work[idx].embedding = vecs[idx]
		}
		return work
	}

	slog.Warn("ingest: batch embedding failed, retrying per chunk",
		"session_id", sessionID, "error", err)

	kept := work[:0]
	for idx := range work {
		v, err := i.embedder.Embed(ctx, []string{work[idx].window.Content})
		if err != nil || len(v) != 1 {
			slog.Warn("ingest: dropping chunk, embedding failed",
				"session_id", sessionID, "chunk", idx, "error", err)
			continue
		}
		work[idx].embedding = v[0]
		kept = append(kept, work[idx])
	}
	return kept
}

// persist writes the document node, chunk nodes, extracted entities, and all
// edges. Individual entity or edge failures are logged and skipped; chunk
// insert failures drop that chunk.
func (i *Ingestor) persist(ctx context.Context, sessionID, fileName, batchID string, work []chunkWork) (*Result, error) {
	result := &Result{
		BatchID:              batchID,
		FileName:             fileName,
		LanguageDistribution: make(map[string]int),
	}

	docLang := documentLanguage(work)
	docID, docCreated, err := i.graph.UpsertNode(ctx, sessionID, graph.Node{
		Name:        fileName,
		Type:        "Document",
		Description: fmt.Sprintf("Uploaded document %s", fileName),
		Language:    docLang,
	})
	if err != nil {
		return nil, fmt.Errorf("storing document node: %w", err)
	}
	if docCreated {
		result.NodesCreated++
	}

	// Entity ids are shared across chunks of the run, keyed by normalized
	// name, so a name seen in two chunks upserts once and links twice.
	entityIDs := make(map[string]string)

	for idx, cw := range work {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunkID, err := i.graph.InsertChunk(ctx, sessionID, graph.Chunk{
			Content:    cw.window.Content,
			SourceFile: fileName,
			Page:       cw.window.Page,
			Index:      idx,
			Language:   cw.lang,
			Embedding:  cw.embedding,
		})
		if err != nil {
			slog.Warn("ingest: chunk insert failed, skipping",
				"session_id", sessionID, "chunk", idx, "error", err)
			continue
		}
		result.Chunks++
		result.LanguageDistribution[cw.lang.String()]++

		if _, err := i.graph.Relate(ctx, sessionID, docID, chunkID, graph.RelContains, cw.lang); err != nil {
			slog.Warn("ingest: document-chunk edge failed",
				"session_id", sessionID, "chunk", idx, "error", err)
		}

		for _, n := range cw.extracted.Nodes {
			key := graph.NormKey(n.Name)
			id, ok := entityIDs[key]
			if !ok {
				var created bool
				id, created, err = i.graph.UpsertNode(ctx, sessionID, graph.Node{
					Name:        n.Name,
					Type:        n.Type,
					Description: n.Description,
					Confidence:  n.Confidence,
					Language:    cw.lang,
				})
				if err != nil {
					slog.Warn("ingest: entity upsert failed, skipping",
						"session_id", sessionID, "entity", n.Name, "error", err)
					continue
				}
				entityIDs[key] = id
				if created {
					result.NodesCreated++
				}
			}
			if created, err := i.graph.Relate(ctx, sessionID, chunkID, id, graph.RelMentions, cw.lang); err == nil && created {
				result.RelationshipsCreated++
			}
		}

		for _, r := range cw.extracted.Rels {
			srcID, okSrc := entityIDs[graph.NormKey(r.Source)]
			tgtID, okTgt := entityIDs[graph.NormKey(r.Target)]
			if !okSrc || !okTgt {
				continue
			}
			created, err := i.graph.Relate(ctx, sessionID, srcID, tgtID, r.Type, cw.lang)
			if err != nil {
				slog.Warn("ingest: relationship failed, skipping",
					"session_id", sessionID, "source", r.Source, "target", r.Target, "error", err)
				continue
			}
			if created {
				result.RelationshipsCreated++
			}
		}
	}

	if result.Chunks == 0 {
		return nil, ErrFailed
	}
	return result, nil
}

// documentLanguage aggregates chunk languages into a document-level tag.
func documentLanguage(work []chunkWork) language.Tag {
	var sawAr, sawEn bool
	for _, cw := range work {
		switch cw.lang {
		case language.Arabic:
			sawAr = true
		case language.English:
			sawEn = true
		default:
			return language.Mixed
		}
	}
	switch {
	case sawAr && sawEn:
		return language.Mixed
	case sawAr:
		return language.Arabic
	default:
		return language.English
	}
}

// Describe returns a short human-readable ingest summary for logging.
func (r *Result) Describe() string {
	langs := make([]string, 0, len(r.LanguageDistribution))
	for l, n := range r.LanguageDistribution {
		langs = append(langs, fmt.Sprintf("%s=%d", l, n))
	}
	return fmt.Sprintf("%d chunks, %d nodes, %d relationships (%s)",
		r.Chunks, r.NodesCreated, r.RelationshipsCreated, strings.Join(langs, " "))
}
