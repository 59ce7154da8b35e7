// Package avokat wires the subsystems into one service: SQLite-backed
// sessions, a Neo4j knowledge graph, the LLM provider, document ingestion,
// hybrid retrieval, and streamed answering. The HTTP layer talks only to
// this package.
package avokat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/avokat-ai/avokat/chat"
	"github.com/avokat-ai/avokat/chunker"
	"github.com/avokat-ai/avokat/embedding"
	"github.com/avokat-ai/avokat/graph"
	"github.com/avokat-ai/avokat/ingest"
	"github.com/avokat-ai/avokat/llm"
	"github.com/avokat-ai/avokat/retrieval"
	"github.com/avokat-ai/avokat/store"
)

// Service is the assembled application. One Service serves all sessions.
type Service struct {
	cfg       Config
	store     *store.Store
	graph     *graph.Store
	provider  llm.Provider
	embedder  embedding.Provider
	ingestor  *ingest.Ingestor
	retriever *retrieval.Retriever
	answerer  *chat.Answerer

	ops opRegistry
}

// New builds a Service from configuration: opens SQLite, connects to Neo4j
// and ensures its indices, constructs the LLM provider, and probes the
// embedding models.
func New(ctx context.Context, cfg Config) (*Service, error) {
	st, err := store.New(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	gr, err := graph.New(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: connecting graph store: %v", ErrUpstreamUnavailable, err)
	}
	if err := gr.EnsureIndices(ctx); err != nil {
		gr.Close(ctx)
		st.Close()
		return nil, fmt.Errorf("preparing graph indices: %w", err)
	}

	provider, err := llm.NewProvider(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		gr.Close(ctx)
		st.Close()
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}

	embedder := embedding.New(ctx, provider, cfg.EmbedModels)

	if err := os.MkdirAll(cfg.UploadsDir, 0755); err != nil {
		gr.Close(ctx)
		st.Close()
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}

	svc := &Service{
		cfg:      cfg,
		store:    st,
		graph:    gr,
		provider: provider,
		embedder: embedder,
		ingestor: ingest.New(gr, embedder, provider,
			ingest.WithMaxUploadBytes(cfg.MaxUploadBytes),
			ingest.WithSplitter(chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)),
			ingest.WithLimiter(ingest.NewLimiter(cfg.ExtractionInterval)),
		),
		retriever: retrieval.New(gr, embedder, cfg.RetrievalLimit),
	}
	svc.answerer = chat.New(svc.retriever, provider, st,
		chat.WithHistoryBudget(cfg.HistoryTokenBudget))
	svc.ops.ops = make(map[string]map[int64]context.CancelFunc)
	return svc, nil
}

// Close releases the stores. In-flight operations are cancelled first.
func (s *Service) Close(ctx context.Context) error {
	s.ops.cancelAll()
	err := s.graph.Close(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// opRegistry tracks in-flight ingest and chat operations per session so a
// session delete can cancel them before tearing the data down.
type opRegistry struct {
	mu   sync.Mutex
	ops  map[string]map[int64]context.CancelFunc
	next int64
}

// register derives a cancellable context for one operation and returns a
// release func the operation must call when it finishes.
func (r *opRegistry) register(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.next++
	id := r.next
	if r.ops[sessionID] == nil {
		r.ops[sessionID] = make(map[int64]context.CancelFunc)
	}
	r.ops[sessionID][id] = cancel
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			if m := r.ops[sessionID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(r.ops, sessionID)
				}
			}
			r.mu.Unlock()
		})
	}
	return ctx, release
}

// cancelSession cancels every in-flight operation of one session.
func (r *opRegistry) cancelSession(sessionID string) {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.ops[sessionID]))
	for _, c := range r.ops[sessionID] {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (r *opRegistry) cancelAll() {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, m := range r.ops {
		for _, c := range m {
			cancels = append(cancels, c)
		}
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// mapStoreErr translates store sentinels into service sentinels.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return err
}

// --- Session operations ---

// CreateSession creates a new empty session.
func (s *Service) CreateSession(ctx context.Context, title string) (*store.Session, error) {
	return s.store.CreateSession(ctx, title)
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return sess, nil
}

// ListSessions lists sessions with offset pagination, most recent first.
func (s *Service) ListSessions(ctx context.Context, skip, limit int) ([]store.Session, error) {
	return s.store.ListSessions(ctx, skip, limit)
}

// RenameSession updates a session's title.
func (s *Service) RenameSession(ctx context.Context, id, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}
	return mapStoreErr(s.store.RenameSession(ctx, id, title))
}

// DeleteSession removes a session and everything attached to it: in-flight
// operations are cancelled, the Neo4j subgraph is detached and deleted, the
// SQLite rows go in one transaction, and the uploaded files are removed from
// disk. The graph goes first so a partial failure can never leave orphaned
// graph data behind a deleted session row.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return mapStoreErr(err)
	}

	s.ops.cancelSession(id)
	s.answerer.ForgetSession(id)

	uploads, err := s.store.ListUploads(ctx, id)
	if err != nil {
		return fmt.Errorf("listing uploads for delete: %w", err)
	}

	if err := s.graph.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("deleting session graph: %w", err)
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return mapStoreErr(err)
	}

	for _, up := range uploads {
		path := s.uploadPath(id, up.FileName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("service: removing uploaded file failed", "path", path, "error", err)
		}
	}
	if err := os.Remove(filepath.Join(s.cfg.UploadsDir, id)); err != nil && !os.IsNotExist(err) {
		slog.Debug("service: session upload dir not removed", "session_id", id, "error", err)
	}

	slog.Info("service: session deleted", "session_id", id, "uploads", len(uploads))
	return nil
}

// SessionStats reports the size of a session's graph and history.
type SessionStats struct {
	Session  *store.Session `json:"session"`
	Graph    *graph.Stats   `json:"graph"`
	Messages int            `json:"messages"`
	Uploads  int            `json:"uploads"`
}

// Stats returns graph and conversation statistics for one session.
func (s *Service) Stats(ctx context.Context, id string) (*SessionStats, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	gstats, err := s.graph.SessionStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading graph stats: %w", err)
	}
	messages, err := s.store.CountMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	uploads, err := s.store.ListUploads(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return &SessionStats{
		Session:  sess,
		Graph:    gstats,
		Messages: messages,
		Uploads:  len(uploads),
	}, nil
}

// History returns the most recent messages of a session, oldest first, along
// with the session's total message count.
func (s *Service) History(ctx context.Context, id string, limit int) ([]store.Message, int, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, 0, mapStoreErr(err)
	}
	messages, err := s.store.History(ctx, id, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountMessages(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// Uploads lists the files ingested into a session.
func (s *Service) Uploads(ctx context.Context, id string) ([]store.Upload, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.store.ListUploads(ctx, id)
}

// --- Ingestion ---

func (s *Service) uploadPath(sessionID, fileName string) string {
	return filepath.Join(s.cfg.UploadsDir, sessionID, filepath.Base(fileName))
}

// Ingest runs the document pipeline for one uploaded PDF and records the
// upload. The raw file is kept on disk under the session's upload directory.
func (s *Service) Ingest(ctx context.Context, sessionID, fileName string, data []byte) (*ingest.Result, error) {
	if fileName == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreErr(err)
	}

	// The same file at the same size was already ingested here.
	uploads, err := s.store.ListUploads(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checking uploads: %w", err)
	}
	for _, up := range uploads {
		if up.FileName == fileName && up.SizeBytes == int64(len(data)) {
			return nil, fmt.Errorf("%w: %s already ingested", ErrDuplicateUpload, fileName)
		}
	}

	ctx, release := s.ops.register(ctx, sessionID)
	defer release()

	result, err := s.ingestor.Ingest(ctx, sessionID, fileName, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: ingest cancelled", ErrSessionDeleted)
		}
		return nil, err
	}

	if err := s.saveUpload(sessionID, fileName, data); err != nil {
		slog.Warn("service: keeping uploaded file failed",
			"session_id", sessionID, "file", fileName, "error", err)
	}
	if _, err := s.store.RecordUpload(ctx, sessionID, fileName, int64(len(data))); err != nil {
		slog.Warn("service: recording upload failed",
			"session_id", sessionID, "file", fileName, "error", err)
	}

	slog.Info("service: ingested document",
		"session_id", sessionID, "file", fileName, "summary", result.Describe())
	return result, nil
}

func (s *Service) saveUpload(sessionID, fileName string, data []byte) error {
	dir := filepath.Join(s.cfg.UploadsDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.uploadPath(sessionID, fileName), data, 0644)
}

// --- Chat ---

// Answer streams the reply to one question. The stream closes after the
// final fragment; the caller must drain it.
func (s *Service) Answer(ctx context.Context, sessionID, message string) (<-chan chat.Fragment, error) {
	if err := s.checkMessage(message); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, mapStoreErr(err)
	}

	ctx, release := s.ops.register(ctx, sessionID)
	stream, err := s.answerer.Answer(ctx, sessionID, message)
	if err != nil {
		release()
		if errors.Is(err, chat.ErrEmptyMessage) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}

	// The operation stays registered until the stream is exhausted, so a
	// session delete can cancel a reply that is still being generated.
	out := make(chan chat.Fragment)
	go func() {
		defer close(out)
		defer release()
		// Forward losslessly: the persisted answer tracks delivered
		// fragments, and the chat stream closes itself on cancellation.
		// The caller must drain the channel.
		for frag := range stream {
			out <- frag
		}
	}()
	return out, nil
}

// AnswerSync answers one question without streaming.
func (s *Service) AnswerSync(ctx context.Context, sessionID, message string) (string, []store.Source, error) {
	if err := s.checkMessage(message); err != nil {
		return "", nil, err
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return "", nil, mapStoreErr(err)
	}

	ctx, release := s.ops.register(ctx, sessionID)
	defer release()

	answer, sources, err := s.answerer.AnswerSync(ctx, sessionID, message)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("%w: answer cancelled", ErrSessionDeleted)
		}
		return "", nil, err
	}
	return answer, sources, nil
}

// checkMessage enforces the message length limit before any state changes.
func (s *Service) checkMessage(message string) error {
	if s.cfg.MaxMessageChars > 0 && len([]rune(message)) > s.cfg.MaxMessageChars {
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, s.cfg.MaxMessageChars)
	}
	return nil
}

// Embedder reports which embedding backend is active, for the health
// endpoint.
func (s *Service) Embedder() string {
	return s.embedder.Name()
}
