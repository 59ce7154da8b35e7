// Package chat turns a user question into a streamed, cited answer: retrieve
// session context, build the prompt, stream the model's reply, and persist
// both sides of the exchange in the append-only message log.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/avokat-ai/avokat/llm"
	"github.com/avokat-ai/avokat/retrieval"
	"github.com/avokat-ai/avokat/store"
)

// ErrEmptyMessage is returned for blank questions.
var ErrEmptyMessage = errors.New("chat: message cannot be empty")

// noContentReply is sent without calling the model when the session has no
// ingested documents at all.
const noContentReply = "I don't have any documents to work with in this conversation yet. " +
	"Please upload a document and I will answer questions about it.\n\n" +
	"لا توجد مستندات في هذه المحادثة بعد. يرجى رفع مستند وسأجيب على أسئلتك حوله."

// interruptedMarker is appended to a partial answer persisted after the
// client disconnected mid-stream.
const interruptedMarker = "\n\n[response interrupted]"

// answerTemperature keeps answers grounded in the provided context.
const answerTemperature = 0.3

// historyWindow is how many past messages are considered for the prompt
// before token clipping.
const historyWindow = 10

// Fragment is one piece of a streamed answer. The final fragment has Done
// set and carries the citations; a fragment with Err terminates the stream.
type Fragment struct {
	Text    string         `json:"chunk,omitempty"`
	Sources []store.Source `json:"sources,omitempty"`
	Done    bool           `json:"done,omitempty"`
	Err     error          `json:"-"`
}

// Retriever gathers knowledge graph context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, sessionID, query string) (*retrieval.Result, error)
}

// Log is the message persistence the answerer needs.
type Log interface {
	History(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	AppendMessage(ctx context.Context, sessionID, role, content string, sources []store.Source) (*store.Message, error)
}

// Answerer produces answers for sessions. Turns within one session are
// serialized so history stays coherent; different sessions proceed in
// parallel.
type Answerer struct {
	retriever     Retriever
	provider      llm.Provider
	log           Log
	historyBudget int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Answerer.
type Option func(*Answerer)

// WithHistoryBudget overrides the token budget for prompt history.
func WithHistoryBudget(n int) Option {
	return func(a *Answerer) {
		if n > 0 {
			a.historyBudget = n
		}
	}
}

// New creates an Answerer.
func New(r Retriever, p llm.Provider, log Log, opts ...Option) *Answerer {
	a := &Answerer{
		retriever:     r,
		provider:      p,
		log:           log,
		historyBudget: historyTokenBudget,
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// sessionLock returns the mutex serializing one session's turns.
func (a *Answerer) sessionLock(sessionID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[sessionID] = l
	}
	return l
}

// ForgetSession drops the per-session lock after the session is deleted.
func (a *Answerer) ForgetSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locks, sessionID)
}

// prepare validates the question, snapshots history, stores the user turn,
// and retrieves context. Shared by the streaming and synchronous paths.
func (a *Answerer) prepare(ctx context.Context, sessionID, message string) (*retrieval.Result, []store.Message, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil, ErrEmptyMessage
	}

	// History is snapshotted before the user turn is stored, so the prompt
	// never repeats the current question.
	history, err := a.log.History(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("loading history: %w", err)
	}

	if _, err := a.log.AppendMessage(ctx, sessionID, "user", message, nil); err != nil {
		return nil, nil, fmt.Errorf("storing user message: %w", err)
	}

	result, err := a.retriever.Retrieve(ctx, sessionID, message)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving context: %w", err)
	}
	return result, history, nil
}

// Answer streams the reply to one question. The returned channel closes
// after the Done fragment (carrying sources) or after an error fragment.
// If the context is cancelled mid-stream, the partial answer is persisted
// with a truncation marker.
func (a *Answerer) Answer(ctx context.Context, sessionID, message string) (<-chan Fragment, error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()

	result, history, err := a.prepare(ctx, sessionID, message)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	out := make(chan Fragment)

	if result.Empty() {
		go func() {
			defer close(out)
			defer lock.Unlock()
			a.persistAssistant(sessionID, noContentReply, nil)
			out <- Fragment{Text: noContentReply}
			out <- Fragment{Done: true}
		}()
		return out, nil
	}

	sources := extractSources(result)
	prompt := buildPrompt(result, history, strings.TrimSpace(message), a.historyBudget)

	stream, err := a.provider.ChatStream(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: answerTemperature,
	})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("starting answer stream: %w", err)
	}

	go func() {
		defer close(out)
		defer lock.Unlock()

		var b strings.Builder
		for frag := range stream {
			if frag.Err != nil {
				slog.Error("chat: stream failed", "session_id", sessionID, "error", frag.Err)
				a.persistPartial(sessionID, b.String(), sources)
				out <- Fragment{Err: frag.Err}
				return
			}
			// The builder holds exactly the fragments the caller received,
			// so append only after the send succeeds.
			select {
			case out <- Fragment{Text: frag.Content}:
				b.WriteString(frag.Content)
			case <-ctx.Done():
				a.persistPartial(sessionID, b.String(), sources)
				return
			}
		}

		if ctx.Err() != nil {
			a.persistPartial(sessionID, b.String(), sources)
			return
		}

		a.persistAssistant(sessionID, b.String(), sources)
		out <- Fragment{Done: true, Sources: sources}
	}()

	return out, nil
}

// AnswerSync answers without streaming and returns the full reply with its
// citations.
func (a *Answerer) AnswerSync(ctx context.Context, sessionID, message string) (string, []store.Source, error) {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	result, history, err := a.prepare(ctx, sessionID, message)
	if err != nil {
		return "", nil, err
	}

	if result.Empty() {
		a.persistAssistant(sessionID, noContentReply, nil)
		return noContentReply, nil, nil
	}

	sources := extractSources(result)
	prompt := buildPrompt(result, history, strings.TrimSpace(message), a.historyBudget)

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: answerTemperature,
	})
	if err != nil {
		return "", nil, fmt.Errorf("generating answer: %w", err)
	}

	a.persistAssistant(sessionID, resp.Content, sources)
	return resp.Content, sources, nil
}

// persistPartial stores an interrupted answer, if any text arrived at all.
func (a *Answerer) persistPartial(sessionID, content string, sources []store.Source) {
	if content == "" {
		return
	}
	a.persistAssistant(sessionID, content+interruptedMarker, sources)
}

// persistAssistant stores the assistant turn with a fresh context: the
// request context may already be cancelled when the answer completes.
func (a *Answerer) persistAssistant(sessionID, content string, sources []store.Source) {
	if _, err := a.log.AppendMessage(context.Background(), sessionID, "assistant", content, sources); err != nil {
		slog.Error("chat: persisting assistant message failed",
			"session_id", sessionID, "error", err)
	}
}
