package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avokat-ai/avokat/graph"
	"github.com/avokat-ai/avokat/language"
	"github.com/avokat-ai/avokat/llm"
	"github.com/avokat-ai/avokat/retrieval"
	"github.com/avokat-ai/avokat/store"
)

// fakeRetriever returns a fixed result for every query.
type fakeRetriever struct {
	result *retrieval.Result
}

func (f *fakeRetriever) Retrieve(context.Context, string, string) (*retrieval.Result, error) {
	return f.result, nil
}

// memLog is an in-memory message log.
type memLog struct {
	mu       sync.Mutex
	messages []store.Message
}

func (m *memLog) History(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memLog) AppendMessage(_ context.Context, sessionID, role, content string, sources []store.Source) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := store.Message{SessionID: sessionID, Role: role, Content: content, Sources: sources}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

// fakeProvider streams fixed chunks and records the prompts it received.
type fakeProvider struct {
	mu      sync.Mutex
	chunks  []string
	content string
	prompts []string
	delay   time.Duration
}

func (f *fakeProvider) record(req llm.ChatRequest) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Messages[len(req.Messages)-1].Content)
	f.mu.Unlock()
}

func (f *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.record(req)
	return &llm.ChatResponse{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamFragment, error) {
	f.record(req)
	out := make(chan llm.StreamFragment)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			select {
			case out <- llm.StreamFragment{Content: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeProvider) Embed(context.Context, string, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func contextResult() *retrieval.Result {
	return &retrieval.Result{
		Entities: []graph.Node{{ID: "n1", Name: "rental contract", Label: "Contract", Language: language.English}},
		Chunks: []retrieval.ScoredChunk{
			{Chunk: graph.Chunk{ID: "c1", Content: "rent is 5000 monthly", SourceFile: "contract.pdf", Page: 2, Language: language.English}, Score: 0.9},
			{Chunk: graph.Chunk{ID: "c2", Content: "rent due on the first", SourceFile: "contract.pdf", Page: 2, Language: language.English}, Score: 0.8},
		},
		SearchTerms:   []string{"rent"},
		QueryLanguage: language.English,
	}
}

func drain(t *testing.T, stream <-chan Fragment) (string, []store.Source) {
	t.Helper()
	var text strings.Builder
	var sources []store.Source
	for frag := range stream {
		if frag.Err != nil {
			t.Fatalf("stream error: %v", frag.Err)
		}
		text.WriteString(frag.Text)
		if frag.Done {
			sources = frag.Sources
		}
	}
	return text.String(), sources
}

func TestAnswerStreamsAndPersists(t *testing.T) {
	log := &memLog{}
	p := &fakeProvider{chunks: []string{"The rent ", "is 5000."}}
	a := New(&fakeRetriever{result: contextResult()}, p, log)

	stream, err := a.Answer(context.Background(), "s1", "what is the rent?")
	if err != nil {
		t.Fatal(err)
	}
	text, sources := drain(t, stream)

	if text != "The rent is 5000." {
		t.Errorf("answer = %q", text)
	}
	// One entity source, then the two same-file-and-page chunks deduped
	// into one chunk source.
	if len(sources) != 2 {
		t.Fatalf("sources = %+v", sources)
	}
	if sources[0].Type != "entity" || sources[0].Name != "rental contract" {
		t.Errorf("entity source = %+v", sources[0])
	}
	if sources[1].Type != "chunk" || sources[1].SourceFile != "contract.pdf" || sources[1].Page != 2 {
		t.Errorf("chunk source = %+v", sources[1])
	}

	if len(log.messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(log.messages))
	}
	if log.messages[0].Role != "user" || log.messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", log.messages[0].Role, log.messages[1].Role)
	}
	if log.messages[1].Content != "The rent is 5000." {
		t.Errorf("persisted answer = %q", log.messages[1].Content)
	}
}

func TestAnswerEmptySession(t *testing.T) {
	log := &memLog{}
	p := &fakeProvider{chunks: []string{"should not be called"}}
	a := New(&fakeRetriever{result: &retrieval.Result{}}, p, log)

	stream, err := a.Answer(context.Background(), "s1", "what is the rent?")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := drain(t, stream)

	if !strings.Contains(text, "upload a document") {
		t.Errorf("reply = %q", text)
	}
	if len(p.prompts) != 0 {
		t.Error("model must not be called for an empty session")
	}
	if len(log.messages) != 2 || log.messages[1].Content != noContentReply {
		t.Errorf("messages = %+v", log.messages)
	}
}

func TestAnswerRejectsBlankMessage(t *testing.T) {
	a := New(&fakeRetriever{result: contextResult()}, &fakeProvider{}, &memLog{})
	if _, err := a.Answer(context.Background(), "s1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestAnswerSerializesSession(t *testing.T) {
	log := &memLog{}
	p := &fakeProvider{chunks: []string{"slow answer"}, delay: 20 * time.Millisecond}
	a := New(&fakeRetriever{result: contextResult()}, p, log)

	stream, err := a.Answer(context.Background(), "s1", "first question")
	if err != nil {
		t.Fatal(err)
	}

	// While the first answer is streaming, the session lock must be held.
	if a.sessionLock("s1").TryLock() {
		t.Fatal("session lock free during an active turn")
	}
	// A different session is not blocked.
	if !a.sessionLock("s2").TryLock() {
		t.Fatal("unrelated session blocked")
	}
	a.sessionLock("s2").Unlock()

	drain(t, stream)

	if !a.sessionLock("s1").TryLock() {
		t.Fatal("session lock still held after the stream closed")
	}
	a.sessionLock("s1").Unlock()
}

func TestAnswerCancelPersistsPartial(t *testing.T) {
	log := &memLog{}
	p := &fakeProvider{chunks: []string{"partial ", "never sent"}, delay: 30 * time.Millisecond}
	a := New(&fakeRetriever{result: contextResult()}, p, log)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := a.Answer(ctx, "s1", "question")
	if err != nil {
		t.Fatal(err)
	}

	first := <-stream
	if first.Text != "partial " {
		t.Fatalf("first fragment = %q", first.Text)
	}
	// Stop reading before cancelling, so the second fragment can never be
	// delivered.
	cancel()

	// Give the goroutine a moment to persist.
	deadline := time.Now().Add(time.Second)
	for {
		log.mu.Lock()
		n := len(log.messages)
		log.mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for range stream {
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.messages) != 2 {
		t.Fatalf("messages = %d", len(log.messages))
	}
	got := log.messages[1].Content
	if !strings.HasPrefix(got, "partial ") || !strings.HasSuffix(got, interruptedMarker) {
		t.Errorf("persisted partial = %q", got)
	}
	// The stored answer holds only what was delivered.
	if strings.Contains(got, "never sent") {
		t.Errorf("undelivered fragment persisted: %q", got)
	}
}

func TestAnswerSync(t *testing.T) {
	log := &memLog{}
	p := &fakeProvider{content: "the rent is 5000"}
	a := New(&fakeRetriever{result: contextResult()}, p, log)

	answer, sources, err := a.AnswerSync(context.Background(), "s1", "what is the rent?")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "the rent is 5000" {
		t.Errorf("answer = %q", answer)
	}
	if len(sources) != 2 {
		t.Errorf("sources = %+v", sources)
	}
	if len(log.messages) != 2 {
		t.Errorf("messages = %d", len(log.messages))
	}
}

func TestBuildPromptOrder(t *testing.T) {
	result := contextResult()
	history := []store.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}

	prompt := buildPrompt(result, history, "what is the rent?", historyTokenBudget)

	idxDisclaimer := strings.Index(prompt, "This is not legal advice")
	idxEntities := strings.Index(prompt, "=== ENTITIES FROM DOCUMENTS ===")
	idxContent := strings.Index(prompt, "=== DOCUMENT CONTENT ===")
	idxHistory := strings.Index(prompt, "=== RECENT CHAT HISTORY ===")
	idxQuestion := strings.Index(prompt, "User Question: what is the rent?")

	for name, idx := range map[string]int{
		"disclaimer": idxDisclaimer, "entities": idxEntities,
		"content": idxContent, "history": idxHistory, "question": idxQuestion,
	} {
		if idx < 0 {
			t.Fatalf("prompt missing %s block", name)
		}
	}
	if !(idxDisclaimer < idxEntities && idxEntities < idxContent &&
		idxContent < idxHistory && idxHistory < idxQuestion) {
		t.Error("prompt blocks out of order")
	}
	if !strings.Contains(prompt, "source: contract.pdf, page 2") {
		t.Error("chunk citation missing")
	}
}

func TestBuildPromptArabicEnhancement(t *testing.T) {
	result := contextResult()
	result.QueryLanguage = language.Arabic

	prompt := buildPrompt(result, nil, "ما هو الإيجار؟", historyTokenBudget)
	if !strings.Contains(prompt, "المصطلحات القانونية العربية") {
		t.Error("arabic enhancement missing")
	}

	result.QueryLanguage = language.English
	prompt = buildPrompt(result, nil, "what is the rent?", historyTokenBudget)
	if strings.Contains(prompt, "المصطلحات القانونية العربية") {
		t.Error("arabic enhancement present for english query")
	}
}

func TestExtractSources(t *testing.T) {
	result := &retrieval.Result{
		Entities: []graph.Node{
			{ID: "n1", Name: "Ahmed Ali", Label: "Person", Type: "PERSON", Language: language.English},
			{ID: "n2", Name: "Beta Holdings", Label: "Organization", Type: "ORGANIZATION", Language: language.English},
		},
		Expanded: []graph.Expanded{
			{Node: graph.Node{ID: "n3", Name: "Rental Contract", Language: language.English}, RelType: "AGREES_TO"},
		},
		Chunks: []retrieval.ScoredChunk{
			{Chunk: graph.Chunk{ID: "c1", SourceFile: "contract.pdf", Page: 1, Language: language.English}},
			{Chunk: graph.Chunk{ID: "c2", SourceFile: "contract.pdf", Page: 1, Language: language.English}},
		},
	}

	sources := extractSources(result)

	// Both parties, the relationship, and one deduped chunk.
	if len(sources) != 4 {
		t.Fatalf("sources = %+v", sources)
	}
	if sources[0].Name != "Ahmed Ali" || sources[0].EntityType != "PERSON" || sources[0].Type != "entity" {
		t.Errorf("first source = %+v", sources[0])
	}
	if sources[1].Name != "Beta Holdings" {
		t.Errorf("second source = %+v", sources[1])
	}
	if sources[2].Type != "relationship" || sources[2].RelationshipType != "AGREES_TO" {
		t.Errorf("relationship source = %+v", sources[2])
	}
	if sources[3].Type != "chunk" || sources[3].SourceFile != "contract.pdf" {
		t.Errorf("chunk source = %+v", sources[3])
	}
}

func TestExtractSourcesEntityTypeFallsBackToLabel(t *testing.T) {
	result := &retrieval.Result{
		Entities: []graph.Node{{ID: "n1", Name: "lease", Label: "Contract", Language: language.English}},
	}
	sources := extractSources(result)
	if len(sources) != 1 || sources[0].EntityType != "Contract" {
		t.Errorf("sources = %+v", sources)
	}
}

func TestClipHistory(t *testing.T) {
	long := strings.Repeat("word ", 400) // well over the budget alone
	messages := []store.Message{
		{Role: "user", Content: long},
		{Role: "user", Content: "recent one"},
		{Role: "assistant", Content: "recent two"},
	}

	clipped := clipHistory(messages, 50)
	if len(clipped) != 2 {
		t.Fatalf("clipped = %d messages, want the 2 recent ones", len(clipped))
	}
	if clipped[0].Content != "recent one" || clipped[1].Content != "recent two" {
		t.Errorf("clipped = %+v", clipped)
	}
}

func TestClipHistoryKeepsAllWithinBudget(t *testing.T) {
	messages := []store.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	if got := clipHistory(messages, historyTokenBudget); len(got) != 2 {
		t.Errorf("clipped = %d, want 2", len(got))
	}
}
