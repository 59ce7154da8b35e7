package retrieval

import (
	"context"
	"reflect"
	"testing"

	"github.com/avokat-ai/avokat/graph"
	"github.com/avokat-ai/avokat/language"
)

func TestMeaningfulTerms(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			"english stop words removed",
			"What is the rent amount?",
			[]string{"rent", "amount"},
		},
		{
			"arabic stop words removed",
			"ما هو مبلغ الإيجار؟",
			[]string{"مبلغ", "الإيجار"},
		},
		{
			"compound prefix unfolded",
			"فالعقد ينص على",
			[]string{"عقد", "ينص"},
		},
		{
			"general content query",
			"what is in the file?",
			broadTerms,
		},
		{
			"arabic general content query",
			"ماذا يوجد في الملف؟",
			broadTerms,
		},
		{
			"descriptive query",
			"describe the document",
			descriptiveTerms,
		},
		{
			"filler words stripped around a keyword",
			"tell me about the document",
			[]string{"document"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MeaningfulTerms(tt.query); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MeaningfulTerms(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestMeaningfulTermsNeverEmpty(t *testing.T) {
	// A query of pure stop words with no document indicator must still
	// produce something to search for.
	got := MeaningfulTerms("what is the")
	if len(got) == 0 {
		t.Fatal("terms must not be empty for a non-empty query")
	}
}

func TestGeneralContent(t *testing.T) {
	if !GeneralContent("What is in the document?") {
		t.Error("english general query not detected")
	}
	if !GeneralContent("ماذا يحتوي الملف") {
		t.Error("arabic general query not detected")
	}
	if GeneralContent("How much is the monthly rent?") {
		t.Error("specific query misdetected as general")
	}
}

// fakeGraph serves a fixed session's data and fails for any other session.
type fakeGraph struct {
	sessionID string
	chunks    []graph.Chunk
	nodes     []graph.Node
	expanded  []graph.Expanded

	searchedTerms []string
	searchedLang  language.Tag
	expandedIDs   []string
}

func (f *fakeGraph) AllChunks(_ context.Context, sessionID string) ([]graph.Chunk, error) {
	if sessionID != f.sessionID {
		return nil, nil
	}
	return f.chunks, nil
}

func (f *fakeGraph) SearchNodes(_ context.Context, sessionID string, terms []string, lang language.Tag, _ int) ([]graph.Node, error) {
	if sessionID != f.sessionID {
		return nil, nil
	}
	f.searchedTerms = terms
	f.searchedLang = lang
	return f.nodes, nil
}

func (f *fakeGraph) ExpandNeighbours(_ context.Context, sessionID string, ids []string, _ int) ([]graph.Expanded, error) {
	if sessionID != f.sessionID {
		return nil, nil
	}
	f.expandedIDs = ids
	return f.expanded, nil
}

// axisEmbedder embeds known texts as fixed unit vectors.
type axisEmbedder struct {
	vectors map[string][]float32
}

func (a *axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := a.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func newTestRetriever(g Graph, e Embedder) *Retriever {
	return New(g, e, 5)
}

func TestRetrieveSessionIsolation(t *testing.T) {
	g := &fakeGraph{
		sessionID: "s1",
		chunks:    []graph.Chunk{{ID: "c1", Content: "rent is 5000", Embedding: []float32{1, 0, 0}}},
		nodes:     []graph.Node{{ID: "n1", Name: "rent"}},
	}
	r := newTestRetriever(g, &axisEmbedder{vectors: map[string][]float32{}})

	// Same query against a different session sees nothing.
	result, err := r.Retrieve(context.Background(), "s2", "rent amount")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Empty() {
		t.Errorf("foreign session leaked data: %+v", result)
	}
}

func TestRetrieveSemanticCutoffs(t *testing.T) {
	query := "rent amount"
	g := &fakeGraph{
		sessionID: "s1",
		chunks: []graph.Chunk{
			{ID: "strong", Embedding: []float32{1, 0, 0}},
			{ID: "weak", Embedding: []float32{0.4, 0.9165151, 0}},
			{ID: "unrelated", Embedding: []float32{0, 1, 0}},
		},
	}
	e := &axisEmbedder{vectors: map[string][]float32{query: {1, 0, 0}}}
	r := newTestRetriever(g, e)

	result, err := r.Retrieve(context.Background(), "s1", query)
	if err != nil {
		t.Fatal(err)
	}
	// Only the strong chunk clears the 0.5 cutoff.
	if len(result.Chunks) != 1 || result.Chunks[0].ID != "strong" {
		t.Fatalf("chunks = %+v, want only the strong match", result.Chunks)
	}
	if result.Chunks[0].Score < 0.99 {
		t.Errorf("strong score = %f", result.Chunks[0].Score)
	}
}

func TestRetrieveWeakCutoffFallback(t *testing.T) {
	query := "rent amount"
	g := &fakeGraph{
		sessionID: "s1",
		chunks: []graph.Chunk{
			{ID: "weak", Embedding: []float32{0.3, 0.9539392, 0}},
		},
	}
	e := &axisEmbedder{vectors: map[string][]float32{query: {1, 0, 0}}}
	r := newTestRetriever(g, e)

	result, err := r.Retrieve(context.Background(), "s1", query)
	if err != nil {
		t.Fatal(err)
	}
	// Nothing clears 0.5, so the 0.2 cutoff admits the weak chunk.
	if len(result.Chunks) != 1 || result.Chunks[0].ID != "weak" {
		t.Fatalf("chunks = %+v, want the weak match", result.Chunks)
	}
}

func TestRetrieveAllChunksWhenNothingMatches(t *testing.T) {
	query := "rent amount"
	g := &fakeGraph{
		sessionID: "s1",
		chunks: []graph.Chunk{
			{ID: "c1", Embedding: []float32{0, 1, 0}},
			{ID: "c2", Embedding: []float32{0, 0, 1}},
		},
	}
	e := &axisEmbedder{vectors: map[string][]float32{query: {1, 0, 0}}}
	r := newTestRetriever(g, e)

	result, err := r.Retrieve(context.Background(), "s1", query)
	if err != nil {
		t.Fatal(err)
	}
	// Content exists but nothing is similar; full coverage beats silence.
	if len(result.Chunks) != 2 {
		t.Fatalf("chunks = %d, want all 2", len(result.Chunks))
	}
}

func TestRetrieveGeneralContentGetsAllChunks(t *testing.T) {
	g := &fakeGraph{
		sessionID: "s1",
		chunks: []graph.Chunk{
			{ID: "c1", Embedding: []float32{0, 1, 0}},
			{ID: "c2", Embedding: []float32{0, 0, 1}},
			{ID: "c3", Embedding: []float32{1, 0, 0}},
		},
	}
	r := newTestRetriever(g, &axisEmbedder{vectors: map[string][]float32{}})

	result, err := r.Retrieve(context.Background(), "s1", "what is in the file?")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Chunks) != 3 {
		t.Fatalf("chunks = %d, want all 3", len(result.Chunks))
	}
	if !reflect.DeepEqual(result.SearchTerms, broadTerms) {
		t.Errorf("terms = %v", result.SearchTerms)
	}
}

func TestRetrieveExpandsMatchedEntities(t *testing.T) {
	g := &fakeGraph{
		sessionID: "s1",
		nodes: []graph.Node{
			{ID: "n1", Name: "rental contract"},
			{ID: "n2", Name: "rent"},
		},
		expanded: []graph.Expanded{
			{Node: graph.Node{ID: "n3", Name: "landlord"}, RelType: "PARTY_TO", SourceID: "n1"},
		},
	}
	r := newTestRetriever(g, &axisEmbedder{vectors: map[string][]float32{}})

	result, err := r.Retrieve(context.Background(), "s1", "who signed the rental contract?")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.expandedIDs, []string{"n1", "n2"}) {
		t.Errorf("expansion seeded with %v", g.expandedIDs)
	}
	if len(result.Expanded) != 1 || result.Expanded[0].Node.Name != "landlord" {
		t.Errorf("expanded = %+v", result.Expanded)
	}
}

func TestRetrieveLanguagePassedToSearch(t *testing.T) {
	g := &fakeGraph{sessionID: "s1", nodes: []graph.Node{}}
	r := newTestRetriever(g, &axisEmbedder{vectors: map[string][]float32{}})

	if _, err := r.Retrieve(context.Background(), "s1", "ما هو مبلغ الإيجار؟"); err != nil {
		t.Fatal(err)
	}
	if g.searchedLang != language.Arabic {
		t.Errorf("search language = %q, want ar", g.searchedLang)
	}
}
