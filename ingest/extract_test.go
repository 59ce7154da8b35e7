package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/avokat-ai/avokat/language"
	"github.com/avokat-ai/avokat/llm"
)

// scriptedLLM returns canned responses in order and records prompts.
type scriptedLLM struct {
	responses []string
	errs      []error
	prompts   []string
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	i := len(s.prompts)
	s.prompts = append(s.prompts, req.Messages[len(req.Messages)-1].Content)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("no scripted response")
	}
	return &llm.ChatResponse{Content: s.responses[i]}, nil
}

func (s *scriptedLLM) ChatStream(context.Context, llm.ChatRequest) (<-chan llm.StreamFragment, error) {
	return nil, errors.New("not implemented")
}

func (s *scriptedLLM) Embed(context.Context, string, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"nodes": []}`, `{"nodes": []}`, false},
		{"fenced", "```json\n{\"nodes\": []}\n```", `{"nodes": []}`, false},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", `Here you go: {"a":1} hope that helps`, `{"a":1}`, false},
		{"no json", "I cannot do that", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractParsesAndSanitizes(t *testing.T) {
	s := &scriptedLLM{responses: []string{`{
		"nodes": [
			{"name": "Ahmed Ali", "type": "PERSON", "description": "the tenant", "confidence": 0.9},
			{"name": "  ", "type": "PERSON", "description": "blank name", "confidence": 0.9},
			{"name": "Rental Contract", "type": "CONTRACT", "description": "", "confidence": 0.8}
		],
		"rels": [
			{"source": "Ahmed Ali", "target": "Rental Contract", "type": "AGREES_TO", "description": "signs"},
			{"source": "Ahmed Ali", "target": "Unknown Entity", "type": "INVOLVES", "description": "dangling"}
		]
	}`}}

	ext, err := extract(context.Background(), s, "some text", language.English)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(ext.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(ext.Nodes))
	}
	if len(ext.Rels) != 1 {
		t.Fatalf("rels = %d, want 1 (dangling endpoint must be dropped)", len(ext.Rels))
	}
	if ext.Rels[0].Target != "Rental Contract" {
		t.Errorf("rel target = %q", ext.Rels[0].Target)
	}
}

func TestExtractMalformedJSON(t *testing.T) {
	s := &scriptedLLM{responses: []string{"definitely not json"}}
	if _, err := extract(context.Background(), s, "text", language.English); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestPromptLanguageGuidance(t *testing.T) {
	en := promptFor("text", language.English)
	ar := promptFor("text", language.Arabic)
	mixed := promptFor("text", language.Mixed)

	if strings.Contains(en, "This text is in Arabic") {
		t.Error("english prompt must carry no Arabic guidance")
	}
	if !strings.Contains(ar, "This text is in Arabic") {
		t.Error("arabic prompt missing guidance")
	}
	if !strings.Contains(mixed, "both Arabic and English") {
		t.Error("mixed prompt missing guidance")
	}
}

func TestFallbackExtract(t *testing.T) {
	ext := fallbackExtract("The tenant Ahmed Ali signed the Rental Contract in Riyadh yesterday.")

	names := make(map[string]bool)
	for _, n := range ext.Nodes {
		names[n.Name] = true
		if n.Confidence != fallbackConfidence {
			t.Errorf("confidence = %f", n.Confidence)
		}
		if n.Type != "CONCEPT" {
			t.Errorf("type = %q", n.Type)
		}
	}
	if !names["Ahmed Ali"] {
		t.Errorf("expected span 'Ahmed Ali', got %v", names)
	}
	if !names["Rental Contract"] {
		t.Errorf("expected span 'Rental Contract', got %v", names)
	}
	if len(ext.Rels) != 0 {
		t.Errorf("fallback must not invent relationships, got %d", len(ext.Rels))
	}
}

func TestFallbackExtractArabicOnly(t *testing.T) {
	// Arabic has no letter case, so the heuristic finds nothing; that is
	// fine because the chunk text itself stays searchable.
	ext := fallbackExtract("يلتزم المستأجر بدفع الإيجار شهرياً")
	if len(ext.Nodes) != 0 {
		t.Errorf("nodes = %d, want 0", len(ext.Nodes))
	}
}
