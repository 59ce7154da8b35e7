package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/avokat-ai/avokat/language"
	"github.com/avokat-ai/avokat/llm"
)

// extractionPrompt asks the model for a knowledge graph of a legal text
// chunk in one call. The response must be a bare JSON object.
const extractionPrompt = `You are a knowledge graph extraction engine for legal documents.
Extract entities and relationships from the given text.

Focus on:
- Legal entities (persons, organizations, contracts, cases, laws, courts, regulations)
- Legal relationships (agreements, obligations, rights, responsibilities)
- Key legal concepts and terms
- Dates, amounts, locations, and other important details

ENTITY TYPES (use exactly these values):
PERSON, ORGANIZATION, CONTRACT, CASE, LAW, REGULATION, COURT, LOCATION,
DATE, MONEY, EVENT, OBLIGATION, RIGHT, CONCEPT, CLAUSE

Return a JSON object with exactly two keys:
  "nodes" : array of {"name": string, "type": string, "description": string, "confidence": number}
  "rels"  : array of {"source": string, "target": string, "type": string, "description": string}

Rules:
- Relationship source and target must be node names from the "nodes" array.
- Relationship types are upper snake case verbs (AGREES_TO, OBLIGATED_BY, INVOLVES, ...).
- Confidence is a float between 0.0 and 1.0.
- Be precise and avoid duplicates.
- If there is nothing to extract, return empty arrays.
- Do NOT include any text outside the JSON object.
%s
TEXT:
%s`

// arabicGuidance is appended for Arabic chunks.
const arabicGuidance = `
IMPORTANT: This text is in Arabic. Please:
- Extract entities and relationships in Arabic
- Preserve Arabic names, terms, and legal concepts exactly as they appear
- Use Arabic legal terminology appropriately
- Maintain cultural and linguistic context
`

// mixedGuidance is appended for chunks mixing Arabic and English.
const mixedGuidance = `
IMPORTANT: This text contains both Arabic and English content. Please:
- Extract entities and relationships in their original language
- Preserve Arabic names, terms, and legal concepts exactly as they appear
- Preserve English terms exactly as they appear
- Maintain both cultural and linguistic contexts
`

// extractedNode is one entity in the model's JSON output.
type extractedNode struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// extractedRel is one relationship in the model's JSON output.
type extractedRel struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// extraction is the full parsed result for one chunk.
type extraction struct {
	Nodes []extractedNode `json:"nodes"`
	Rels  []extractedRel  `json:"rels"`
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the LLM response text, tolerating
// markdown code fences and prose before or after the object.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}

	return "", fmt.Errorf("no JSON object found in response")
}

// promptFor builds the extraction prompt for a chunk, with language guidance
// for Arabic and mixed text.
func promptFor(content string, lang language.Tag) string {
	guidance := ""
	switch lang {
	case language.Arabic:
		guidance = arabicGuidance
	case language.Mixed:
		guidance = mixedGuidance
	}
	return fmt.Sprintf(extractionPrompt, guidance, content)
}

// extract runs one LLM extraction call and parses the result. Nodes without
// a name are dropped; relationships must reference extracted node names.
func extract(ctx context.Context, provider llm.Provider, content string, lang language.Tag) (*extraction, error) {
	resp, err := provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: promptFor(content, lang)},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("extraction llm chat: %w", err)
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing extraction result: %w", err)
	}

	var result extraction
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("unmarshalling extraction result: %w", err)
	}

	return sanitize(&result), nil
}

// sanitize drops unusable nodes and relationships whose endpoints were not
// extracted as nodes.
func sanitize(e *extraction) *extraction {
	known := make(map[string]bool, len(e.Nodes))
	nodes := e.Nodes[:0]
	for _, n := range e.Nodes {
		n.Name = strings.TrimSpace(n.Name)
		if n.Name == "" {
			continue
		}
		nodes = append(nodes, n)
		known[strings.ToLower(n.Name)] = true
	}
	e.Nodes = nodes

	rels := e.Rels[:0]
	for _, r := range e.Rels {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		if r.Source == "" || r.Target == "" {
			continue
		}
		if !known[strings.ToLower(r.Source)] || !known[strings.ToLower(r.Target)] {
			continue
		}
		rels = append(rels, r)
	}
	e.Rels = rels
	return e
}

// fallbackConfidence marks entities produced without the LLM.
const fallbackConfidence = 0.2

// fallbackExtract recovers entities from a chunk when the LLM output cannot
// be used: consecutive capitalized words become low-confidence concept
// entities, with no relationships. Arabic has no letter case, so Arabic-only
// chunks yield nothing, which still leaves the chunk itself searchable.
func fallbackExtract(content string) *extraction {
	var result extraction
	seen := make(map[string]bool)

	var span []string
	flush := func() {
		if len(span) == 0 {
			return
		}
		name := strings.Join(span, " ")
		span = nil
		key := strings.ToLower(name)
		if seen[key] || len([]rune(name)) < 2 {
			return
		}
		seen[key] = true
		result.Nodes = append(result.Nodes, extractedNode{
			Name:       name,
			Type:       "CONCEPT",
			Confidence: fallbackConfidence,
		})
	}

	for _, word := range strings.Fields(content) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		runes := []rune(trimmed)
		if len(runes) > 1 && unicode.IsUpper(runes[0]) {
			span = append(span, trimmed)
			continue
		}
		flush()
	}
	flush()

	return &result
}
