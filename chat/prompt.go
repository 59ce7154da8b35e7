package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/avokat-ai/avokat/language"
	"github.com/avokat-ai/avokat/retrieval"
	"github.com/avokat-ai/avokat/store"
)

// historyTokenBudget is the default cap on how much past conversation enters
// the prompt.
const historyTokenBudget = 1000

// systemPrompt frames every answer. The disclaimer always leads.
const systemPrompt = `You are a professional legal assistant with expertise in legal document analysis and knowledge graph interpretation. You provide accurate, helpful, and contextually relevant responses.

IMPORTANT DISCLAIMER: This is not legal advice. All responses are for informational purposes only and should not be considered as professional legal counsel. Users should consult with qualified legal professionals for specific legal matters.

Your role is to:
1. When document context is available: Analyze the provided knowledge graph entities and relationships
2. When no document context: Provide general legal information and assistance based on your training
3. Answer questions about legal concepts, procedures, and general legal topics
4. Provide clear, accurate explanations of legal concepts
5. Maintain professional and helpful communication

Guidelines:
- If document context is provided, prioritize information from the knowledge graph
- If no document context is available, use your general legal knowledge
- Always clearly state when you're providing general information vs. document-specific information
- Be precise and avoid speculation
- Maintain a professional tone throughout
- Answer in the language of the user's question`

// arabicEnhancement is appended to the system prompt for Arabic questions.
const arabicEnhancement = `

تعزيزات خاصة للمحتوى العربي:
- استخدم المصطلحات القانونية العربية المناسبة
- اعترف بالسياق الثقافي والقانوني العربي
- قدم التفسيرات باللغة العربية عندما يكون ذلك مناسباً
- استخدم المصطلحات القانونية الإسلامية عند الاقتضاء
- اعترف بالاختلافات في الأنظمة القانونية العربية`

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokens counts prompt tokens with the cl100k_base encoding, falling
// back to the bytes/4 heuristic when the encoding data is unavailable
// (offline environments).
func countTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// clipHistory keeps the most recent messages whose cumulative token count
// fits the budget, preserving chronological order. The oldest messages fall
// off first.
func clipHistory(messages []store.Message, budget int) []store.Message {
	var total int
	cut := 0
	for i := len(messages) - 1; i >= 0; i-- {
		t := countTokens(messages[i].Content)
		if total+t > budget {
			cut = i + 1
			break
		}
		total += t
	}
	return messages[cut:]
}

// buildContext renders the retrieval result as prompt text: entities,
// related information from the expansion pass, document content with
// citations, and the search terms used.
func buildContext(result *retrieval.Result) string {
	var parts []string

	if len(result.Entities) > 0 {
		parts = append(parts, "=== ENTITIES FROM DOCUMENTS ===")
		for _, e := range result.Entities {
			info := fmt.Sprintf("- %s (%s)", e.Name, e.Label)
			if e.Description != "" {
				info += ": " + e.Description
			}
			if e.Language != "" {
				info += fmt.Sprintf(" [Language: %s]", e.Language)
			}
			parts = append(parts, info)
		}
	}

	if len(result.Expanded) > 0 {
		parts = append(parts, "\n=== RELATED INFORMATION ===")
		for _, ex := range result.Expanded {
			info := fmt.Sprintf("- Related: %s (%s)", ex.Node.Name, ex.Node.Label)
			if ex.RelType != "" {
				info += " via " + ex.RelType
			}
			parts = append(parts, info)
		}
	}

	if len(result.Chunks) > 0 {
		parts = append(parts, "\n=== DOCUMENT CONTENT ===")
		for i, c := range result.Chunks {
			parts = append(parts, fmt.Sprintf("Chunk %d (source: %s, page %d, language: %s): %s",
				i+1, c.SourceFile, c.Page, c.Language, c.Content))
		}
	}

	if len(result.SearchTerms) > 0 {
		parts = append(parts, "\n=== SEARCH TERMS USED ===")
		parts = append(parts, "Terms: "+strings.Join(result.SearchTerms, ", "))
	}

	return strings.Join(parts, "\n")
}

// buildHistory renders the clipped conversation with role labels.
func buildHistory(messages []store.Message, budget int) string {
	clipped := clipHistory(messages, budget)
	if len(clipped) == 0 {
		return ""
	}
	parts := make([]string, 0, len(clipped)+1)
	parts = append(parts, "=== RECENT CHAT HISTORY ===")
	for _, m := range clipped {
		switch m.Role {
		case "user":
			parts = append(parts, "User: "+m.Content)
		case "assistant":
			parts = append(parts, "Assistant: "+m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// buildPrompt assembles the full prompt: system block with disclaimer,
// document context, recent history, and the question.
func buildPrompt(result *retrieval.Result, history []store.Message, question string, budget int) string {
	system := systemPrompt
	if result.QueryLanguage == language.Arabic {
		system += arabicEnhancement
	}

	sections := []string{system}
	if ctxBlock := buildContext(result); ctxBlock != "" {
		sections = append(sections, ctxBlock)
	}
	if histBlock := buildHistory(history, budget); histBlock != "" {
		sections = append(sections, histBlock)
	}
	sections = append(sections, "User Question: "+question, "Assistant Response:")

	return strings.Join(sections, "\n\n")
}

// extractSources collects unique citations from everything that backed the
// answer: one source per entity, per expanded relationship, and per chunk,
// in the order they appeared in the context.
func extractSources(result *retrieval.Result) []store.Source {
	seen := make(map[store.Source]bool)
	var sources []store.Source
	add := func(s store.Source) {
		if !seen[s] {
			seen[s] = true
			sources = append(sources, s)
		}
	}

	for _, e := range result.Entities {
		entityType := e.Type
		if entityType == "" {
			entityType = e.Label
		}
		add(store.Source{
			Type:       "entity",
			Name:       e.Name,
			EntityType: entityType,
			Language:   e.Language.String(),
		})
	}
	for _, ex := range result.Expanded {
		add(store.Source{
			Type:             "relationship",
			RelationshipType: ex.RelType,
			Language:         ex.Node.Language.String(),
		})
	}
	for _, c := range result.Chunks {
		add(store.Source{
			Type:       "chunk",
			SourceFile: c.SourceFile,
			Page:       c.Page,
			Language:   c.Language.String(),
		})
	}
	return sources
}
