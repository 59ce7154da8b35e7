package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/avokat-ai/avokat/language"
)

// AllChunks returns every document chunk of the session in ingest order,
// embeddings included.
func (s *Store) AllChunks(ctx context.Context, sessionID string) ([]Chunk, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	result, err := s.run(ctx, `
MATCH (c:DocumentChunk)
WHERE c.session_id = $session_id
RETURN c
ORDER BY c.source_file, c.chunk_index`, map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("loading chunks for session %s: %w", sessionID, err)
	}

	chunks := make([]Chunk, 0, len(result.Records))
	for _, rec := range result.Records {
		v, ok := rec.Get("c")
		if !ok {
			continue
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			continue
		}

		var embedding []float32
		if raw, ok := node.Props["embedding"].([]any); ok {
			embedding = toFloat32s(raw)
		}
		chunks = append(chunks, Chunk{
			ID:         propString(node.Props, "id"),
			Content:    propString(node.Props, "content"),
			SourceFile: propString(node.Props, "source_file"),
			Page:       propInt(node.Props, "page"),
			Index:      propInt(node.Props, "chunk_index"),
			Language:   language.Tag(propString(node.Props, "language")),
			Embedding:  embedding,
		})
	}
	return chunks, nil
}

// searchCondition builds the per-term match clause over a node's name,
// content, description, and any other free-form property. Terms are bound
// as parameters, never interpolated.
func searchCondition(terms []string) (string, map[string]any) {
	params := make(map[string]any, len(terms))
	clauses := make([]string, 0, len(terms))
	for i, term := range terms {
		p := fmt.Sprintf("term_%d", i)
		params[p] = strings.ToLower(term)
		clauses = append(clauses, fmt.Sprintf(`(
    (n.name IS NOT NULL AND toLower(n.name) CONTAINS $%[1]s)
    OR (n.content IS NOT NULL AND toLower(n.content) CONTAINS $%[1]s)
    OR (n.description IS NOT NULL AND toLower(n.description) CONTAINS $%[1]s)
    OR ANY(prop IN keys(n) WHERE
        NOT prop IN ['session_id', 'created_at', 'language', 'id', 'norm_key', 'embedding', 'chunk_index', 'page']
        AND toLower(toString(n[prop])) CONTAINS $%[1]s)
)`, p))
	}
	if len(clauses) == 0 {
		return "false", params
	}
	return strings.Join(clauses, " OR "), params
}

// SearchNodes finds session nodes whose text matches any of the given
// terms. Results are ranked by which field matched: content first, then
// name, then description, then anything else. Ties break on recency and
// then id, so the ordering is deterministic. A non-mixed language narrows
// the search to nodes tagged with that language.
func (s *Store) SearchNodes(ctx context.Context, sessionID string, terms []string, lang language.Tag, limit int) ([]Node, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	condition, params := searchCondition(terms)
	params["session_id"] = sessionID
	params["limit"] = limit

	langFilter := ""
	if lang == language.Arabic || lang == language.English {
		langFilter = " AND n.language = $language"
		params["language"] = lang.String()
	}

	query := fmt.Sprintf(`
MATCH (n)
WHERE n.session_id = $session_id%s
AND (%s)
WITH n,
     CASE
         WHEN n.content IS NOT NULL THEN 1
         WHEN n.name IS NOT NULL THEN 2
         WHEN n.description IS NOT NULL THEN 3
         ELSE 4
     END AS relevance_score
ORDER BY relevance_score ASC, n.created_at DESC, n.id ASC
LIMIT $limit
RETURN n, relevance_score`, langFilter, condition)

	result, err := s.run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("searching session %s: %w", sessionID, err)
	}

	nodes := make([]Node, 0, len(result.Records))
	for _, rec := range result.Records {
		v, ok := rec.Get("n")
		if !ok {
			continue
		}
		n, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		node := nodeFromNeo4j(n)
		if score, ok := rec.Get("relevance_score"); ok {
			if si, ok := score.(int64); ok {
				node.Score = int(si)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ExpandNeighbours follows one hop of relationships out of the given nodes,
// staying inside the session on both endpoints and the edge itself. Nodes
// already in the seed set are not returned again.
func (s *Store) ExpandNeighbours(ctx context.Context, sessionID string, nodeIDs []string, limit int) ([]Expanded, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	result, err := s.run(ctx, `
MATCH (n)-[r]-(related)
WHERE n.session_id = $session_id
AND related.session_id = $session_id
AND r.session_id = $session_id
AND n.id IN $node_ids
AND NOT related.id IN $node_ids
RETURN DISTINCT related, type(r) AS rel_type, n.id AS source_id, labels(n)[0] AS source_label
ORDER BY related.created_at DESC, related.id ASC
LIMIT $limit`, map[string]any{
		"session_id": sessionID,
		"node_ids":   nodeIDs,
		"limit":      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("expanding neighbours in session %s: %w", sessionID, err)
	}

	expanded := make([]Expanded, 0, len(result.Records))
	for _, rec := range result.Records {
		v, ok := rec.Get("related")
		if !ok {
			continue
		}
		n, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		e := Expanded{Node: nodeFromNeo4j(n)}
		if rt, ok := rec.Get("rel_type"); ok {
			e.RelType, _ = rt.(string)
		}
		if sid, ok := rec.Get("source_id"); ok {
			e.SourceID, _ = sid.(string)
		}
		if sl, ok := rec.Get("source_label"); ok {
			e.SourceLabel, _ = sl.(string)
		}
		expanded = append(expanded, e)
	}
	return expanded, nil
}

// SessionStats counts the session's nodes by label and language and its
// relationships by type.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (*Stats, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	stats := &Stats{
		NodesByLabel:    make(map[string]int),
		NodesByLanguage: make(map[string]int),
		RelsByType:      make(map[string]int),
	}

	nodeResult, err := s.run(ctx, `
MATCH (n)
WHERE n.session_id = $session_id
RETURN labels(n)[0] AS label, coalesce(n.language, 'unknown') AS lang, count(n) AS c`,
		map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("counting nodes for session %s: %w", sessionID, err)
	}
	for _, rec := range nodeResult.Records {
		label, _ := rec.Get("label")
		lang, _ := rec.Get("lang")
		c, _ := rec.Get("c")
		count := int(c.(int64))
		stats.NodesByLabel[label.(string)] += count
		stats.NodesByLanguage[lang.(string)] += count
		stats.TotalNodes += count
	}

	relResult, err := s.run(ctx, `
MATCH ()-[r]->()
WHERE r.session_id = $session_id
RETURN type(r) AS t, count(r) AS c`,
		map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("counting relationships for session %s: %w", sessionID, err)
	}
	for _, rec := range relResult.Records {
		t, _ := rec.Get("t")
		c, _ := rec.Get("c")
		count := int(c.(int64))
		stats.RelsByType[t.(string)] += count
		stats.TotalRels += count
	}

	return stats, nil
}
