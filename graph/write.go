package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avokat-ai/avokat/language"
)

// ErrNoSession is returned when a write is attempted without a session id.
var ErrNoSession = fmt.Errorf("graph: session id required")

// UpsertNode merges an entity into the session's graph. The merge key is the
// normalized name, so re-ingesting the same document updates nodes in place
// instead of duplicating them. When an existing node is seen again in a
// different language its language becomes "mixed"; a non-empty description
// overwrites the stored one. Returns the node id and whether it was created.
func (s *Store) UpsertNode(ctx context.Context, sessionID string, n Node) (string, bool, error) {
	if sessionID == "" {
		return "", false, ErrNoSession
	}
	key := NormKey(n.Name)
	if key == "" {
		return "", false, fmt.Errorf("graph: node name empty after normalization")
	}
	label := SafeLabel(n.Type)

	query := fmt.Sprintf(`
MERGE (n:%s {session_id: $session_id, norm_key: $norm_key})
ON CREATE SET n.id = $id, n.created_at = $created_at, n.name = $name
SET n.entity_type = $entity_type,
    n.language = CASE
        WHEN n.language IS NULL OR n.language = $language THEN $language
        ELSE 'mixed'
    END,
    n.description = CASE WHEN $description = '' THEN n.description ELSE $description END,
    n.confidence = CASE WHEN $confidence = 0.0 THEN n.confidence ELSE $confidence END
RETURN n.id AS id, n.created_at = $created_at AS created`, label)

	result, err := s.run(ctx, query, map[string]any{
		"session_id":  sessionID,
		"norm_key":    key,
		"id":          uuid.NewString(),
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"name":        n.Name,
		"entity_type": n.Type,
		"language":    n.Language.String(),
		"description": n.Description,
		"confidence":  n.Confidence,
	})
	if err != nil {
		return "", false, fmt.Errorf("upserting node %q: %w", n.Name, err)
	}
	if len(result.Records) == 0 {
		return "", false, fmt.Errorf("upserting node %q: no record returned", n.Name)
	}

	rec := result.Records[0]
	id, _ := rec.Get("id")
	created, _ := rec.Get("created")
	idStr, _ := id.(string)
	createdBool, _ := created.(bool)
	return idStr, createdBool, nil
}

// Relate merges a relationship between two nodes of the same session. The
// relationship carries session_id and language like every node does, and
// merging an existing edge in another language marks it mixed.
func (s *Store) Relate(ctx context.Context, sessionID, fromID, toID, relType string, lang language.Tag) (bool, error) {
	if sessionID == "" {
		return false, ErrNoSession
	}
	rt := SafeRelType(relType)

	query := fmt.Sprintf(`
MATCH (a {id: $from_id, session_id: $session_id})
MATCH (b {id: $to_id, session_id: $session_id})
MERGE (a)-[r:%s {session_id: $session_id}]->(b)
ON CREATE SET r.id = $id, r.created_at = $created_at
SET r.language = CASE
    WHEN r.language IS NULL OR r.language = $language THEN $language
    ELSE 'mixed'
END
RETURN r.created_at = $created_at AS created`, rt)

	result, err := s.run(ctx, query, map[string]any{
		"session_id": sessionID,
		"from_id":    fromID,
		"to_id":      toID,
		"id":         uuid.NewString(),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"language":   lang.String(),
	})
	if err != nil {
		return false, fmt.Errorf("relating %s-[%s]->%s: %w", fromID, rt, toID, err)
	}
	if len(result.Records) == 0 {
		// One of the endpoints no longer exists; the session may have been
		// deleted mid-ingest.
		return false, fmt.Errorf("relating %s-[%s]->%s: endpoint missing", fromID, rt, toID)
	}

	created, _ := result.Records[0].Get("created")
	createdBool, _ := created.(bool)
	return createdBool, nil
}

// InsertChunk stores a document chunk with its embedding as a DocumentChunk
// node. Chunks are not merged: each ingest run appends its own chunks.
func (s *Store) InsertChunk(ctx context.Context, sessionID string, c Chunk) (string, error) {
	if sessionID == "" {
		return "", ErrNoSession
	}
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
CREATE (c:DocumentChunk {
    id: $id,
    session_id: $session_id,
    content: $content,
    source_file: $source_file,
    page: $page,
    chunk_index: $chunk_index,
    language: $language,
    embedding: $embedding,
    created_at: $created_at
})
RETURN c.id AS id`

	_, err := s.run(ctx, query, map[string]any{
		"id":          id,
		"session_id":  sessionID,
		"content":     c.Content,
		"source_file": c.SourceFile,
		"page":        c.Page,
		"chunk_index": c.Index,
		"language":    c.Language.String(),
		"embedding":   toFloat64s(c.Embedding),
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("inserting chunk %d of %s: %w", c.Index, c.SourceFile, err)
	}
	return id, nil
}

// DeleteSession removes every node and relationship belonging to the
// session, including document chunks and their embeddings.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	_, err := s.run(ctx, `
MATCH (n {session_id: $session_id})
DETACH DELETE n`, map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("deleting session %s graph: %w", sessionID, err)
	}
	return nil
}
