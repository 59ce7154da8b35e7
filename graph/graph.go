// Package graph persists the per-session knowledge graph in Neo4j.
//
// Every node and relationship carries a session_id property, and every read
// or write filters on it. Nothing in this package can see or touch another
// session's data; deleting a session removes its subgraph completely.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/avokat-ai/avokat/language"
)

// Node labels the extractor may produce. Labels cannot be parameterized in
// Cypher, so anything outside this set is stored under the generic Entity
// label with its raw type kept in the entity_type property.
var allowedLabels = map[string]bool{
	"Person":       true,
	"Organization": true,
	"Contract":     true,
	"Case":         true,
	"Law":          true,
	"Regulation":   true,
	"Court":        true,
	"Location":     true,
	"Date":         true,
	"Money":        true,
	"Event":        true,
	"Obligation":   true,
	"Right":        true,
	"Concept":      true,
	"Clause":       true,
	"Entity":       true,
	"Document":     true,
}

// LabelChunk is the node label for stored document chunks.
const LabelChunk = "DocumentChunk"

// LabelDocument is the node label for uploaded source documents.
const LabelDocument = "Document"

// Relationship types created by ingestion itself (as opposed to extracted
// ones, which are sanitized dynamically).
const (
	RelContains = "CONTAINS"
	RelMentions = "MENTIONS"
)

var relTypePattern = regexp.MustCompile(`[^A-Z0-9_]+`)

// Node is an entity in the session's knowledge graph.
type Node struct {
	ID          string
	Label       string
	Name        string
	Type        string // raw extracted entity type
	Description string
	Confidence  float64 // extraction confidence in [0,1]; 0 means unset
	Language    language.Tag
	Content     string // set only for DocumentChunk nodes
	Score       int    // relevance rank from SearchNodes, lower is better
}

// Chunk is a stored document chunk with its embedding.
type Chunk struct {
	ID         string
	Content    string
	SourceFile string
	Page       int
	Index      int // position of the chunk within the document
	Language   language.Tag
	Embedding  []float32
}

// Expanded is a one-hop neighbour of a matched entity.
type Expanded struct {
	Node        Node
	RelType     string
	SourceID    string // id of the matched entity this neighbour hangs off
	SourceLabel string
}

// Stats summarizes a session's subgraph.
type Stats struct {
	NodesByLabel    map[string]int `json:"nodes_by_label"`
	NodesByLanguage map[string]int `json:"nodes_by_language"`
	RelsByType      map[string]int `json:"relationships_by_type"`
	TotalNodes      int            `json:"total_nodes"`
	TotalRels       int            `json:"total_relationships"`
}

// Store is a Neo4j-backed session graph store. It is safe for concurrent use.
type Store struct {
	driver neo4j.DriverWithContext
	db     string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j at %s: %w", uri, err)
	}
	slog.Info("graph: connected to neo4j", "uri", uri, "database", database)
	return &Store{driver: driver, db: database}, nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// run executes a single Cypher statement against the configured database.
func (s *Store) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.db))
}

// EnsureIndices creates the indices every session-scoped query relies on.
// Safe to call on every startup.
func (s *Store) EnsureIndices(ctx context.Context) error {
	var stmts []string
	for label := range allowedLabels {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX idx_%s_session_key IF NOT EXISTS FOR (n:%s) ON (n.session_id, n.norm_key)",
			strings.ToLower(label), label))
	}
	stmts = append(stmts,
		"CREATE INDEX idx_chunk_session IF NOT EXISTS FOR (n:DocumentChunk) ON (n.session_id)",
		"CREATE INDEX idx_chunk_session_index IF NOT EXISTS FOR (n:DocumentChunk) ON (n.session_id, n.chunk_index)",
		"CREATE INDEX idx_rel_contains_session IF NOT EXISTS FOR ()-[r:CONTAINS]-() ON (r.session_id)",
		"CREATE INDEX idx_rel_mentions_session IF NOT EXISTS FOR ()-[r:MENTIONS]-() ON (r.session_id)",
	)

	for _, stmt := range stmts {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// NormKey is the canonical merge key for entity names: Unicode NFKC
// normalization, case folding, and whitespace collapse. Two extracted names
// that differ only in case, width, or spacing upsert into the same node.
func NormKey(name string) string {
	folded := cases.Fold().String(norm.NFKC.String(name))
	return strings.Join(strings.Fields(folded), " ")
}

// SafeLabel maps a raw extracted entity type onto an allowed node label.
func SafeLabel(entityType string) string {
	t := strings.TrimSpace(entityType)
	if t == "" {
		return "Entity"
	}
	// PERSON, person and Person all map to the same label.
	t = strings.ToUpper(t[:1]) + strings.ToLower(t[1:])
	if allowedLabels[t] {
		return t
	}
	return "Entity"
}

// SafeRelType sanitizes a raw extracted relationship type into a legal
// Cypher relationship type: upper snake case, ASCII only.
func SafeRelType(relType string) string {
	t := strings.ToUpper(strings.TrimSpace(relType))
	t = relTypePattern.ReplaceAllString(strings.ReplaceAll(t, " ", "_"), "_")
	t = strings.Trim(t, "_")
	if t == "" || (t[0] >= '0' && t[0] <= '9') {
		return "RELATES_TO"
	}
	return t
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32s(v []any) []float32 {
	out := make([]float32, 0, len(v))
	for _, f := range v {
		if fv, ok := f.(float64); ok {
			out = append(out, float32(fv))
		}
	}
	return out
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propInt(props map[string]any, key string) int {
	if v, ok := props[key].(int64); ok {
		return int(v)
	}
	return 0
}

func propFloat(props map[string]any, key string) float64 {
	if v, ok := props[key].(float64); ok {
		return v
	}
	return 0
}

// nodeFromNeo4j converts a driver node into our Node type. DocumentChunk
// nodes without a name borrow the first line of their content.
func nodeFromNeo4j(n neo4j.Node) Node {
	label := "Entity"
	if len(n.Labels) > 0 {
		label = n.Labels[0]
	}

	node := Node{
		ID:          propString(n.Props, "id"),
		Label:       label,
		Name:        propString(n.Props, "name"),
		Type:        propString(n.Props, "entity_type"),
		Description: propString(n.Props, "description"),
		Confidence:  propFloat(n.Props, "confidence"),
		Language:    language.Tag(propString(n.Props, "language")),
		Content:     propString(n.Props, "content"),
	}
	if node.Name == "" && node.Content != "" {
		node.Name = firstLine(node.Content, 50)
	}
	return node
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
