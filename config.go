package avokat

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Avokat service.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `json:"http_addr"`

	// SQLitePath is the path of the sessions database file.
	SQLitePath string `json:"sqlite_path"`

	// UploadsDir is where ingested PDFs are kept on disk.
	UploadsDir string `json:"uploads_dir"`

	// Neo4j connection for the knowledge graph.
	Neo4jURI      string `json:"neo4j_uri"`
	Neo4jUser     string `json:"neo4j_user"`
	Neo4jPassword string `json:"neo4j_password"`
	Neo4jDatabase string `json:"neo4j_database"`

	// LLM provider for extraction and answering.
	LLM LLMConfig `json:"llm"`

	// EmbedModels is the priority-ordered list of embedding models to try
	// at startup. When none is reachable a local hash embedder is used.
	EmbedModels []string `json:"embed_models"`

	// MaxUploadBytes caps the size of one uploaded PDF.
	MaxUploadBytes int `json:"max_upload_bytes"`

	// ExtractionInterval is the minimum spacing between extraction calls.
	ExtractionInterval time.Duration `json:"extraction_interval"`

	// Chunking
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// RetrievalLimit caps each retrieval pass.
	RetrievalLimit int `json:"retrieval_limit"`

	// MaxMessageChars caps the length of one chat message.
	MaxMessageChars int `json:"max_message_chars"`

	// HistoryTokenBudget caps how much past conversation enters a prompt.
	HistoryTokenBudget int `json:"history_token_budget"`
}

// LLMConfig configures the LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // gemini, openai, openrouter, groq, ollama, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults: Gemini for
// extraction and answering, a local Neo4j, and on-disk data under ./data.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:      ":8000",
		SQLitePath:    "data/avokat.db",
		UploadsDir:    "data/uploads",
		Neo4jURI:      "bolt://localhost:7687",
		Neo4jUser:     "neo4j",
		Neo4jPassword: "password",
		Neo4jDatabase: "neo4j",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
		},
		EmbedModels:        []string{"gemini-embedding-001", "text-embedding-004"},
		MaxUploadBytes:     20 << 20,
		ExtractionInterval: 4 * time.Second,
		ChunkSize:          1000,
		ChunkOverlap:       100,
		RetrievalLimit:     15,
		MaxMessageChars:    4000,
		HistoryTokenBudget: 1000,
	}
}

// FromEnv builds a Config from environment variables on top of the
// defaults. Load a .env file first if one is used.
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.HTTPAddr = envStr("LISTEN_ADDR", cfg.HTTPAddr)
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	cfg.SQLitePath = envStr("DATABASE_URL", cfg.SQLitePath)
	cfg.UploadsDir = envStr("UPLOADS_DIR", cfg.UploadsDir)

	cfg.Neo4jURI = envStr("GRAPH_URI", cfg.Neo4jURI)
	cfg.Neo4jUser = envStr("GRAPH_USER", cfg.Neo4jUser)
	cfg.Neo4jPassword = envStr("GRAPH_PASSWORD", cfg.Neo4jPassword)
	cfg.Neo4jDatabase = envStr("GRAPH_DATABASE", cfg.Neo4jDatabase)

	cfg.LLM.Provider = envStr("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = envStr("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = envStr("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = envStr("GEN_MODEL_KEY", os.Getenv("GEMINI_API_KEY"))

	if models := os.Getenv("EMBED_MODEL_PRIORITY"); models != "" {
		cfg.EmbedModels = nil
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.EmbedModels = append(cfg.EmbedModels, m)
			}
		}
	}

	cfg.MaxUploadBytes = envInt("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	if ms := envInt("GEN_EXTRACT_MIN_INTERVAL_MS", 0); ms > 0 {
		cfg.ExtractionInterval = time.Duration(ms) * time.Millisecond
	}
	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.RetrievalLimit = envInt("RETRIEVAL_LIMIT", cfg.RetrievalLimit)
	cfg.MaxMessageChars = envInt("MAX_MESSAGE_CHARS", cfg.MaxMessageChars)
	cfg.HistoryTokenBudget = envInt("HISTORY_TOKEN_BUDGET", cfg.HistoryTokenBudget)

	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
