package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avokat-ai/avokat"
	"github.com/avokat-ai/avokat/chat"
	"github.com/avokat-ai/avokat/ingest"
)

type handler struct {
	svc *avokat.Service
}

func newHandler(svc *avokat.Service) *handler {
	return &handler{svc: svc}
}

// sessionRequest accepts the title under either key.
type sessionRequest struct {
	Title string `json:"title"`
	Name  string `json:"name"`
}

func (req sessionRequest) title() string {
	if req.Title != "" {
		return req.Title
	}
	return req.Name
}

// POST /sessions
func (h *handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	// An empty body creates a session with the default title.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sess, err := h.svc.CreateSession(r.Context(), req.title())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		slog.Error("create session error", "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GET /sessions?skip=0&limit=50
func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)

	sessions, err := h.svc.ListSessions(r.Context(), skip, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		slog.Error("list sessions error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GET /sessions/{id}
func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PUT /sessions/{id}
func (h *handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id := r.PathValue("id")
	if err := h.svc.RenameSession(r.Context(), id, req.title()); err != nil {
		h.writeServiceError(w, err, "failed to rename session")
		return
	}
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DELETE /sessions/{id}
func (h *handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if err := h.svc.DeleteSession(ctx, r.PathValue("id")); err != nil {
		h.writeServiceError(w, err, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /sessions/{id}/uploads
func (h *handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.svc.Uploads(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to list uploads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploads": uploads,
	})
}

// GET /sessions/{id}/stats
func (h *handler) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "failed to load session stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /ingest
// Multipart upload: session_id field plus one PDF under "file".
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with 'session_id' and 'file'")
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		slog.Error("reading upload", "error", err)
		return
	}

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)

	result, err := h.svc.Ingest(ctx, sessionID, safeName, data)
	if err != nil {
		h.writeServiceError(w, err, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "success",
		"session_id":            sessionID,
		"file_name":             result.FileName,
		"size_bytes":            len(data),
		"chunks":                result.Chunks,
		"nodes_created":         result.NodesCreated,
		"relationships_created": result.RelationshipsCreated,
		"language_distribution": result.LanguageDistribution,
		"batch_id":              result.BatchID,
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// POST /chat
// Streams the answer as server-sent events: one event per text chunk, then
// a final event with done and the citations.
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.svc.Answer(r.Context(), req.SessionID, req.Message)
	if err != nil {
		h.writeServiceError(w, err, "chat failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for frag := range stream {
		if frag.Err != nil {
			// An error event terminates the stream; no done event follows.
			writeEvent(w, map[string]string{"error": "answer generation failed"})
			flusher.Flush()
			slog.Error("chat stream error", "session_id", req.SessionID, "error", frag.Err)
			return
		}
		writeEvent(w, frag)
		flusher.Flush()
	}
}

// POST /chat/non-streaming
func (h *handler) handleChatSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	answer, sources, err := h.svc.AnswerSync(ctx, req.SessionID, req.Message)
	if err != nil {
		h.writeServiceError(w, err, "chat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response": answer,
		"sources":  sources,
	})
}

// GET /chat/history/{session_id}?limit=50
func (h *handler) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sessionID := r.PathValue("session_id")

	messages, total, err := h.svc.History(r.Context(), sessionID, limit)
	if err != nil {
		h.writeServiceError(w, err, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"messages":    messages,
		"total_count": total,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"embedder": h.svc.Embedder(),
	})
}

// writeServiceError maps service sentinels onto HTTP statuses with
// user-safe messages; everything else is a logged 500.
func (h *handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, avokat.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, avokat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrNotPDF):
		writeError(w, http.StatusBadRequest, "only PDF files are supported")
	case errors.Is(err, ingest.ErrTooLarge):
		writeError(w, http.StatusBadRequest, "file exceeds the upload size limit")
	case errors.Is(err, ingest.ErrNoText):
		writeError(w, http.StatusBadRequest, "no extractable text in document")
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message cannot be empty")
	case errors.Is(err, avokat.ErrDuplicateUpload):
		writeError(w, http.StatusConflict, "this file was already ingested into the session")
	case errors.Is(err, avokat.ErrSessionDeleted):
		writeError(w, http.StatusConflict, "session was deleted during the operation")
	case errors.Is(err, avokat.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
		slog.Error(fallback, "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

// writeEvent writes one server-sent event carrying a JSON payload.
func writeEvent(w io.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
