package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avokat-ai/avokat"
)

func main() {
	envFile := flag.String("env", ".env", "Path to env file (optional)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading env file", "path", *envFile, "error", err)
	}

	cfg := avokat.FromEnv()

	apiKey := os.Getenv("AVOKAT_API_KEY")
	corsOrigins := os.Getenv("AVOKAT_CORS_ORIGINS")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	svc, err := avokat.New(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("creating service", "error", err)
		os.Exit(1)
	}

	h := newHandler(svc)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("PUT /sessions/{id}", h.handleRenameSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/uploads", h.handleListUploads)
	mux.HandleFunc("GET /sessions/{id}/stats", h.handleSessionStats)
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat/non-streaming", h.handleChatSync)
	mux.HandleFunc("GET /chat/history/{session_id}", h.handleChatHistory)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (ingest and chat can be long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("service close error", "error", err)
	}

	slog.Info("server stopped")
}
