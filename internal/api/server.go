// Package api implements the JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hldeng/parley/internal/agent"
	"github.com/hldeng/parley/internal/auth"
	"github.com/hldeng/parley/internal/buildinfo"
	"github.com/hldeng/parley/internal/connwatch"
	"github.com/hldeng/parley/internal/memory"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs conversation turns.
type Chatter interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// ConversationStore is the subset of the memory store the API exposes.
type ConversationStore interface {
	List(ctx context.Context) ([]memory.Summary, error)
	Get(ctx context.Context, id string) (*memory.Conversation, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
	ToolCalls(ctx context.Context, conversationID string, limit int) ([]memory.ToolCallRecord, error)
	Stats(ctx context.Context) (*memory.ToolCallStats, error)
}

// HealthReporter reports upstream provider reachability.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	chat    Chatter
	store   ConversationStore
	usage   UsageReporter
	health  HealthReporter
	gate    *auth.Gate
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a new API server. The API is open until SetGate
// installs an auth gate.
func NewServer(address string, port int, chat Chatter, store ConversationStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		chat:    chat,
		store:   store,
		logger:  logger,
	}
}

// SetGate protects /api routes behind a login.
func (s *Server) SetGate(g *auth.Gate) {
	s.gate = g
}

// SetUsageStore enables the usage endpoint.
func (s *Server) SetUsageStore(u UsageReporter) {
	s.usage = u
}

// SetHealth adds provider reachability to GET /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler builds the routed handler with logging applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/get_chats", s.handleListChats)
	api.HandleFunc("GET /api/get_chat/{id}", s.handleGetChat)
	api.HandleFunc("DELETE /api/delete_chat/{id}", s.handleDeleteChat)
	api.HandleFunc("POST /api/rename_chat/{id}", s.handleRenameChat)
	api.HandleFunc("GET /api/tool_calls", s.handleToolCalls)
	api.HandleFunc("GET /api/tool_stats", s.handleToolStats)
	api.HandleFunc("GET /api/usage", s.handleUsage)

	var protected http.Handler = api
	if s.gate != nil {
		protected = s.gate.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", protected)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gate != nil {
		mux.HandleFunc("POST /login", s.gate.HandleLogin)
		mux.HandleFunc("POST /logout", s.gate.HandleLogout)
	}
	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // a turn may make two completions and a tool call
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "auth", s.gate != nil && s.gate.Enabled())
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A later Start returns
// http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) okResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.okResponse(w, buildinfo.Info())
}

// handleHealth answers 200 while every probed provider is reachable and
// 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.okResponse(w, map[string]any{"status": "healthy"})
		return
	}

	body := map[string]any{
		"status":   "healthy",
		"services": s.health.Status(),
	}
	if !s.health.Healthy() {
		body["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, body, s.logger)
		return
	}
	s.okResponse(w, body)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

// ChatResponse is the reply to POST /api/chat.
type ChatResponse struct {
	Reply      string  `json:"reply"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	ChatID     string  `json:"chat_id"`
	Tool       string  `json:"tool,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.chat.Run(r.Context(), &agent.Request{
		ConversationID: req.ChatID,
		Message:        req.Message,
	})
	if err != nil {
		s.turnError(w, err)
		return
	}

	s.okResponse(w, ChatResponse{
		Reply:      resp.Reply,
		Sentiment:  string(resp.Sentiment),
		Confidence: resp.Confidence,
		ChatID:     resp.ConversationID,
		Tool:       resp.Tool,
	})
}

// turnError maps a failed turn onto a status code.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	var te *agent.TurnError
	if !errors.As(err, &te) {
		s.logger.Error("chat turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch te.Kind {
	case agent.KindEmptyMessage:
		s.errorResponse(w, http.StatusBadRequest, te.Message)
	default:
		s.logger.Error("chat turn failed", "kind", te.Kind.String(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, te.Error())
	}
}

// chatListEntry is one row of GET /api/get_chats.
type chatListEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	out := make([]chatListEntry, len(convs))
	for i, c := range convs {
		out[i] = chatListEntry{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt}
	}
	s.okResponse(w, out)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, "get conversation", id, err)
		return
	}
	s.okResponse(w, map[string]any{
		"id":       conv.ID,
		"title":    conv.Title,
		"messages": conv.Messages,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.storeError(w, "delete conversation", id, err)
		return
	}
	s.logger.Info("conversation deleted", "conversation", id)
	s.okResponse(w, map[string]string{"message": "chat deleted"})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.Rename(r.Context(), id, title); err != nil {
		s.storeError(w, "rename conversation", id, err)
		return
	}
	s.okResponse(w, map[string]string{"message": "chat renamed"})
}

// storeError maps memory errors onto 404 or 500.
func (s *Server) storeError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "chat not found")
		return
	}
	s.logger.Error(op+" failed", "conversation", id, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("%s failed", op))
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("chat_id")
	limit := parseIntParam(r, "limit", 50)

	calls, err := s.store.ToolCalls(r.Context(), convID, limit)
	if err != nil {
		s.logger.Error("list tool calls failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list tool calls")
		return
	}
	s.okResponse(w, map[string]any{
		"tool_calls": calls,
		"count":      len(calls),
	})
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("tool stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to compute tool stats")
		return
	}
	s.okResponse(w, stats)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
