// Package api exposes the chat service over HTTP: a streaming chat
// endpoint, conversation CRUD, and file upload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/taurus/internal/agent"
	"github.com/nugget/taurus/internal/auth"
	"github.com/nugget/taurus/internal/buildinfo"
	"github.com/nugget/taurus/internal/extract"
	"github.com/nugget/taurus/internal/store"
)

const maxUploadBytes = 20 << 20

// TurnRunner is the piece of the agent the server needs: one user
// message in, a stream of events out.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID, userText string) <-chan agent.Event
}

// Server is the HTTP front end.
type Server struct {
	addr   string
	runner TurnRunner
	store  *store.Store
	auth   *auth.Authenticator
	logger *slog.Logger

	httpServer *http.Server
}

// New creates a Server listening on addr.
func New(addr string, runner TurnRunner, st *store.Store, authn *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   addr,
		runner: runner,
		store:  st,
		auth:   authn,
		logger: logger,
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	return s
}

// Handler builds the route table. Health and version stay open; the
// /api tree sits behind auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	api.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	api.HandleFunc("PATCH /api/conversations/{id}", s.handleRenameConversation)
	api.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	api.HandleFunc("POST /api/upload", s.handleUpload)
	mux.Handle("/api/", s.auth.Middleware(api))

	return s.withLogging(mux)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "uptime": buildinfo.Uptime().String()})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildinfo.Info())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"service": "taurus",
		"version": buildinfo.Version,
	})
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// handleChat streams a turn as server-sent events. Each frame is one
// line of "data: <json>" followed by a blank line; the stream always
// ends with a done or error frame.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "id generation failed")
			return
		}
		conversationID = id.String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-Id", conversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)

	for ev := range s.runner.RunTurn(r.Context(), conversationID, req.Message) {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("event marshal failed", "error", err)
			continue
		}
		// Long turns outlive the server write timeout; push the
		// deadline out before every frame.
		rc.SetWriteDeadline(time.Now().Add(120 * time.Second))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			s.logger.Debug("client disconnected mid-stream", "conversation", conversationID)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations()
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "list failed")
		return
	}
	s.writeJSON(w, map[string]any{"conversations": conversations})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != nil {
		// An empty body is fine; the title just defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Title == "" {
		req.Title = store.DefaultTitle
	}

	id, err := uuid.NewV7()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "id generation failed")
		return
	}
	conv, err := s.store.CreateConversation(id.String(), req.Title)
	if err != nil {
		s.logger.Error("create conversation failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "create failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(conv); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		s.logger.Error("get conversation failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if conv == nil {
		errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	messages, err := s.store.ListMessages(id)
	if err != nil {
		s.logger.Error("list messages failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	conv, err := s.store.GetConversation(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if conv == nil {
		errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	if err := s.store.RenameConversation(id, req.Title); err != nil {
		s.logger.Error("rename conversation failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "rename failed")
		return
	}

	conv, err = s.store.GetConversation(id)
	if err != nil || conv == nil {
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if conv == nil {
		errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	if err := s.store.DeleteConversationCascade(id); err != nil {
		s.logger.Error("delete conversation failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.writeJSON(w, map[string]any{"success": true})
}

// handleUpload accepts a multipart form with a file and a
// conversation_id, extracts text from the file, and stores the result
// so the read_uploaded_file tool can reach it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "read failed")
		return
	}

	mimetype := header.Header.Get("Content-Type")
	result := extract.Process(data, header.Filename, mimetype)
	if !result.Success {
		errorResponse(w, http.StatusUnprocessableEntity, result.Error)
		return
	}

	if err := s.store.EnsureConversation(conversationID); err != nil {
		s.logger.Error("ensure conversation failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "save failed")
		return
	}
	saved, err := s.store.SaveFile(conversationID, header.Filename, mimetype, result.Content)
	if err != nil {
		s.logger.Error("save file failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "save failed")
		return
	}

	s.logger.Info("file uploaded",
		"conversation", conversationID,
		"filename", header.Filename,
		"size", len(data),
	)
	s.writeJSON(w, map[string]any{
		"success":  true,
		"id":       saved.ID,
		"filename": saved.Filename,
		"mimetype": saved.Mimetype,
		"metadata": result.Metadata,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// errorResponse writes a structured error body so clients can always
// parse failures the same way.
func errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
}
