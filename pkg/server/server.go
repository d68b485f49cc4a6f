// Package server exposes the REST and websocket façade over the agent,
// the confirmation surface, and the administrative record/document CRUD.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parcelwise/assistant/pkg/agent"
	"github.com/parcelwise/assistant/pkg/confirm"
	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

// RoleResolver maps a request's role name to the permissions it grants.
type RoleResolver func(role string) domain.PermissionSet

// Server serves the REST API and websocket chat stream.
type Server struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	records       store.RecordStore
	documents     store.DocumentStore
	agent         *agent.Agent
	confirmer     *confirm.Service
	registry      *tool.Registry
	provider      model.Provider
	resolveRole   RoleResolver
	srv           *http.Server
}

// New creates a new Server.
func New(
	conversations store.ConversationStore,
	messages store.MessageStore,
	records store.RecordStore,
	documents store.DocumentStore,
	ag *agent.Agent,
	confirmer *confirm.Service,
	registry *tool.Registry,
	provider model.Provider,
	resolveRole RoleResolver,
) *Server {
	return &Server{
		conversations: conversations,
		messages:      messages,
		records:       records,
		documents:     documents,
		agent:         ag,
		confirmer:     confirmer,
		registry:      registry,
		provider:      provider,
		resolveRole:   resolveRole,
	}
}

// Handler builds the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/conversations/{id}/actions", s.handleListActions)

	// Confirmation surface
	mux.HandleFunc("POST /api/actions/{id}/confirm", s.handleConfirmAction)
	mux.HandleFunc("POST /api/actions/{id}/cancel", s.handleCancelAction)
	mux.HandleFunc("GET /api/actions/{id}", s.handleActionStatus)

	// Tool catalogue
	mux.HandleFunc("GET /api/tools", s.handleListTools)

	// Records and documents (administration)
	mux.HandleFunc("POST /api/records", s.handleCreateRecord)
	mux.HandleFunc("GET /api/records", s.handleListRecords)
	mux.HandleFunc("GET /api/records/{id}", s.handleGetRecord)
	mux.HandleFunc("POST /api/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("/api/conversations/{id}/chat", s.handleChatWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Role")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerPermissions resolves the request's permission set from the X-Role
// header (missing or unknown roles fall back to the default role).
func (s *Server) callerPermissions(r *http.Request) domain.PermissionSet {
	return s.resolveRole(r.Header.Get("X-Role"))
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps domain errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, confirm.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, confirm.ErrExpired):
		return http.StatusGone
	case errors.Is(err, agent.ErrBudgetExceeded):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
