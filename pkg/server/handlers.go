package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/parcelwise/assistant/pkg/domain"
)

// --- Conversations ---

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var conv domain.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if conv.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if err := s.conversations.CreateConversation(r.Context(), &conv); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("user_id query parameter is required"))
		return
	}
	convs, err := s.conversations.ListConversations(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, conv)
}

// --- Messages / turns ---

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.messages.GetRecentMessages(r.Context(), id, 0)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if body.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("text is required"))
		return
	}

	result, err := s.agent.HandleUserMessage(r.Context(), id, body.Text, s.callerPermissions(r))
	if err != nil {
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// --- Confirmation surface ---

func (s *Server) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action, err := s.confirmer.Confirm(r.Context(), id)
	if err != nil {
		// The current action state rides along with the error when known.
		if action != nil {
			s.jsonResponse(w, statusForError(err), map[string]any{
				"error":  err.Error(),
				"action": action,
			})
			return
		}
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, action)
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action, err := s.confirmer.Cancel(r.Context(), id)
	if err != nil {
		if action != nil {
			s.jsonResponse(w, statusForError(err), map[string]any{
				"error":  err.Error(),
				"action": action,
			})
			return
		}
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, action)
}

func (s *Server) handleActionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action, err := s.confirmer.Status(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, action)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actions, err := s.confirmer.List(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, actions)
}

// --- Tool catalogue ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	defs := s.registry.List(s.callerPermissions(r), category)
	s.jsonResponse(w, http.StatusOK, defs)
}

// --- Records ---

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := s.records.CreateRecord(r.Context(), &rec); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.ListRecords(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.records.GetRecord(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

// --- Documents ---

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if err := s.documents.CreateDocument(r.Context(), &doc); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.documents.GetDocument(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusForError(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, doc)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.provider.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}
