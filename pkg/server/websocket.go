package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChatWebSocket streams a conversation's messages to the client and
// accepts user messages, running each through the agent loop.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		http.Error(w, "Missing conversation ID", http.StatusBadRequest)
		return
	}

	// Verify the conversation exists.
	if _, err := s.conversations.GetConversation(r.Context(), conversationID); err != nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	held := s.callerPermissions(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	done := make(chan struct{})
	updates := s.messages.Subscribe()

	// Send the current history.
	sentIDs := make(map[string]bool)
	if err := s.syncMessages(ws, conversationID, sentIDs); err != nil {
		slog.Error("Failed initial message sync", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: pushes new messages to the client.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case eventID := <-updates:
				if eventID == conversationID {
					if err := s.syncMessages(ws, conversationID, sentIDs); err != nil {
						slog.Error("Failed message sync", "error", err)
						return
					}
				}
			case <-ticker.C:
				// Keepalive
			}
		}
	}()

	// Reader loop: receives user messages and runs turns.
	for {
		var msg struct {
			Text string `json:"text"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			slog.Error("WebSocket read error", "error", err)
			break
		}

		if msg.Text != "" {
			// The turn persists its own messages; the writer goroutine pushes
			// them as they land.
			if _, err := s.agent.HandleUserMessage(r.Context(), conversationID, msg.Text, held); err != nil {
				slog.Error("Turn failed", "conversationID", conversationID, "error", err)
			}
		}
	}

	close(done)
	wg.Wait()
}

func (s *Server) syncMessages(ws *websocket.Conn, conversationID string, sentIDs map[string]bool) error {
	msgs, err := s.messages.GetRecentMessages(context.Background(), conversationID, 0)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if !sentIDs[m.ID] {
			if err := ws.WriteJSON(m); err != nil {
				return err
			}
			sentIDs[m.ID] = true
		}
	}
	return nil
}
