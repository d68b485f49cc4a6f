package store

import (
	"context"
	"errors"
	"time"

	"github.com/parcelwise/assistant/pkg/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned by TransitionPendingAction when the action is not
// in the expected from-state. The confirmation machine maps it to its own
// AlreadyResolved/Expired errors.
var ErrStaleState = errors.New("pending action not in expected state")

// ConversationStore manages the persistence of conversations.
type ConversationStore interface {
	// CreateConversation persists a new conversation. The ID must be set by
	// the caller.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by its unique ID.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns all conversations for a user, newest first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// SetActiveSubject updates the record the conversation is discussing.
	SetActiveSubject(ctx context.Context, id, subject string) error
}

// MessageStore manages the append-only message history of conversations.
// Messages are immutable; query methods return them in seq order.
type MessageStore interface {
	// AppendMessage adds a message to the end of the conversation's history.
	// The ID should be set by the caller; Timestamp defaults to now.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// GetRecentMessages returns the conversation's messages in chronological
	// order. If limit > 0, only the most recent limit messages are returned.
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// Subscribe returns a channel that emits conversation IDs whenever a
	// message is appended. Used by the websocket handler to push updates.
	Subscribe() <-chan string
}

// PendingActionStore manages pending actions. TransitionPendingAction is the
// single conditional-update primitive every state change goes through.
type PendingActionStore interface {
	// CreatePendingAction persists a new action in the pending state.
	CreatePendingAction(ctx context.Context, action *domain.PendingAction) error

	// GetPendingAction retrieves an action by ID.
	GetPendingAction(ctx context.Context, id string) (*domain.PendingAction, error)

	// ListPendingActions returns the conversation's actions, newest first.
	ListPendingActions(ctx context.Context, conversationID string) ([]domain.PendingAction, error)

	// TransitionPendingAction atomically moves the action from one state to
	// another, recording the result/error and timestamps carried by upd.
	// Returns ErrStaleState if the action is not currently in from, so that
	// exactly one of any set of concurrent callers observes success.
	TransitionPendingAction(ctx context.Context, id string, from, to domain.ActionState, upd TransitionUpdate) error

	// ExpireDue transitions every pending action whose expiry has passed to
	// expired. Idempotent and safe to run from multiple callers. Returns the
	// number of actions transitioned.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// TransitionUpdate carries the optional fields written alongside a state
// transition.
type TransitionUpdate struct {
	Result      string
	Error       string
	ConfirmedAt *time.Time
	ExecutedAt  *time.Time
}

// MemoryStore manages durable per-user memory entries.
type MemoryStore interface {
	// AppendMemory persists a new memory entry.
	AppendMemory(ctx context.Context, entry *domain.MemoryEntry) error

	// GetMemory returns the user's memory entries, newest first.
	GetMemory(ctx context.Context, userID string) ([]domain.MemoryEntry, error)
}

// RecordStore manages the domain records mutating tools operate on.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *domain.Record) error
	GetRecord(ctx context.Context, id string) (*domain.Record, error)
	ListRecords(ctx context.Context) ([]domain.Record, error)
	UpdateRecord(ctx context.Context, rec *domain.Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// DocumentStore manages searchable reference documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *domain.Document) error
	GetDocument(ctx context.Context, id string) (*domain.Document, error)

	// SearchDocuments returns documents whose title or content contain the
	// query string, newest first.
	SearchDocuments(ctx context.Context, query string) ([]domain.Document, error)

	// DocumentsForRecord returns the documents attached to a record.
	DocumentsForRecord(ctx context.Context, recordID string) ([]domain.Document, error)
}
