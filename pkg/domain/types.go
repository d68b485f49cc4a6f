package domain

import "time"

// Conversation is a chat session owned by a single user. It carries an
// optional active subject — the record currently under discussion — which
// tools use to default omitted arguments.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	ActiveSubject string    `json:"active_subject,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is a single entry in a conversation's append-only history.
// Messages are immutable once persisted and ordered by seq within a
// conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	ContentType    string    `json:"content_type"` // "text", "tool_call", "tool_result"
	Content        string    `json:"content"`      // Text content or JSON-encoded tool call/result
	Model          string    `json:"model,omitempty"`
	PromptTokens   int       `json:"prompt_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult represents the outcome of a tool call. ToolCallID must echo the
// ID of the originating ToolCall exactly once before the next model request.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ActionState is the lifecycle state of a PendingAction.
type ActionState string

const (
	// ActionPending is the sole initial state.
	ActionPending ActionState = "pending"
	// ActionConfirmed means the user approved the action; execution follows.
	ActionConfirmed ActionState = "confirmed"
	// ActionCancelled is terminal; the tool never executes.
	ActionCancelled ActionState = "cancelled"
	// ActionExpired is terminal; the TTL elapsed before confirmation.
	ActionExpired ActionState = "expired"
	// ActionExecuted is terminal; the tool ran and Result holds its payload.
	ActionExecuted ActionState = "executed"
	// ActionError is terminal; the tool ran and failed, Error holds the message.
	ActionError ActionState = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionCancelled, ActionExpired, ActionExecuted, ActionError:
		return true
	}
	return false
}

// PendingAction is one mutating tool invocation awaiting user approval.
// Transitions are monotonic: pending → confirmed|cancelled|expired, and
// confirmed → executed|error. Exactly one of Result/Error is set once an
// execution-terminal state is reached.
type PendingAction struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	Description    string         `json:"description"`
	State          ActionState    `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ConfirmedAt    *time.Time     `json:"confirmed_at,omitempty"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// IsExpired reports whether the action's TTL has elapsed at the given time.
func (a *PendingAction) IsExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// CanConfirm reports whether the action can still be confirmed: it must be
// pending and within its TTL.
func (a *PendingAction) CanConfirm(now time.Time) bool {
	return a.State == ActionPending && !a.IsExpired(now)
}

// MemoryEntry is a durable fact or preference attached to a user,
// independent of any single conversation.
type MemoryEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Record is a domain entity managed through mutating tools.
type Record struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Document is a searchable text entry referenced by read-only tools.
type Document struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentRef is a lightweight reference to a document, returned by search.
type DocumentRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}
