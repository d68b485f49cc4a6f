// Package agent drives the turn loop: it assembles the provider context,
// relays tool calls to the registry, applies the confirmation gate, and
// persists every exchange before the next provider request.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelwise/assistant/pkg/confirm"
	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

const (
	// DefaultMaxIterations caps provider round trips per turn.
	DefaultMaxIterations = 10
	// DefaultToolTimeout bounds a single inline tool execution.
	DefaultToolTimeout = 30 * time.Second
)

// TurnResult is the outcome of one user-message-to-final-answer cycle.
type TurnResult struct {
	// Reply is the assistant's final text, or an awaiting-confirmation notice.
	Reply string `json:"reply"`
	// AwaitingConfirmation is set when the turn suspended on pending actions.
	AwaitingConfirmation bool `json:"awaiting_confirmation"`
	// PendingActionIDs identifies the actions the user must confirm or cancel.
	PendingActionIDs []string `json:"pending_action_ids,omitempty"`
}

// Agent orchestrates conversations. Turns within one conversation are
// strictly sequential (per-conversation mutex); different conversations run
// concurrently and share only the read-only registry.
type Agent struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	registry      *tool.Registry
	provider      model.Provider
	assembler     *Assembler
	confirmer     *confirm.Service
	modelName     string
	maxIterations int
	toolTimeout   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures an Agent.
type Options struct {
	ModelName     string
	MaxIterations int
	ToolTimeout   time.Duration
}

// New creates an Agent.
func New(
	conversations store.ConversationStore,
	messages store.MessageStore,
	registry *tool.Registry,
	provider model.Provider,
	assembler *Assembler,
	confirmer *confirm.Service,
	opts Options,
) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	return &Agent{
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		provider:      provider,
		assembler:     assembler,
		confirmer:     confirmer,
		modelName:     opts.ModelName,
		maxIterations: opts.MaxIterations,
		toolTimeout:   opts.ToolTimeout,
		locks:         make(map[string]*sync.Mutex),
	}
}

// conversationLock returns the mutex serializing turns for one conversation.
func (a *Agent) conversationLock(id string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[id]
	if !ok {
		l = &sync.Mutex{}
		a.locks[id] = l
	}
	return l
}

// HandleUserMessage runs one turn: it persists the user message, exchanges
// with the provider until a final answer, the confirmation gate, or the
// iteration cap, and returns the outcome. held is the caller's resolved
// permission set; it scopes both the exported tool catalogue and dispatch.
func (a *Agent) HandleUserMessage(ctx context.Context, conversationID, text string, held domain.PermissionSet) (*TurnResult, error) {
	lock := a.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := a.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := a.messages.AppendMessage(ctx, &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		ContentType:    domain.ContentTypeText,
		Content:        text,
	}); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	decls := a.registry.Declarations(held)

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		msgs, err := a.messages.GetRecentMessages(ctx, conv.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}

		instructions, contextMsgs, err := a.assembler.Assemble(ctx, conv, msgs)
		if err != nil {
			// Budget failures abort before any provider call is made.
			return nil, err
		}

		resp, err := a.callProvider(ctx, instructions, contextMsgs, decls)
		if err != nil {
			// Provider failure: abort the turn without persisting a
			// misleading assistant message.
			return nil, err
		}

		toolCalls, err := a.persistResponse(ctx, conv.ID, resp)
		if err != nil {
			return nil, err
		}

		if len(toolCalls) == 0 {
			return &TurnResult{Reply: responseText(resp.Message)}, nil
		}

		pending, err := a.dispatchAll(ctx, conv, held, toolCalls)
		if err != nil {
			return nil, err
		}
		if len(pending) > 0 {
			// The user must confirm out-of-band; suspend the turn.
			return a.suspendOnPending(ctx, conv.ID, pending)
		}

		// Reload the conversation: a tool may have moved the active subject.
		if updated, cerr := a.conversations.GetConversation(ctx, conv.ID); cerr == nil {
			conv = updated
		}
	}

	reply := "I could not finish this request within the allowed number of tool steps. Please narrow it down and try again."
	if err := a.appendAssistantText(ctx, conversationID, reply); err != nil {
		return nil, err
	}
	return &TurnResult{Reply: reply}, nil
}

func (a *Agent) callProvider(ctx context.Context, instructions string, msgs []model.Message, decls []tool.Declaration) (model.Response, error) {
	stream, err := a.provider.Generate(ctx, a.modelName, instructions, msgs, decls)
	if err != nil {
		return model.Response{}, err
	}
	defer stream.Close()
	return stream.FullResponse()
}

// persistResponse writes the assistant's text and tool-call parts as
// messages and returns the tool calls to dispatch. Usage metrics ride on the
// first persisted part.
func (a *Agent) persistResponse(ctx context.Context, conversationID string, resp model.Response) ([]domain.ToolCall, error) {
	var toolCalls []domain.ToolCall
	usageRecorded := false

	for _, content := range resp.Message.Content {
		msg := &domain.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           domain.RoleAssistant,
			Model:          a.modelName,
		}
		if !usageRecorded {
			msg.PromptTokens = resp.Usage.PromptTokens
			msg.OutputTokens = resp.Usage.OutputTokens
			usageRecorded = true
		}

		switch content.Type {
		case domain.ContentTypeText:
			msg.ContentType = domain.ContentTypeText
			msg.Content = content.Text
		case domain.ContentTypeToolCall:
			msg.ContentType = domain.ContentTypeToolCall
			b, err := json.Marshal(content.ToolCall)
			if err != nil {
				return nil, fmt.Errorf("encoding tool call: %w", err)
			}
			msg.Content = string(b)
			toolCalls = append(toolCalls, *content.ToolCall)
		default:
			continue
		}

		if err := a.messages.AppendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("appending assistant message: %w", err)
		}
	}
	return toolCalls, nil
}

// dispatchAll resolves and runs each tool call, persisting exactly one tool
// result per call id before the next provider request. It returns the
// pending actions created for confirmation-gated calls.
func (a *Agent) dispatchAll(ctx context.Context, conv *domain.Conversation, held domain.PermissionSet, calls []domain.ToolCall) ([]*domain.PendingAction, error) {
	var pending []*domain.PendingAction

	for _, tc := range calls {
		result, action := a.dispatch(ctx, conv, held, &tc)
		if action != nil {
			pending = append(pending, action)
		}
		if err := a.appendToolResult(ctx, conv.ID, result); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// dispatch runs a single tool call. Unknown tools, denied permissions and
// invalid arguments become synthetic failure results so the model can
// recover; confirmation-gated calls become pending actions with a synthetic
// result describing them.
func (a *Agent) dispatch(ctx context.Context, conv *domain.Conversation, held domain.PermissionSet, tc *domain.ToolCall) (*domain.ToolResult, *domain.PendingAction) {
	t, err := a.registry.Get(tc.Name)
	if err != nil {
		return syntheticFailure(tc.ID, fmt.Sprintf("Tool %q is not available.", tc.Name)), nil
	}
	def := t.Definition()

	if !held.Contains(def.Permissions) {
		slog.Warn("Tool call denied", "tool", tc.Name, "conversationID", conv.ID)
		return syntheticFailure(tc.ID, fmt.Sprintf("Permission denied for tool %q.", tc.Name)), nil
	}

	input := tc.Input
	if input == nil {
		input = map[string]any{}
	}
	// Default an omitted record id from the conversation's active subject.
	if conv.ActiveSubject != "" {
		if _, ok := input["record_id"]; !ok && schemaWantsRecordID(def.InputSchema) {
			input["record_id"] = conv.ActiveSubject
		}
	}

	if err := a.registry.ValidateInput(tc.Name, input); err != nil {
		return syntheticFailure(tc.ID, fmt.Sprintf("Invalid arguments: %v", err)), nil
	}

	if def.RequiresConfirmation {
		action, err := a.confirmer.Create(ctx, conv.ID, tc.Name, input, describeCall(def, input))
		if err != nil {
			slog.Error("Failed to create pending action", "tool", tc.Name, "error", err)
			return syntheticFailure(tc.ID, "Could not queue this action for confirmation."), nil
		}
		content := fmt.Sprintf("Awaiting user confirmation (action id=%s, expires %s): %s",
			action.ID, action.ExpiresAt.Format(time.RFC3339), action.Description)
		return &domain.ToolResult{ToolCallID: tc.ID, Content: content}, action
	}

	execCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()
	result := t.Execute(execCtx, tool.CallerContext{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		ActiveSubject:  conv.ActiveSubject,
	}, input)

	// Tools that resolve a record publish it as the new active subject.
	if subject, ok := result.Metadata["active_subject"]; ok && subject != "" {
		if err := a.conversations.SetActiveSubject(ctx, conv.ID, subject); err != nil {
			slog.Error("Failed to update active subject", "conversationID", conv.ID, "error", err)
		}
	}

	return &domain.ToolResult{ToolCallID: tc.ID, Content: result.Content, IsError: result.IsError}, nil
}

func (a *Agent) suspendOnPending(ctx context.Context, conversationID string, pending []*domain.PendingAction) (*TurnResult, error) {
	ids := make([]string, 0, len(pending))
	var b strings.Builder
	b.WriteString("The following actions need your confirmation:")
	for _, p := range pending {
		ids = append(ids, p.ID)
		fmt.Fprintf(&b, "\n- %s (id=%s)", p.Description, p.ID)
	}
	reply := b.String()

	if err := a.appendAssistantText(ctx, conversationID, reply); err != nil {
		return nil, err
	}
	return &TurnResult{
		Reply:                reply,
		AwaitingConfirmation: true,
		PendingActionIDs:     ids,
	}, nil
}

func (a *Agent) appendAssistantText(ctx context.Context, conversationID, text string) error {
	return a.messages.AppendMessage(ctx, &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		ContentType:    domain.ContentTypeText,
		Content:        text,
		Model:          a.modelName,
	})
}

func (a *Agent) appendToolResult(ctx context.Context, conversationID string, result *domain.ToolResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding tool result: %w", err)
	}
	return a.messages.AppendMessage(ctx, &domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           domain.RoleTool,
		ContentType:    domain.ContentTypeToolResult,
		Content:        string(b),
	})
}

func syntheticFailure(callID, message string) *domain.ToolResult {
	return &domain.ToolResult{ToolCallID: callID, Content: message, IsError: true}
}

func responseText(msg model.Message) string {
	var b strings.Builder
	for _, c := range msg.Content {
		if c.Type == domain.ContentTypeText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// describeCall renders a human-readable summary for confirmation prompts.
func describeCall(def tool.Definition, input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	if len(parts) == 0 {
		return def.Name
	}
	return def.Name + " with " + strings.Join(parts, ", ")
}

// schemaWantsRecordID reports whether the tool's schema declares a record_id
// property, making it a candidate for active-subject defaulting.
func schemaWantsRecordID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	_, ok := s.Properties["record_id"]
	return ok
}
