package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/store"
)

// ErrBudgetExceeded is returned when the system instructions plus the latest
// user message alone exceed the context budget. This is a configuration
// error: the assembler never silently drops the latest message.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// DefaultContextBudget is the assembler's character budget (~4 chars per
// token, sized for a 32k-token context window).
const DefaultContextBudget = 128_000

// staticInstructions describes the assistant and its tool conventions.
// This is always prepended to the system instructions.
const staticInstructions = `You are a records assistant. You answer questions about records and their reference documents, and you perform changes on the user's behalf through tools.

## Guidelines

- Use lookup_record before discussing a record so its details are current.
- Mutating tools (create_record, update_record, delete_record) require user confirmation: when a tool result says an action is awaiting confirmation, tell the user what is pending and stop — do not retry the tool.
- Use remember to store durable facts and preferences the user states about themselves.
- Cite document titles when answering from search_documents results.`

// Assembler builds the bounded provider request context for a turn: system
// instructions, the user's memory, the active subject, and a tail of prior
// messages truncated oldest-first under the budget.
type Assembler struct {
	memory store.MemoryStore
	budget int
}

// NewAssembler creates an Assembler. budget <= 0 uses DefaultContextBudget.
func NewAssembler(memory store.MemoryStore, budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	return &Assembler{memory: memory, budget: budget}
}

// Assemble returns the system instructions and the message tail for one
// provider request. msgs must be in chronological order and end with the
// latest user message.
func (a *Assembler) Assemble(ctx context.Context, conv *domain.Conversation, msgs []domain.Message) (string, []model.Message, error) {
	instructions, err := a.buildInstructions(ctx, conv)
	if err != nil {
		return "", nil, err
	}

	if len(msgs) == 0 {
		return instructions, nil, nil
	}

	// The budget must at least cover the instructions and the latest message.
	latest := msgs[len(msgs)-1]
	used := len(instructions) + len(latest.Content)
	if used > a.budget {
		return "", nil, fmt.Errorf("%w: instructions (%d) plus latest message (%d) exceed budget %d",
			ErrBudgetExceeded, len(instructions), len(latest.Content), a.budget)
	}

	kept := a.truncate(msgs, used)
	return instructions, messagesToModel(kept), nil
}

// truncate keeps the newest messages that fit the remaining budget, evicting
// the oldest non-system messages first, then the oldest system messages.
// The latest message is always kept.
func (a *Assembler) truncate(msgs []domain.Message, used int) []domain.Message {
	drop := make(map[int]bool)
	total := used
	for _, m := range msgs[:len(msgs)-1] {
		total += len(m.Content)
	}

	// Two eviction passes: non-system first, then system.
	for _, system := range []bool{false, true} {
		for i := 0; i < len(msgs)-1 && total > a.budget; i++ {
			if drop[i] || (msgs[i].Role == domain.RoleSystem) != system {
				continue
			}
			drop[i] = true
			total -= len(msgs[i].Content)
		}
	}

	kept := make([]domain.Message, 0, len(msgs))
	for i, m := range msgs {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

// buildInstructions concatenates the static instructions, the user's durable
// memory, and the conversation's active subject.
func (a *Assembler) buildInstructions(ctx context.Context, conv *domain.Conversation) (string, error) {
	parts := []string{staticInstructions}

	entries, err := a.memory.GetMemory(ctx, conv.UserID)
	if err != nil {
		return "", fmt.Errorf("loading memory: %w", err)
	}
	if len(entries) > 0 {
		var b strings.Builder
		b.WriteString("## Known About This User\n")
		for _, e := range entries {
			b.WriteString("\n- ")
			b.WriteString(e.Content)
		}
		parts = append(parts, b.String())
	}

	if conv.ActiveSubject != "" {
		parts = append(parts, "## Active Subject\n\nThe record currently under discussion is "+conv.ActiveSubject+". Tools default to it when no record id is given.")
	}

	return strings.Join(parts, "\n\n"), nil
}

// messagesToModel converts stored messages to provider messages.
func messagesToModel(msgs []domain.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		msg := model.Message{Role: m.Role}
		switch m.ContentType {
		case domain.ContentTypeText:
			msg.Content = []model.Content{{Type: domain.ContentTypeText, Text: m.Content}}
		case domain.ContentTypeToolCall:
			var tc domain.ToolCall
			if err := json.Unmarshal([]byte(m.Content), &tc); err != nil {
				continue
			}
			msg.Content = []model.Content{{Type: domain.ContentTypeToolCall, ToolCall: &tc}}
		case domain.ContentTypeToolResult:
			var tr domain.ToolResult
			if err := json.Unmarshal([]byte(m.Content), &tr); err != nil {
				continue
			}
			msg.Content = []model.Content{{Type: domain.ContentTypeToolResult, ToolResult: &tr}}
		}
		if len(msg.Content) > 0 {
			out = append(out, msg)
		}
	}
	return out
}
