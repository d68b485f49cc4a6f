package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

// Remember stores a durable fact about the user, available to every future
// conversation.
type Remember struct {
	Memory store.MemoryStore
}

var _ tool.Tool = (*Remember)(nil)

func (t *Remember) Definition() tool.Definition {
	return tool.Definition{
		Name:        "remember",
		Description: "Store a durable fact or preference the user stated about themselves. Remembered facts are available in all future conversations.",
		Category:    "memory",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fact": {"type": "string", "description": "The fact to remember, phrased as a standalone statement."}
			},
			"required": ["fact"]
		}`),
		Permissions: domain.NewPermissionSet(domain.PermissionWrite),
	}
}

func (t *Remember) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	fact, _ := input["fact"].(string)
	if fact == "" {
		return tool.Failure("'fact' parameter is required")
	}

	entry := &domain.MemoryEntry{
		ID:             uuid.New().String(),
		UserID:         caller.UserID,
		Content:        fact,
		ConversationID: caller.ConversationID,
	}
	if err := t.Memory.AppendMemory(ctx, entry); err != nil {
		return tool.Errorf("storing memory: %v", err)
	}

	return tool.Success(fmt.Sprintf("Remembered (id=%s).", entry.ID), nil)
}

// All returns the full built-in tool set over the given stores, in the order
// they are registered at startup.
func All(records store.RecordStore, documents store.DocumentStore, memory store.MemoryStore) []tool.Tool {
	return []tool.Tool{
		&SearchDocuments{Documents: documents},
		&GetDocument{Documents: documents},
		&LookupRecord{Records: records},
		&CreateRecord{Records: records},
		&UpdateRecord{Records: records},
		&DeleteRecord{Records: records},
		&GenerateReport{Records: records, Documents: documents},
		&Remember{Memory: memory},
	}
}
