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

// LookupRecord fetches a record and publishes it as the conversation's
// active subject through result metadata.
type LookupRecord struct {
	Records store.RecordStore
}

var _ tool.Tool = (*LookupRecord)(nil)

func (t *LookupRecord) Definition() tool.Definition {
	return tool.Definition{
		Name:        "lookup_record",
		Description: "Look up a record by its ID. Makes the record the active subject of the conversation.",
		Category:    "records",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "description": "The record ID."}
			},
			"required": ["record_id"]
		}`),
		Permissions: domain.NewPermissionSet(domain.PermissionRead),
	}
}

func (t *LookupRecord) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	id, _ := input["record_id"].(string)

	rec, err := t.Records.GetRecord(ctx, id)
	if err != nil {
		return tool.Errorf("looking up record: %v", err)
	}

	b, _ := json.Marshal(rec)
	return tool.Success(string(b), map[string]string{"active_subject": rec.ID})
}

// CreateRecord creates a new record. Mutating: requires confirmation.
type CreateRecord struct {
	Records store.RecordStore
}

var _ tool.Tool = (*CreateRecord)(nil)

func (t *CreateRecord) Definition() tool.Definition {
	return tool.Definition{
		Name:        "create_record",
		Description: "Create a new record with a name and kind.",
		Category:    "records",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "The record name."},
				"kind": {"type": "string", "description": "The record kind, e.g. parcel, permit, case."}
			},
			"required": ["name", "kind"]
		}`),
		Permissions:          domain.NewPermissionSet(domain.PermissionWrite),
		RequiresConfirmation: true,
	}
}

func (t *CreateRecord) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	name, _ := input["name"].(string)
	kind, _ := input["kind"].(string)

	rec := &domain.Record{
		ID:   uuid.New().String(),
		Name: name,
		Kind: kind,
	}
	if err := t.Records.CreateRecord(ctx, rec); err != nil {
		return tool.Errorf("creating record: %v", err)
	}

	b, _ := json.Marshal(rec)
	return tool.Success(string(b), map[string]string{"active_subject": rec.ID})
}

// UpdateRecord changes a record's name, kind or attributes. Requires confirmation.
type UpdateRecord struct {
	Records store.RecordStore
}

var _ tool.Tool = (*UpdateRecord)(nil)

func (t *UpdateRecord) Definition() tool.Definition {
	return tool.Definition{
		Name:        "update_record",
		Description: "Update an existing record's name, kind, or attributes. Omitted fields are left unchanged.",
		Category:    "records",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "description": "The record ID. Defaults to the active subject."},
				"name": {"type": "string", "description": "New name."},
				"kind": {"type": "string", "description": "New kind."},
				"attributes": {
					"type": "object",
					"description": "Attribute keys to set."
				}
			},
			"required": ["record_id"]
		}`),
		Permissions:          domain.NewPermissionSet(domain.PermissionWrite),
		RequiresConfirmation: true,
	}
}

func (t *UpdateRecord) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	id, _ := input["record_id"].(string)

	rec, err := t.Records.GetRecord(ctx, id)
	if err != nil {
		return tool.Errorf("updating record: %v", err)
	}

	if name, ok := input["name"].(string); ok && name != "" {
		rec.Name = name
	}
	if kind, ok := input["kind"].(string); ok && kind != "" {
		rec.Kind = kind
	}
	if attrs, ok := input["attributes"].(map[string]any); ok {
		if rec.Attributes == nil {
			rec.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			rec.Attributes[k] = fmt.Sprintf("%v", v)
		}
	}

	if err := t.Records.UpdateRecord(ctx, rec); err != nil {
		return tool.Errorf("updating record: %v", err)
	}

	b, _ := json.Marshal(rec)
	return tool.Success(string(b), nil)
}

// DeleteRecord removes a record. Admin-only; requires confirmation.
type DeleteRecord struct {
	Records store.RecordStore
}

var _ tool.Tool = (*DeleteRecord)(nil)

func (t *DeleteRecord) Definition() tool.Definition {
	return tool.Definition{
		Name:        "delete_record",
		Description: "Permanently delete a record by its ID.",
		Category:    "records",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "description": "The record ID. Defaults to the active subject."}
			},
			"required": ["record_id"]
		}`),
		Permissions:          domain.NewPermissionSet(domain.PermissionWrite, domain.PermissionAdmin),
		RequiresConfirmation: true,
	}
}

func (t *DeleteRecord) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	id, _ := input["record_id"].(string)

	if err := t.Records.DeleteRecord(ctx, id); err != nil {
		return tool.Errorf("deleting record: %v", err)
	}
	return tool.Success(fmt.Sprintf("Record %s deleted.", id), nil)
}
