package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

// GenerateReport composes a record and its attached documents into a text
// report. Read-only.
type GenerateReport struct {
	Records   store.RecordStore
	Documents store.DocumentStore
}

var _ tool.Tool = (*GenerateReport)(nil)

func (t *GenerateReport) Definition() tool.Definition {
	return tool.Definition{
		Name:        "generate_report",
		Description: "Generate a text report for a record, including its attributes and attached documents.",
		Category:    "reports",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "description": "The record ID. Defaults to the active subject."}
			},
			"required": ["record_id"]
		}`),
		Permissions: domain.NewPermissionSet(domain.PermissionRead),
	}
}

func (t *GenerateReport) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	id, _ := input["record_id"].(string)

	rec, err := t.Records.GetRecord(ctx, id)
	if err != nil {
		return tool.Errorf("generating report: %v", err)
	}
	docs, err := t.Documents.DocumentsForRecord(ctx, rec.ID)
	if err != nil {
		return tool.Errorf("loading documents: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n", rec.Name)
	fmt.Fprintf(&b, "- ID: %s\n- Kind: %s\n- Created: %s\n- Updated: %s\n",
		rec.ID, rec.Kind, rec.CreatedAt.Format("2006-01-02"), rec.UpdatedAt.Format("2006-01-02"))

	if len(rec.Attributes) > 0 {
		b.WriteString("\n## Attributes\n")
		for k, v := range rec.Attributes {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}

	if len(docs) > 0 {
		b.WriteString("\n## Documents\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", d.Title, d.Content)
		}
	}

	return tool.Success(b.String(), nil)
}
