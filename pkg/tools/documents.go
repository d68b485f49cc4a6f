// Package tools holds the built-in tool implementations registered at
// startup. Each tool is a plain struct over the shared persistence scope;
// expected failures are reported as failure results, never as panics.
package tools

import (
	"context"
	"encoding/json"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

// SearchDocuments is a read-only keyword search over reference documents.
type SearchDocuments struct {
	Documents store.DocumentStore
}

var _ tool.Tool = (*SearchDocuments)(nil)

func (t *SearchDocuments) Definition() tool.Definition {
	return tool.Definition{
		Name:        "search_documents",
		Description: "Search reference documents by keyword. Returns document IDs and titles.",
		Category:    "documents",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query."}
			},
			"required": ["query"]
		}`),
		Permissions: domain.NewPermissionSet(domain.PermissionRead),
	}
}

func (t *SearchDocuments) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	query, _ := input["query"].(string)
	if query == "" {
		return tool.Failure("'query' parameter is required")
	}

	docs, err := t.Documents.SearchDocuments(ctx, query)
	if err != nil {
		return tool.Errorf("search failed: %v", err)
	}

	refs := make([]domain.DocumentRef, 0, len(docs))
	for _, d := range docs {
		refs = append(refs, domain.DocumentRef{ID: d.ID, Title: d.Title})
	}

	b, _ := json.Marshal(refs)
	return tool.Success(string(b), nil)
}

// GetDocument retrieves the full content of a document by ID.
type GetDocument struct {
	Documents store.DocumentStore
}

var _ tool.Tool = (*GetDocument)(nil)

func (t *GetDocument) Definition() tool.Definition {
	return tool.Definition{
		Name:        "get_document",
		Description: "Retrieve the full content of a document by its ID.",
		Category:    "documents",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "The document ID."}
			},
			"required": ["id"]
		}`),
		Permissions: domain.NewPermissionSet(domain.PermissionRead),
	}
}

func (t *GetDocument) Execute(ctx context.Context, caller tool.CallerContext, input map[string]any) tool.Result {
	id, _ := input["id"].(string)

	doc, err := t.Documents.GetDocument(ctx, id)
	if err != nil {
		return tool.Errorf("getting document: %v", err)
	}

	b, _ := json.Marshal(doc)
	return tool.Success(string(b), nil)
}
