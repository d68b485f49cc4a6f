package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parcelwise/assistant/pkg/domain"
)

var (
	// ErrDuplicateTool is returned when registering a tool whose name is taken.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned when looking up an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPermissionDenied is returned when the caller's permissions do not
	// cover the tool's permission set.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRegistryFrozen is returned when registering after Freeze.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Definition describes a tool to the registry and, in reduced form, to the
// model provider. Constructing a Definition has no side effects.
type Definition struct {
	// Name is the unique key the model uses to invoke the tool.
	Name string `json:"name"`
	// Description tells the model when to invoke the tool.
	Description string `json:"description"`
	// Category groups tools for listing; listings order by category then name.
	Category string `json:"category"`
	// InputSchema is a JSON Schema (draft 2020-12) for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema"`
	// Permissions is the set the caller must hold to see or invoke the tool.
	Permissions domain.PermissionSet `json:"permissions"`
	// RequiresConfirmation gates execution behind a pending action.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// CallerContext carries the ambient conversation state into a tool execution.
// Tools reuse the supplied persistence scope; they never open their own.
type CallerContext struct {
	ConversationID string
	UserID         string
	ActiveSubject  string
}

// Result is the discriminated outcome of a tool execution. Expected failures
// are reported through Failure results, never through panics or errors that
// escape Execute.
type Result struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	IsError  bool              `json:"is_error"`
}

// Success builds a successful result with an optional metadata map.
func Success(content string, metadata map[string]string) Result {
	return Result{Content: content, Metadata: metadata}
}

// Failure builds a failed result carrying an error message for the model.
func Failure(message string) Result {
	return Result{Content: message, IsError: true}
}

// Errorf builds a failed result from a format string.
func Errorf(format string, args ...any) Result {
	return Failure(fmt.Sprintf(format, args...))
}

// Tool is the contract every tool implements. Execute holds all side effects;
// it must convert its own failures into Failure results rather than panicking.
type Tool interface {
	// Definition returns the tool's static declaration. It must be stable
	// across calls.
	Definition() Definition

	// Execute runs the tool with validated input.
	Execute(ctx context.Context, caller CallerContext, input map[string]any) Result
}

// Declaration is the provider-facing view of a tool: name, description and
// schema only. Permission and confirmation metadata never leak to the model.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
