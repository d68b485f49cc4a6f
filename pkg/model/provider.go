package model

import (
	"context"
	"errors"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/tool"
)

var (
	// ErrProviderUnavailable is surfaced after rate-limit/transient failures
	// exhaust the retry budget.
	ErrProviderUnavailable = errors.New("model provider unavailable")
	// ErrProviderFatal marks non-retryable provider failures (bad request,
	// invalid credentials, misconfiguration).
	ErrProviderFatal = errors.New("model provider fatal error")
)

// Message represents a message in the model's conversation context.
type Message struct {
	// Role indicates the sender (user, assistant, tool, system).
	Role domain.Role
	// Content holds the message parts.
	Content []Content
}

// Content represents a single component of a message.
type Content struct {
	Type string // "text", "tool_call", "tool_result"

	// Text content (when Type == "text").
	Text string `json:"text,omitempty"`

	// Tool call (when Type == "tool_call").
	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`

	// Tool result (when Type == "tool_result").
	ToolResult *domain.ToolResult `json:"tool_result,omitempty"`

	// ThoughtSignature is an opaque signature for the model's internal state.
	// Must be round-tripped back to the model on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// Usage carries token accounting reported by the provider for one exchange.
type Usage struct {
	PromptTokens int
	OutputTokens int
}

// Response is the complete model output for one request.
type Response struct {
	Message Message
	Usage   Usage
}

// Provider represents a service that provides LLMs (e.g. Gemini, OpenAI).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Generate sends a conversation context plus tool declarations to the LLM
	// and returns a stream of responses. modelName identifies which model to
	// use, instructions is the system prompt, decls are the tools the model
	// may call this turn.
	Generate(ctx context.Context, modelName, instructions string, messages []Message, decls []tool.Declaration) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullResponse blocks until the complete response is available and returns it.
	FullResponse() (Response, error)

	// Close releases resources associated with this stream.
	Close() error
}
