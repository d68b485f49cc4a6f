package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/tool"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns available Gemini models.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}

		// Filter for models that support generateContent.
		supportsGenerate := false
		if !strings.Contains(strings.ToLower(m.Name), "gemma") {
			for _, action := range m.SupportedActions {
				if action == "generateContent" {
					supportsGenerate = true
					break
				}
			}
		}

		if supportsGenerate {
			maxTokens := 0
			if m.InputTokenLimit > 0 {
				maxTokens = int(m.InputTokenLimit)
			}
			models = append(models, domain.Model{
				ID:        m.Name,
				Name:      m.DisplayName,
				Provider:  "gemini",
				MaxTokens: maxTokens,
			})
		}
	}
	return models, nil
}

// Generate sends a conversation context to the LLM and returns a stream.
func (p *Provider) Generate(ctx context.Context, modelName, instructions string, messages []model.Message, decls []tool.Declaration) (model.ModelStream, error) {
	slog.Debug("Gemini.Generate", "model", modelName, "messageCount", len(messages), "toolCount", len(decls))

	tools, err := buildToolDeclarations(decls)
	if err != nil {
		return nil, fmt.Errorf("building tool declarations: %w", err)
	}

	// Convert messages to genai.Content.
	var contents []*genai.Content
	var systemInstruction *genai.Content
	toolNameMap := make(map[string]string) // tool call ID -> name

	if instructions != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	for _, msg := range messages {
		var parts []*genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case domain.ContentTypeText:
				parts = append(parts, &genai.Part{
					Text:             c.Text,
					ThoughtSignature: c.ThoughtSignature,
				})
			case domain.ContentTypeToolCall:
				if c.ToolCall != nil {
					toolNameMap[c.ToolCall.ID] = c.ToolCall.Name
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							Name: c.ToolCall.Name,
							Args: c.ToolCall.Input,
							ID:   c.ToolCall.ID,
						},
						ThoughtSignature: c.ThoughtSignature,
					})
				}
			case domain.ContentTypeToolResult:
				if c.ToolResult != nil {
					name := toolNameMap[c.ToolResult.ToolCallID]
					if name == "" {
						name = "tool"
					}
					parts = append(parts, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							Name: name,
							ID:   c.ToolResult.ToolCallID,
							Response: map[string]any{
								"result": c.ToolResult.Content,
							},
						},
					})
				}
			}
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		} else if msg.Role == domain.RoleTool {
			role = "user"
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	config := &genai.GenerateContentConfig{
		Tools:             tools,
		SystemInstruction: systemInstruction,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config)

	return &geminiStream{
		iter:   iter,
		cancel: cancel,
	}, nil
}

// buildToolDeclarations converts registry declarations into the genai format.
func buildToolDeclarations(decls []tool.Declaration) ([]*genai.Tool, error) {
	if len(decls) == 0 {
		return nil, nil
	}

	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		params, err := toGenaiSchema(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		fns = append(fns, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}, nil
}

// rawSchema is the subset of JSON Schema our tool declarations use.
type rawSchema struct {
	Type        string               `json:"type"`
	Description string               `json:"description"`
	Properties  map[string]rawSchema `json:"properties"`
	Required    []string             `json:"required"`
	Enum        []string             `json:"enum"`
	Items       *rawSchema           `json:"items"`
	Minimum     *float64             `json:"minimum"`
	Maximum     *float64             `json:"maximum"`
}

// toGenaiSchema maps a JSON Schema declaration onto genai.Schema. The genai
// API uses an OpenAPI-style schema with upper-case type names.
func toGenaiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rs rawSchema
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return convertSchema(&rs), nil
}

func convertSchema(rs *rawSchema) *genai.Schema {
	if rs == nil {
		return nil
	}
	s := &genai.Schema{
		Description: rs.Description,
		Required:    rs.Required,
		Enum:        rs.Enum,
		Minimum:     rs.Minimum,
		Maximum:     rs.Maximum,
	}
	switch rs.Type {
	case "object":
		s.Type = genai.TypeObject
		if len(rs.Properties) > 0 {
			s.Properties = make(map[string]*genai.Schema, len(rs.Properties))
			for name, prop := range rs.Properties {
				p := prop
				s.Properties[name] = convertSchema(&p)
			}
		}
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		s.Items = convertSchema(rs.Items)
	default:
		s.Type = genai.TypeString
	}
	return s
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	iter   func(yield func(*genai.GenerateContentResponse, error) bool)
	cancel context.CancelFunc
}

func (s *geminiStream) FullResponse() (model.Response, error) {
	var fullText strings.Builder
	var toolCalls []model.Content
	var textSignature []byte
	var usage model.Usage

	for resp, err := range s.iter {
		if err != nil {
			return model.Response{}, err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, cand := range resp.Candidates {
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						if len(part.ThoughtSignature) > 0 {
							textSignature = part.ThoughtSignature
						}
						fullText.WriteString(part.Text)
					}
					if part.FunctionCall != nil {
						fc := part.FunctionCall
						id := fc.ID
						if id == "" {
							id = "call-" + uuid.New().String()
						}
						toolCalls = append(toolCalls, model.Content{
							Type: domain.ContentTypeToolCall,
							ToolCall: &domain.ToolCall{
								ID:    id,
								Name:  fc.Name,
								Input: fc.Args,
							},
							ThoughtSignature: part.ThoughtSignature,
						})
					}
				}
			}
		}
	}

	var content []model.Content
	if fullText.Len() > 0 {
		content = append(content, model.Content{
			Type:             domain.ContentTypeText,
			Text:             fullText.String(),
			ThoughtSignature: textSignature,
		})
	}
	content = append(content, toolCalls...)

	return model.Response{
		Message: model.Message{
			Role:    domain.RoleAssistant,
			Content: content,
		},
		Usage: usage,
	}, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
