package llms

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// GeminiProvider streams completions through the official genai SDK. The
// SDK yields response chunks as an iterator; the provider relays text parts
// as content events and collects function calls for the terminal events.
type GeminiProvider struct {
	cfg    *config.ModelConfig
	client *genai.Client
}

// NewGeminiProvider creates a provider for the Gemini API.
func NewGeminiProvider(cfg *config.ModelConfig) (*GeminiProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini requires an api key")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{cfg: cfg, client: client}, nil
}

func (p *GeminiProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{
		Provider:  string(config.ModelProviderGemini),
		ModelName: p.cfg.Model,
		Capabilities: map[string]bool{
			"tools":  true,
			"unload": false,
		},
	}
}

func (p *GeminiProvider) SupportsUnload() bool { return false }

func (p *GeminiProvider) Unload(ctx context.Context) error {
	return ErrUnloadUnsupported
}

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Stream(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) (<-chan StreamEvent, error) {
	contents, system := p.buildContents(messages)
	genConfig := p.buildConfig(system, tools, opts)

	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)

		var content strings.Builder
		var native []*protocol.ToolCall
		meta := map[string]any{}

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, genConfig) {
			if err != nil {
				ch <- StreamEvent{Type: EventError, Err: fmt.Errorf("gemini streaming error: %w", err)}
				return
			}
			if err := ctx.Err(); err != nil {
				ch <- StreamEvent{Type: EventError, Err: err}
				return
			}

			if resp.UsageMetadata != nil {
				meta["prompt_tokens"] = int(resp.UsageMetadata.PromptTokenCount)
				meta["completion_tokens"] = int(resp.UsageMetadata.CandidatesTokenCount)
			}

			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" && !part.Thought {
					content.WriteString(part.Text)
					ch <- StreamEvent{Type: EventContent, Text: part.Text}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = protocol.NewToolCallID()
					}
					native = append(native, &protocol.ToolCall{
						ID:   id,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					})
				}
			}
		}

		finishStream(ch, content.String(), native, meta)
	}()

	return ch, nil
}

func (p *GeminiProvider) buildContents(messages []*protocol.Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}

		case protocol.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case protocol.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	return contents, system
}

func (p *GeminiProvider) buildConfig(system *genai.Content, tools []ToolDefinition, opts *StreamOptions) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}

	temperature := p.cfg.Temperature
	maxTokens := p.cfg.MaxTokens
	if opts != nil {
		if opts.Temperature != nil {
			temperature = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			maxTokens = opts.MaxTokens
		}
		if opts.ResponseFormat == "json" {
			genConfig.ResponseMIMEType = "application/json"
		}
	}
	if temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*temperature))
	}
	if maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(maxTokens)
	}

	for _, t := range tools {
		genConfig.Tools = append(genConfig.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			}},
		})
	}

	return genConfig
}

// toGenaiSchema converts a JSON schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}
