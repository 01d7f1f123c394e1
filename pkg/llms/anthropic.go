package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/httpclient"
	"github.com/kadirpekel/coda/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider streams messages from the Anthropic API. The SSE
// protocol is event-typed: content blocks open, stream deltas, and close;
// tool_use blocks carry their input as incremental JSON fragments.
type AnthropicProvider struct {
	cfg        *config.ModelConfig
	httpClient *httpclient.Client
	baseURL    string
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(cfg *config.ModelConfig) (*AnthropicProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic requires an api key")
	}

	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	client, err := newProviderHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &AnthropicProvider{cfg: cfg, httpClient: client, baseURL: baseURL}, nil
}

func (p *AnthropicProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{
		Provider:  string(config.ModelProviderAnthropic),
		ModelName: p.cfg.Model,
		Capabilities: map[string]bool{
			"tools":  true,
			"unload": false,
		},
	}
}

func (p *AnthropicProvider) SupportsUnload() bool { return false }

func (p *AnthropicProvider) Unload(ctx context.Context) error {
	return ErrUnloadUnsupported
}

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) Stream(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) (<-chan StreamEvent, error) {
	request := p.buildRequest(messages, tools, opts)

	ch := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(ch)
		if err := p.streamRequest(ctx, request, ch); err != nil {
			ch <- StreamEvent{Type: EventError, Err: err}
		}
	}()

	return ch, nil
}

// buildRequest converts the conversation. Anthropic keeps the system prompt
// out of the message list, and tool results ride in user messages as
// tool_result blocks.
func (p *AnthropicProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) anthropicRequest {
	request := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      true,
	}
	if opts != nil {
		if opts.Temperature != nil {
			request.Temperature = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			request.MaxTokens = opts.MaxTokens
		}
	}
	if request.MaxTokens == 0 {
		request.MaxTokens = 4096
	}

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			if request.System != "" {
				request.System += "\n\n"
			}
			request.System += m.Content

		case protocol.RoleTool:
			request.Messages = append(request.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case protocol.RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			request.Messages = append(request.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			request.Messages = append(request.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		request.Tools = append(request.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}

	return request
}

func (p *AnthropicProvider) streamRequest(ctx context.Context, request anthropicRequest, ch chan<- StreamEvent) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(errBody))
		}
	}
	if err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}

	var content strings.Builder
	type toolBlock struct {
		id   string
		name string
		json strings.Builder
	}
	blocks := make(map[int]*toolBlock)
	var blockOrder []int
	meta := map[string]any{}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			return fmt.Errorf("API error: %s", event.Error.Message)

		case "message_start":
			meta["prompt_tokens"] = event.Message.Usage.InputTokens

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				blocks[event.Index] = &toolBlock{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
				blockOrder = append(blockOrder, event.Index)
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				ch <- StreamEvent{Type: EventContent, Text: event.Delta.Text}
			case "input_json_delta":
				if b, ok := blocks[event.Index]; ok {
					b.json.WriteString(event.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				meta["completion_tokens"] = event.Usage.OutputTokens
			}

		case "message_stop":
			var native []*protocol.ToolCall
			for _, idx := range blockOrder {
				b := blocks[idx]
				args := make(map[string]any)
				if raw := b.json.String(); raw != "" {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				id := b.id
				if id == "" {
					id = protocol.NewToolCallID()
				}
				native = append(native, &protocol.ToolCall{ID: id, Name: b.name, Args: args})
			}
			finishStream(ch, content.String(), native, meta)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	return fmt.Errorf("anthropic stream ended without message_stop")
}
