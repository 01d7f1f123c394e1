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

// OpenAIProvider streams chat completions from any server speaking the
// OpenAI chat-completions SSE protocol: the hosted API, vLLM, llama.cpp
// server, LM Studio. These backends have no release endpoint, so the
// provider reports unload as unsupported.
type OpenAIProvider struct {
	cfg        *config.ModelConfig
	httpClient *httpclient.Client
	baseURL    string
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string                `json:"type"`
	Function openaiToolDefFunction `json:"function"`
}

type openaiToolDefFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []openaiTool    `json:"tools,omitempty"`
	ResponseFormat *openaiFormat   `json:"response_format,omitempty"`
	StreamOptions  *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiFormat struct {
	Type string `json:"type"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *config.ModelConfig) (*OpenAIProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}

	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	client, err := newProviderHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &OpenAIProvider{cfg: cfg, httpClient: client, baseURL: baseURL}, nil
}

func (p *OpenAIProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{
		Provider:  string(config.ModelProviderOpenAI),
		ModelName: p.cfg.Model,
		Capabilities: map[string]bool{
			"tools":  true,
			"unload": false,
		},
	}
}

func (p *OpenAIProvider) SupportsUnload() bool { return false }

func (p *OpenAIProvider) Unload(ctx context.Context) error {
	return ErrUnloadUnsupported
}

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Stream(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) (<-chan StreamEvent, error) {
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

func (p *OpenAIProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) openaiRequest {
	msgs := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		om := openaiMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == protocol.RoleTool {
			om.ToolCallID = m.ToolCallID
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openaiToolFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		msgs = append(msgs, om)
	}

	request := openaiRequest{
		Model:         p.cfg.Model,
		Messages:      msgs,
		Stream:        true,
		Temperature:   p.cfg.Temperature,
		MaxTokens:     p.cfg.MaxTokens,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
	}

	if opts != nil {
		if opts.Temperature != nil {
			request.Temperature = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			request.MaxTokens = opts.MaxTokens
		}
		if opts.ResponseFormat == "json" {
			request.ResponseFormat = &openaiFormat{Type: "json_object"}
		}
	}

	for _, t := range tools {
		request.Tools = append(request.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return request
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, request openaiRequest, ch chan<- StreamEvent) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

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
	// Tool call fragments arrive with an index; names and argument JSON
	// accumulate across chunks.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partialCall)
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
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}

		if chunk.Usage != nil {
			meta["prompt_tokens"] = chunk.Usage.PromptTokens
			meta["completion_tokens"] = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				ch <- StreamEvent{Type: EventContent, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := partials[idx]
				if !ok {
					pc = &partialCall{}
					partials[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}

	var native []*protocol.ToolCall
	for i := 0; i < len(partials); i++ {
		pc, ok := partials[i]
		if !ok || pc.name == "" {
			continue
		}
		args := make(map[string]any)
		if raw := pc.args.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		id := pc.id
		if id == "" {
			id = protocol.NewToolCallID()
		}
		native = append(native, &protocol.ToolCall{ID: id, Name: pc.name, Args: args})
	}

	finishStream(ch, content.String(), native, meta)
	return nil
}
