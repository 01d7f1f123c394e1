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
	"time"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/httpclient"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// OllamaProvider streams chat completions from a local Ollama daemon over
// its NDJSON /api/chat endpoint. Ollama supports native tool calls and can
// evict a model by issuing a request with keep_alive 0.
type OllamaProvider struct {
	cfg        *config.ModelConfig
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type ollamaRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Format    any             `json:"format,omitempty"`
	Options   *ollamaOptions  `json:"options,omitempty"`
	Tools     []ollamaTool    `json:"tools,omitempty"`
	KeepAlive *int            `json:"keep_alive,omitempty"`
}

type ollamaStreamChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider creates a provider for a local Ollama daemon.
func NewOllamaProvider(cfg *config.ModelConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}

	baseURL := strings.TrimSuffix(cfg.Host, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	client, err := newProviderHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &OllamaProvider{cfg: cfg, httpClient: client, baseURL: baseURL}, nil
}

func (p *OllamaProvider) ModelInfo() protocol.ModelInfo {
	return protocol.ModelInfo{
		Provider:  string(config.ModelProviderOllama),
		ModelName: p.cfg.Model,
		Capabilities: map[string]bool{
			"tools":  true,
			"unload": true,
		},
	}
}

func (p *OllamaProvider) SupportsUnload() bool { return true }

// Unload asks the daemon to evict the model by sending an empty generation
// with keep_alive 0.
func (p *OllamaProvider) Unload(ctx context.Context) error {
	zero := 0
	body, err := json.Marshal(ollamaRequest{
		Model:     p.cfg.Model,
		Messages:  []ollamaMessage{},
		Stream:    false,
		KeepAlive: &zero,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal unload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create unload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unload request failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Stream(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) (<-chan StreamEvent, error) {
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

func (p *OllamaProvider) buildRequest(messages []*protocol.Message, tools []ToolDefinition, opts *StreamOptions) ollamaRequest {
	msgs := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == protocol.RoleTool {
			om.ToolName = m.Name
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaToolCallFunction{Name: tc.Name, Arguments: tc.Args},
			})
		}
		msgs = append(msgs, om)
	}

	request := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: msgs,
		Stream:   true,
	}

	options := &ollamaOptions{}
	if opts != nil {
		options.Temperature = opts.Temperature
		options.NumPredict = opts.MaxTokens
		options.NumCtx = opts.ContextWindow
		if opts.ResponseFormat == "json" {
			request.Format = "json"
		}
	}
	if options.Temperature == nil {
		options.Temperature = p.cfg.Temperature
	}
	if options.NumPredict == 0 {
		options.NumPredict = p.cfg.MaxTokens
	}
	if options.NumCtx == 0 {
		options.NumCtx = p.cfg.ContextWindow
	}
	request.Options = options

	for _, t := range tools {
		request.Tools = append(request.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return request
}

func (p *OllamaProvider) streamRequest(ctx context.Context, request ollamaRequest, ch chan<- StreamEvent) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return decodeOllamaError(resp)
		}
	}
	if err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}

	var content strings.Builder
	toolCalls := make(map[int]*ollamaToolCall)
	reader := bufio.NewReader(resp.Body)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return fmt.Errorf("ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			ch <- StreamEvent{Type: EventContent, Text: chunk.Message.Content}
		}

		// Tool calls may arrive split across chunks; accumulate by index.
		for i := range chunk.Message.ToolCalls {
			tc := chunk.Message.ToolCalls[i]
			idx := tc.Function.Index
			if idx < 0 {
				idx = len(toolCalls)
			}
			if existing, ok := toolCalls[idx]; ok {
				for k, v := range tc.Function.Arguments {
					existing.Function.Arguments[k] = v
				}
			} else {
				if tc.Function.Arguments == nil {
					tc.Function.Arguments = make(map[string]any)
				}
				toolCalls[idx] = &tc
			}
		}

		if chunk.Done {
			var native []*protocol.ToolCall
			for i := 0; i < len(toolCalls); i++ {
				if tc, ok := toolCalls[i]; ok {
					native = append(native, &protocol.ToolCall{
						ID:   protocol.NewToolCallID(),
						Name: tc.Function.Name,
						Args: tc.Function.Arguments,
					})
				}
			}
			finishStream(ch, content.String(), native, map[string]any{
				"prompt_tokens":     chunk.PromptEvalCount,
				"completion_tokens": chunk.EvalCount,
			})
			return nil
		}
	}

	return fmt.Errorf("ollama stream ended without a terminal chunk")
}

func decodeOllamaError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("ollama API request failed with status %d", resp.StatusCode)
	}

	var errorJSON struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errorJSON) == nil && errorJSON.Error != "" {
		return fmt.Errorf("ollama API error: %s", errorJSON.Error)
	}
	return fmt.Errorf("ollama API request failed with status %d: %s", resp.StatusCode, string(body))
}

// newProviderHTTPClient builds the HTTP client shared by the raw-HTTP
// providers. Completion requests run for minutes on local hardware, so the
// timeout is long and retries are disabled: replaying a partially consumed
// stream would duplicate output.
func newProviderHTTPClient(cfg *config.ModelConfig) (*httpclient.Client, error) {
	timeout := 10 * time.Minute
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid model timeout: %w", err)
		}
		timeout = parsed
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithoutRetries(),
	}

	if cfg.TLS != nil {
		tlsConfig, err := httpclient.ConfigureTLS(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("invalid model TLS config: %w", err)
		}
		opts = append(opts, httpclient.WithTLSConfig(tlsConfig))
	}

	return httpclient.New(opts...), nil
}
