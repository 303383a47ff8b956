package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ami/internal/errors"
	"ami/internal/logging"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"
	anthropicMessagesPath     = "/messages"

	// anthropicDefaultMaxTokens is used when the caller does not cap output:
	// the messages API requires a positive max_tokens on every request.
	anthropicDefaultMaxTokens = 8192
)

type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewAnthropicClient creates a client for the Anthropic messages API.
func NewAnthropicClient(model string, config Config) (Client, error) {
	if config.APIKey == "" {
		return nil, errors.New(errors.KindConfig, "ANTHROPIC_API_KEY is not set")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultAnthropicBaseURL
	}
	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	return &anthropicClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm-anthropic"),
	}, nil
}

func (c *anthropicClient) Model() string { return c.model }

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages":   convertAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertAnthropicTools(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + anthropicMessagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, defaultAnthropicVersion)

	c.logger.Debug("POST %s model=%s messages=%d tools=%d", endpoint, c.model, len(req.Messages), len(req.Tools))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapProviderError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil && apiResp.Error.Message != "" {
		return nil, mapHTTPError(resp.StatusCode, []byte(apiResp.Error.Message))
	}

	content, toolCalls := parseAnthropicContent(apiResp.Content)
	return &CompletionResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: apiResp.StopReason,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func parseAnthropicContent(blocks []anthropicContentBlock) (string, []ToolCall) {
	var text strings.Builder
	var calls []ToolCall
	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return text.String(), calls
}

// convertAnthropicMessages maps the neutral message log onto the Anthropic
// wire form: assistant tool calls become tool_use blocks, the single tool
// turn becomes a user turn of tool_result blocks.
func convertAnthropicMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			blocks := make([]map[string]any, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": call.Arguments,
				})
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})
		case "tool":
			blocks := make([]map[string]any, 0, len(msg.ToolResults))
			for _, result := range msg.ToolResults {
				content := []map[string]any{{"type": "text", "text": result.Content}}
				if result.ImageData != "" {
					if mediaType, data, ok := splitDataURI(result.ImageData); ok {
						content = append(content, map[string]any{
							"type": "image",
							"source": map[string]any{
								"type":       "base64",
								"media_type": mediaType,
								"data":       data,
							},
						})
					}
				}
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": result.CallID,
					"content":     content,
					"is_error":    result.IsError,
				})
			}
			out = append(out, map[string]any{"role": "user", "content": blocks})
		default:
			out = append(out, map[string]any{"role": "user", "content": msg.Content})
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.Parameters,
		})
	}
	return out
}

func splitDataURI(uri string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

func wrapProviderError(err error) error {
	if errors.IsTransient(err) {
		return errors.NewTransientError(err, "provider request failed, retrying")
	}
	return errors.Wrap(errors.KindProvider, err)
}

func mapHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	base := fmt.Errorf("provider HTTP %d: %s", status, msg)
	switch {
	case status == 429 || status >= 500:
		return errors.NewTransientError(base, fmt.Sprintf("provider returned %d, retrying with backoff", status))
	case status == 401 || status == 403:
		return errors.NewPermanentError(base, "authentication failed, check the API key configuration")
	default:
		return errors.NewPermanentError(base, base.Error())
	}
}
