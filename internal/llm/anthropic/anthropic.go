// Package anthropic implements the LLM provider interface for the Anthropic Messages API.
package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/sandloop/internal/llm"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 4096
	providerName    = "anthropic"
)

// Client implements llm.StreamingProvider using the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ llm.StreamingProvider = (*Client)(nil)

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return providerName }

// SendMessage posts the conversation to /v1/messages.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var out apiResponse
	if err := c.endpoint().Call(ctx, c.baseURL+messagesPath, c.buildRequest(req, false), &out); err != nil {
		return nil, err
	}
	resp := c.toResponse(&out)
	llm.LogCompletion(ctx, c.logger, providerName, resp)
	return resp, nil
}

func (c *Client) endpoint() llm.Endpoint {
	return llm.Endpoint{
		Provider: providerName,
		Client:   c.httpClient,
		Header: http.Header{
			"X-Api-Key":         {c.apiKey},
			"Anthropic-Version": {apiVersion},
		},
	}
}

func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	conv := req.ConversationMessages()
	messages := make([]apiMessage, len(conv))
	for i, m := range conv {
		messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}

	return apiRequest{
		Model:       c.model,
		System:      req.System(),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *Client) toResponse(apiResp *apiResponse) *llm.Response {
	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := apiResp.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{
		Content:    text.String(),
		Model:      model,
		StopReason: apiResp.StopReason,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
}

// StreamMessage implements llm.StreamingProvider using server-sent events.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	defer close(events)

	fail := func(err error) error {
		events <- llm.StreamEvent{Type: llm.EventError, Error: err}
		return err
	}

	httpResp, err := c.endpoint().Post(ctx, c.baseURL+messagesPath, c.buildRequest(req, true))
	if err != nil {
		return fail(err)
	}
	defer httpResp.Body.Close()

	resp := &llm.Response{Model: c.model}
	var text strings.Builder

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var ev apiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				if ev.Message.Model != "" {
					resp.Model = ev.Message.Model
				}
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				text.WriteString(ev.Delta.Text)
				events <- llm.StreamEvent{Type: llm.EventText, Content: ev.Delta.Text}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			resp.Content = text.String()
			events <- llm.StreamEvent{Type: llm.EventDone, Response: resp}
			return nil
		case "error":
			return fail(fmt.Errorf("stream error: %s", data))
		}
	}

	if err := scanner.Err(); err != nil {
		return fail(llm.NetworkError(ctx, providerName, err))
	}
	resp.Content = text.String()
	events <- llm.StreamEvent{Type: llm.EventDone, Response: resp}
	return nil
}

// --- Anthropic API wire types (unexported) ---

type apiRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	Model      string            `json:"model"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiStreamEvent struct {
	Type    string          `json:"type"`
	Message *apiResponse    `json:"message,omitempty"`
	Delta   *apiStreamDelta `json:"delta,omitempty"`
	Usage   *apiUsage       `json:"usage,omitempty"`
}

type apiStreamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}
