// Package llm defines the provider-agnostic interface for LLM interactions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Provider is the abstraction over any LLM backend (Anthropic, OpenAI, etc.).
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64 // nil = provider default
}

// System returns the system prompt merged with any system-role messages.
// Providers that take the system prompt out of band use it together with
// ConversationMessages.
func (r *Request) System() string {
	parts := make([]string, 0, 1)
	if r.SystemPrompt != "" {
		parts = append(parts, r.SystemPrompt)
	}
	for _, m := range r.Messages {
		if m.Role == RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ConversationMessages returns the messages without system-role entries.
func (r *Request) ConversationMessages() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Model      string // Model that served the request, as reported by the API.
	Usage      Usage
	StopReason string // "end_turn", "stop", "max_tokens", ...
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrTransient marks failures worth retrying: rate limits, overloaded or
// unavailable upstreams, and network errors.
var ErrTransient = errors.New("transient provider error")

// TransientError is a retryable provider failure.
type TransientError struct {
	Provider   string
	StatusCode int // 0 for network errors
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransient) hold for any *TransientError.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// StatusError turns a non-200 API response into an error. Rate limits and
// server-side failures come back as *TransientError.
func StatusError(provider string, status int, body []byte) error {
	err := fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return &TransientError{Provider: provider, StatusCode: status, Err: err}
	}
	return err
}

// NetworkError wraps a transport failure as transient unless the caller's
// context ended.
func NetworkError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return &TransientError{Provider: provider, Err: fmt.Errorf("sending request: %w", err)}
}
