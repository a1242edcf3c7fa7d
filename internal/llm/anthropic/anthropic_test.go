package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/sandloop/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("unexpected api key %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("unexpected version %q", r.Header.Get("Anthropic-Version"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.System != "sys\n\nextra" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("system-role messages must not be sent as turns: %+v", req.Messages)
		}
		if req.Stream {
			t.Error("stream set on a blocking call")
		}

		_ = json.NewEncoder(w).Encode(apiResponse{
			Model:      "claude-sonnet-4-20250514",
			Content:    []apiContentBlock{{Type: "text", Text: "FINAL(4)"}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 12, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-sonnet-4", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "sys",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "extra"},
			{Role: llm.RoleUser, Content: "2+2?"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "FINAL(4)" || resp.Model != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "claude-sonnet-4", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, llm.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestStreamMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"model":"claude-sonnet-4-x","usage":{"input_tokens":20,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	client := NewClient("k", "claude-sonnet-4", discardLogger(), WithBaseURL(srv.URL))
	var deltas []string
	resp, err := llm.Collect(context.Background(), client, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello world" || len(deltas) != 2 {
		t.Errorf("content=%q deltas=%v", resp.Content, deltas)
	}
	if resp.Model != "claude-sonnet-4-x" || resp.StopReason != "end_turn" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 7 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestStreamMessage_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient("k", "claude-sonnet-4", discardLogger(), WithBaseURL(srv.URL))
	_, err := llm.Collect(context.Background(), client, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)
	if err == nil || errors.Is(err, llm.ErrTransient) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
