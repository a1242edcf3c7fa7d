package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 64 << 10

// Endpoint posts JSON to one provider API with fixed headers.
type Endpoint struct {
	Provider string
	Client   *http.Client // nil means http.DefaultClient
	Header   http.Header
}

// Post sends body as JSON to url. The caller closes the returned body.
// Transport failures and non-200 statuses are classified with NetworkError
// and StatusError.
func (e Endpoint) Post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", e.Provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", e.Provider, err)
	}
	for k, vs := range e.Header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	hc := e.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, NetworkError(ctx, e.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, StatusError(e.Provider, resp.StatusCode, msg)
	}
	return resp, nil
}

// Call posts in and decodes the response into out.
func (e Endpoint) Call(ctx context.Context, url string, in, out any) error {
	resp, err := e.Post(ctx, url, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NetworkError(ctx, e.Provider, fmt.Errorf("reading response body: %w", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", e.Provider, err)
	}
	return nil
}

// LogCompletion records one finished model call at debug level.
func LogCompletion(ctx context.Context, logger *slog.Logger, provider string, resp *Response) {
	if logger == nil {
		return
	}
	logger.DebugContext(ctx, "model call completed",
		slog.String("provider", provider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
}
