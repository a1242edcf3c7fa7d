package llm

import (
	"context"
	"strings"
)

// Stream event types.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is one event of a streaming response. The final "done" event
// carries the assembled response.
type StreamEvent struct {
	Type     string
	Content  string    // Text delta for "text" events.
	Response *Response // Set on "done".
	Error    error     // Set on "error".
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider
	// StreamMessage streams events to the channel and closes it when the
	// response is complete or failed.
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error
}

// NonStreamingAdapter gives any Provider a buffered StreamMessage.
type NonStreamingAdapter struct {
	Provider
}

var _ StreamingProvider = (*NonStreamingAdapter)(nil)

// StreamMessage calls SendMessage and emits the whole text as one event.
func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: EventError, Error: err}
		return err
	}
	if resp.Content != "" {
		events <- StreamEvent{Type: EventText, Content: resp.Content}
	}
	events <- StreamEvent{Type: EventDone, Response: resp}
	return nil
}

// AsStreaming returns p itself when it streams natively.
func AsStreaming(p Provider) StreamingProvider {
	if sp, ok := p.(StreamingProvider); ok {
		return sp
	}
	return &NonStreamingAdapter{Provider: p}
}

// Collect drains a stream into a Response, calling onText for each delta.
// It is the usual way to consume StreamMessage from a synchronous caller.
func Collect(ctx context.Context, p StreamingProvider, req *Request, onText func(string)) (*Response, error) {
	events := make(chan StreamEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- p.StreamMessage(ctx, req, events) }()

	var (
		text strings.Builder
		resp *Response
		serr error
	)
	for ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Content)
			if onText != nil {
				onText(ev.Content)
			}
		case EventDone:
			resp = ev.Response
		case EventError:
			serr = ev.Error
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, serr
	}
	if resp == nil {
		resp = &Response{}
	}
	if resp.Content == "" {
		resp.Content = text.String()
	}
	return resp, nil
}
