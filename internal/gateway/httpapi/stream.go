package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/sandloop/internal/orchestrator"
)

// StreamEvent is one message sent on the run stream.
type StreamEvent struct {
	Type   string               `json:"type"` // "step", "result" or "error"
	Step   *orchestrator.Step   `json:"step,omitempty"`
	Result *orchestrator.Result `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// handleRunStream serves GET /v1/runs/ws. The client sends one RunRequest;
// the server replies with a "step" event per step and a final "result".
func (g *Gateway) handleRunStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !g.allow(w, userID) {
		http.Error(w, "too many runs, retry later", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.MaxRequestSize)

	ctx := r.Context()
	var req RunRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		g.logger.Warn("invalid run request on stream",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		conn.Close(websocket.StatusUnsupportedData, "invalid run request")
		return
	}
	if msg := req.validate(g.config.ContextRoots); msg != "" {
		_ = wsjson.Write(ctx, conn, StreamEvent{Type: "error", Error: msg})
		conn.Close(websocket.StatusPolicyViolation, msg)
		return
	}

	// Canceled when the client goes away, which cancels the run.
	ctx = conn.CloseRead(ctx)

	g.logger.Info("http run stream",
		slog.String("user_id", userID),
		slog.String("context_path", req.ContextPath),
	)

	result := g.run(ctx, userID, req, func(step orchestrator.Step) {
		if err := wsjson.Write(ctx, conn, StreamEvent{Type: "step", Step: &step}); err != nil {
			g.logger.Debug("dropping step event", slog.String("error", err.Error()))
		}
	})

	if err := wsjson.Write(ctx, conn, StreamEvent{Type: "result", Result: result}); err != nil {
		g.logger.Warn("sending run result failed",
			slog.String("run_id", result.RunID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run finished")
}
