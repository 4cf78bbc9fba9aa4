package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/pipeline"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// ProgressEvent is one frame on the generation progress feed.
type ProgressEvent struct {
	Type      string             `json:"type"`
	Angle     string             `json:"angle,omitempty"`
	Completed int                `json:"completed,omitempty"`
	Total     int                `json:"total,omitempty"`
	Pipeline  *types.PipelineRun `json:"pipeline,omitempty"`
	Code      string             `json:"code,omitempty"`
	Message   string             `json:"message,omitempty"`
}

// Frame types on the progress feed.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventError     = "error"
)

// ProgressHandler runs the image stage over a WebSocket so clients see
// per-angle progress instead of waiting on a long POST. The stage
// itself is identical to the HTTP route; only the transport differs.
type ProgressHandler struct {
	svc    *pipeline.Service
	logger *zap.Logger
}

// NewProgressHandler creates a progress feed handler.
func NewProgressHandler(svc *pipeline.Service, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{svc: svc, logger: logger}
}

// HandleImageProgress upgrades to a WebSocket, runs image generation
// and streams one progress frame per finished angle, ending with a
// completed frame carrying the final pipeline or an error frame.
func (h *ProgressHandler) HandleImageProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	id := r.PathValue("id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	writer := newEventWriter(conn, h.logger)

	run, genErr := h.svc.StartImageGeneration(ctx, userID, id, func(angle types.Angle, completed, total int) {
		writer.send(ctx, ProgressEvent{
			Type:      EventProgress,
			Angle:     string(angle),
			Completed: completed,
			Total:     total,
		})
	})
	if genErr != nil {
		writer.send(ctx, errorEvent(genErr))
		conn.Close(websocket.StatusNormalClosure, "failed")
		return
	}

	writer.send(ctx, ProgressEvent{Type: EventCompleted, Pipeline: run})
	conn.Close(websocket.StatusNormalClosure, "done")
}

func errorEvent(err error) ProgressEvent {
	ev := ProgressEvent{Type: EventError, Code: string(types.ErrInternal), Message: "unexpected error"}
	if typed, ok := err.(*types.Error); ok {
		ev.Code = string(typed.Code)
		ev.Message = typed.Message
	}
	return ev
}

// eventWriter serializes frames onto the socket. WebSocket writes are
// not concurrency safe, and progress callbacks may fire from the
// synthesis path while the handler goroutine owns the connection.
type eventWriter struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
}

func newEventWriter(conn *websocket.Conn, logger *zap.Logger) *eventWriter {
	return &eventWriter{conn: conn, logger: logger}
}

func (w *eventWriter) send(ctx context.Context, ev ProgressEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("marshal progress event", zap.Error(err))
		return
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		w.logger.Debug("websocket write failed", zap.Error(err))
	}
}
