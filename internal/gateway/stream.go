package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-herd/internal/bus"
)

// streamFrame is one event delivered to UI subscribers, over WebSocket or SSE.
type streamFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func frameOf(event bus.Event) *streamFrame {
	switch payload := event.Payload.(type) {
	case bus.TaskCreatedEvent, bus.TaskUpdatedEvent, bus.TaskCompletedEvent,
		bus.TaskDispatchEvent, bus.EvictionEvent, bus.AgentStatusEvent, bus.ActivityEvent:
		return &streamFrame{Type: event.Topic, Payload: payload}
	default:
		return nil
	}
}

// handleEventsWS implements GET /api/v1/events: a WebSocket stream of broker
// events. An optional ?topic= prefix narrows the subscription.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("ws accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := frameOf(event)
			if frame == nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

// handleEventsSSE implements GET /api/v1/events/sse for clients that cannot
// speak WebSocket.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before flushing the headers so events published right after
	// the client sees the response are not lost.
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := frameOf(event)
			if frame == nil {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal frame", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
