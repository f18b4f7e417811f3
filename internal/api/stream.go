package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxPendingChunks bounds each subscriber's outbound queue; a client
	// that falls this far behind is disconnected rather than buffered
	// further.
	maxPendingChunks  = 1024
	heartbeatInterval = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

// The service binds loopback by default and auth runs before the upgrade,
// so cross-origin browser requests are acceptable here.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func subscribedTypes(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// handleSSE streams bus events as Server-Sent Events. Each subscriber gets
// a bounded pending queue; on overflow the connection is dropped so one slow
// reader cannot hold buffers for everyone else.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_server_error", "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(subscribedTypes(r)...)
	defer s.bus.Unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SSESubscribers.Inc()
		defer s.metrics.SSESubscribers.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := make(chan []byte, maxPendingChunks)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-sub:
				if !open {
					return
				}
				frame, err := ev.SSEFormat()
				if err != nil {
					continue
				}
				select {
				case queue <- frame:
				default:
					slog.Warn("sse subscriber overflowed, disconnecting")
					cancel()
					return
				}
			}
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-queue:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams the same event payloads over a WebSocket, with
// the same bounded-queue disconnect policy.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(subscribedTypes(r)...)
	defer s.bus.Unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SSESubscribers.Inc()
		defer s.metrics.SSESubscribers.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := make(chan []byte, maxPendingChunks)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-sub:
				if !open {
					return
				}
				data, err := ev.JSON()
				if err != nil {
					continue
				}
				select {
				case queue <- data:
				default:
					slog.Warn("websocket subscriber overflowed, disconnecting")
					cancel()
					return
				}
			}
		}
	}()

	// Reader only serves to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-queue:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
