// Package gateway exposes the assistant over a persistent WebSocket
// connection. Each connection serves one customer session: inbound
// messages are processed strictly in order, outbound events are
// serialized by a single writer goroutine.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mgalvez/vera-agent/internal/agent"
	"github.com/mgalvez/vera-agent/internal/events"
	"github.com/mgalvez/vera-agent/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	maxInbound   = 8 << 20 // image attachments arrive base64-encoded
)

// inbound is a message from the web client.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionIdentity"`
	Message   string `json:"message,omitempty"`
	ImageData string `json:"imageData,omitempty"`
}

// Inbound message types.
const (
	typeChatMessage  = "chat-message"
	typeLoadHistory  = "load-history"
	typeClearHistory = "clear-history"
)

// Server upgrades HTTP requests and runs the connection loop.
type Server struct {
	engine     *agent.Engine
	memory     store.Store
	bus        *events.Bus
	sendBuffer int
	upgrader   websocket.Upgrader
}

// New creates a gateway server.
func New(engine *agent.Engine, memory store.Store, bus *events.Bus, sendBuffer int) *Server {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Server{
		engine:     engine,
		memory:     memory,
		bus:        bus,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The UI is served from the same host; tighten this if the
			// gateway is ever exposed beyond the store LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for the /ws endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.bus.Emit(events.SourceGateway, events.KindConnect, map[string]any{"remote_addr": r.RemoteAddr})
	defer s.bus.Emit(events.SourceGateway, events.KindDisconnect, map[string]any{"remote_addr": r.RemoteAddr})

	s.serve(r.Context(), conn)
}

// serve runs reader and writer for one connection. The reader loop
// processes one inbound message at a time, so turns on a session never
// interleave.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxInbound)

	out := make(chan agent.ClientEvent, s.sendBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range out {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()
	defer func() {
		close(out)
		<-writerDone
	}()

	// emit blocks on the writer's buffer but bails out once the writer
	// is gone, so a dead client cannot wedge a turn mid-flight.
	emit := func(ev agent.ClientEvent) {
		select {
		case out <- ev:
		case <-writerDone:
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			emit(agent.ClientEvent{
				Event:   agent.EventError,
				Payload: "malformed message",
			})
			continue
		}

		s.handle(ctx, msg, emit)
	}
}

func (s *Server) handle(ctx context.Context, msg inbound, emit agent.Emitter) {
	switch msg.Type {
	case typeChatMessage:
		// The engine emits its own error events; the returned error is
		// for the log only.
		if err := s.engine.HandleMessage(ctx, msg.SessionID, msg.Message, msg.ImageData, emit); err != nil {
			slog.Warn("turn failed", "session", msg.SessionID, "error", err)
		}

	case typeLoadHistory:
		if msg.SessionID == "" {
			emit(agent.ClientEvent{
				Event:   agent.EventError,
				Payload: "invalid sessionIdentity: missing",
			})
			return
		}
		history, err := s.memory.History(msg.SessionID)
		if err != nil {
			slog.Error("history load failed", "session", msg.SessionID, "error", err)
			emit(agent.ClientEvent{
				Event:   agent.EventError,
				Payload: "could not load history",
			})
			return
		}
		emit(agent.ClientEvent{
			Event: agent.EventHistoryLoaded,
			Payload: map[string]any{
				"history":    agent.ClientHistory(history),
				"rawHistory": history,
			},
		})

	case typeClearHistory:
		if msg.SessionID == "" {
			emit(agent.ClientEvent{
				Event:   agent.EventError,
				Payload: "invalid sessionIdentity: missing",
			})
			return
		}
		if err := s.memory.ClearHistory(msg.SessionID); err != nil {
			slog.Error("history clear failed", "session", msg.SessionID, "error", err)
			emit(agent.ClientEvent{
				Event:   agent.EventError,
				Payload: "could not clear history",
			})
			return
		}
		s.engine.InvalidateInstructions(msg.SessionID)
		emit(agent.ClientEvent{
			Event:   agent.EventNotification,
			Payload: map[string]any{"type": "success", "message": "conversation cleared"},
		})

	default:
		emit(agent.ClientEvent{
			Event:   agent.EventError,
			Payload: "unknown message type",
		})
	}
}
