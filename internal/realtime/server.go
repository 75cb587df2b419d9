package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"termbridge/internal/protocol"
	"termbridge/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufCap = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server exposes the registry over WebSocket and REST.
type Server struct {
	registry *session.Registry
}

// New creates a realtime server over the given registry.
func New(registry *session.Registry) *Server {
	return &Server{registry: registry}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Duplex endpoint, one connection per session.
	mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/send", s.handleSend)
	mux.HandleFunc("POST /sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /sessions/{id}/output", s.handlePollOutput)
	mux.HandleFunc("POST /sessions/{id}/activity", s.handleActivity)
	mux.HandleFunc("GET /sessions/{id}/task-status", s.handleTaskStatus)
	mux.HandleFunc("POST /hook", s.handleHook)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// wsClient adapts one WebSocket connection to the registry's Client
// interface. Deliver never blocks: a full send buffer drops the
// event and the connection is reaped on its next failed write.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	session string

	// mu guards send and closed. Deliver can race with teardown and
	// with late broadcasts after exit; once closed is set, every
	// enqueue is a silent drop instead of a send on a closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsClient) ID() string { return c.id }

// enqueue queues data for the write pump. It reports false when the
// buffer is full or the client is already closed.
func (c *wsClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend seals the client and closes the send channel so the
// write pump flushes and finishes. Safe to call more than once.
func (c *wsClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) Deliver(ev session.Event) bool {
	msg, err := eventMessage(ev)
	if err != nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	ok := c.enqueue(data)

	if ev.Kind == session.EventExit {
		// Exit is terminal: flush what is queued, then close the
		// connection normally so the client does not reconnect.
		c.closeSend()
	}
	return ok
}

func eventMessage(ev session.Event) (*protocol.Message, error) {
	switch ev.Kind {
	case session.EventOutput:
		return protocol.NewMessage(protocol.TypeOutput, protocol.DataPayload{Data: ev.Data, Offset: ev.Offset})
	case session.EventHistory:
		return protocol.NewMessage(protocol.TypeHistory, protocol.DataPayload{Data: ev.Data, Offset: ev.Offset})
	case session.EventExit:
		return protocol.NewMessage(protocol.TypeExit, protocol.ExitPayload{Code: ev.ExitCode})
	case session.EventActivity:
		var task json.RawMessage
		if ev.Task != nil {
			task, _ = json.Marshal(ev.Task)
		}
		return protocol.NewMessage(protocol.TypeActivity, protocol.ActivityPayload{
			State:      string(ev.State),
			TaskStatus: task,
		})
	default:
		return protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.ErrInvalidMessage,
			Message: "unknown event kind",
		})
	}
}

// handleWebSocket upgrades the connection and attaches it to the
// session as a client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "session not found: "+name)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "session", name, "error", err)
		return
	}

	c := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufCap),
		session: name,
	}

	// AddClient replays history (or signals exit) into the send
	// buffer before the pumps start, so ordering is guaranteed.
	if err := s.registry.AddClient(name, c); err != nil {
		s.sendErrorDirect(conn, protocol.ErrNotFound, err.Error())
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.registry)
}

func (s *Server) sendErrorDirect(conn *websocket.Conn, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads and dispatches client messages.
func (c *wsClient) readPump(reg *session.Registry) {
	defer func() {
		reg.RemoveClient(c.session, c.id)
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "session", c.session, "error", err)
			}
			return
		}

		msg, err := protocol.ValidateClientMessage(raw)
		if err != nil {
			c.sendProtocolError(protocol.ErrInvalidMessage, err.Error())
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		switch msg.Type {
		case protocol.TypeInput:
			var p protocol.InputPayload
			json.Unmarshal(msg.Payload, &p)
			if err := reg.Write(context.Background(), c.session, []byte(p.Data)); err != nil {
				c.sendProtocolError(errCode(err), err.Error())
			}
		case protocol.TypeResize:
			var p protocol.ResizePayload
			json.Unmarshal(msg.Payload, &p)
			if err := reg.Resize(context.Background(), c.session, p.Cols, p.Rows); err != nil {
				c.sendProtocolError(errCode(err), err.Error())
			}
		case protocol.TypePong:
			// Deadline already refreshed above.
		}
	}
}

func (c *wsClient) sendProtocolError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// writePump writes queued messages and protocol-level pings. A closed
// send channel ends the connection with a normal close frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			msg, err := protocol.NewMessage(protocol.TypePing, protocol.PingPayload{
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			data, _ := json.Marshal(msg)
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
