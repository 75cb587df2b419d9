package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"termbridge/internal/protocol"
)

// Handler receives stream events. Nil callbacks are skipped.
type Handler struct {
	OnOutput   func(data string)
	OnHistory  func(data string)
	OnExit     func(code int)
	OnActivity func(state string, task json.RawMessage)
	OnError    func(code, message string)

	// OnFallback fires once if the stream gives up on the duplex
	// connection and drops to HTTP polling for good.
	OnFallback func()
}

// Stream is a live attachment to one session. It reads the duplex
// connection, reconnects with exponential backoff on abnormal
// disconnects, and after exhausting its attempts falls back
// permanently to HTTP polling. An exit message ends the stream;
// it never reconnects past one.
type Stream struct {
	c       *Client
	session string
	h       Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	polling bool
	// offset is the absolute buffer cursor carried in every history
	// and output payload; a fallback poll resumes from it exactly,
	// even after the server evicted old output.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// Attach opens a stream to the named session. The initial dial must
// succeed; reconnection policy applies only to later disconnects.
func (c *Client) Attach(ctx context.Context, name string, h Handler) (*Stream, error) {
	conn, err := c.dial(ctx, name)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		c:       c,
		session: name,
		h:       h,
		conn:    conn,
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (c *Client) dial(ctx context.Context, name string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/" + name
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	return conn, err
}

// Done is closed when the stream has fully stopped: after an exit
// message, an explicit Close, or a failed session while polling.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Polling reports whether the stream has fallen back to HTTP polling.
func (s *Stream) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// Send writes input through the duplex connection, or over REST when
// the stream is in polling mode.
func (s *Stream) Send(data string) error {
	s.mu.Lock()
	conn, polling := s.conn, s.polling
	s.mu.Unlock()

	if polling || conn == nil {
		return s.c.Send(s.ctx, s.session, data)
	}
	return s.writeMessage(protocol.TypeInput, protocol.InputPayload{Data: data})
}

// Resize changes the session geometry through whichever transport is
// active.
func (s *Stream) Resize(cols, rows int) error {
	s.mu.Lock()
	conn, polling := s.conn, s.polling
	s.mu.Unlock()

	if polling || conn == nil {
		return s.c.Resize(s.ctx, s.session, cols, rows)
	}
	return s.writeMessage(protocol.TypeResize, protocol.ResizePayload{Cols: cols, Rows: rows})
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.finish()
	return nil
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// setOffset advances the polling cursor. Offsets only move forward;
// a reconnect's history replay carries the same cursor space.
func (s *Stream) setOffset(offset int64) {
	s.mu.Lock()
	if offset > s.offset {
		s.offset = offset
	}
	s.mu.Unlock()
}

func (s *Stream) writeMessage(msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteJSON(msg)
}

func (s *Stream) run() {
	defer s.finish()

	for attempt := 0; ; attempt++ {
		exited := s.readLoop()
		if exited || s.ctx.Err() != nil {
			return
		}

		// Abnormal disconnect: back off and redial, doubling up to
		// the cap, for a bounded number of attempts.
		if attempt >= s.c.opts.MaxReconnects {
			break
		}
		delay := s.c.opts.ReconnectBase << attempt
		if delay > s.c.opts.ReconnectCap {
			delay = s.c.opts.ReconnectCap
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := s.c.dial(s.ctx, s.session)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		attempt = -1 // a successful reconnect resets the budget
	}

	// Permanent fallback. Polling never escalates back to the duplex
	// connection.
	s.mu.Lock()
	s.polling = true
	s.conn = nil
	s.mu.Unlock()
	if s.h.OnFallback != nil {
		s.h.OnFallback()
	}
	s.pollLoop()
}

// readLoop consumes one connection until it drops. It reports true
// when the stream is finished for good (exit received, normal close,
// or context cancelled) and false for an abnormal disconnect.
func (s *Stream) readLoop() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			if s.ctx.Err() != nil {
				return true
			}
			return websocket.IsCloseError(err, websocket.CloseNormalClosure)
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if s.dispatch(&msg) {
			conn.Close()
			return true
		}
	}
}

// dispatch handles one server message; it reports true on exit.
func (s *Stream) dispatch(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeOutput:
		var p protocol.DataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		s.setOffset(p.Offset)
		if s.h.OnOutput != nil {
			s.h.OnOutput(p.Data)
		}

	case protocol.TypeHistory:
		var p protocol.DataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		s.setOffset(p.Offset)
		if s.h.OnHistory != nil {
			s.h.OnHistory(p.Data)
		}

	case protocol.TypeExit:
		var p protocol.ExitPayload
		json.Unmarshal(msg.Payload, &p)
		if s.h.OnExit != nil {
			s.h.OnExit(p.Code)
		}
		return true

	case protocol.TypeActivity:
		var p protocol.ActivityPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		if s.h.OnActivity != nil {
			s.h.OnActivity(p.State, p.TaskStatus)
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		if s.h.OnError != nil {
			s.h.OnError(p.Code, p.Message)
		}

	case protocol.TypePing:
		s.writeMessage(protocol.TypePong, protocol.PongPayload{Timestamp: time.Now().UnixMilli()})
	}
	return false
}

// pollLoop is the fallback transport: repeated GETs against the
// output cursor until the session exits or the stream is closed.
func (s *Stream) pollLoop() {
	ticker := time.NewTicker(s.c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		offset := s.offset
		s.mu.Unlock()

		res, err := s.c.PollOutput(s.ctx, s.session, offset)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == 404 {
				// Session evicted; nothing left to poll.
				if s.h.OnExit != nil {
					s.h.OnExit(0)
				}
				return
			}
			continue
		}

		if res.Data != "" {
			s.mu.Lock()
			s.offset = res.Offset
			s.mu.Unlock()
			if s.h.OnOutput != nil {
				s.h.OnOutput(res.Data)
			}
		}
		if res.Status == "exited" {
			if s.h.OnExit != nil {
				s.h.OnExit(0)
			}
			return
		}
	}
}
