package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pingInterval
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

// Session is one accepted WebSocket connection, bound to exactly one room
// for its lifetime (the endpoint is ws://host:port/{room}). It
// implements subscription.Client.
type Session struct {
	conn *websocket.Conn
	id   string

	send     chan []byte
	overflow chan struct{}
	once     sync.Once
}

// NewSession wraps conn. id should be unique per connection (it is never
// sent on the wire; it only suppresses self-echo in the subscription
// multiplexer).
func NewSession(conn *websocket.Conn, id string) *Session {
	return &Session{
		conn:     conn,
		id:       id,
		send:     make(chan []byte, sendBufferSize),
		overflow: make(chan struct{}),
	}
}

func (s *Session) SessionID() string { return s.id }

// Send enqueues frame for delivery. A full buffer does not block the caller
// (the fan-out loop): it drops the frame and schedules the session for
// closure with code 1008.
func (s *Session) Send(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		s.once.Do(func() { close(s.overflow) })
		return false
	}
}

// readPump reads frames until the connection closes or a protocol error
// occurs. onFrame is called with each complete binary message.
func (s *Session) readPump(onFrame func(data []byte) error) error {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := onFrame(data); err != nil {
			return err
		}
	}
}

// readOne reads a single message, used during the auth handshake before the
// steady-state readPump starts.
func (s *Session) readOne() ([]byte, error) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-s.overflow:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			closeMsg := websocket.FormatCloseMessage(1008, "outbound buffer full")
			s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.conn.Close()
}

func newSessionID() string {
	return uuid.NewString()
}
