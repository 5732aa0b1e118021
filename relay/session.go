package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// session is one authenticated WebSocket connection. Writes go through the
// send channel so a single goroutine owns the connection's write side.
//
// The send channel is never closed: broadcast delivery may be enqueueing
// concurrently with close, and closing a channel a producer still sends on
// panics. Shutdown is signaled through the done channel instead; anything
// left in the send queue after close is dropped with the session.
type session struct {
	conn     *websocket.Conn
	identity string

	send      chan []byte
	done      chan struct{}
	limiter   *rate.Limiter // nil when inbound rate limiting is off
	closed    atomic.Bool
	closeOnce sync.Once
	lastPong  atomic.Value // stores time.Time
}

func newSession(conn *websocket.Conn, identity string, sendQueueSize int, limiter *rate.Limiter) *session {
	s := &session{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		limiter:  limiter,
	}
	s.lastPong.Store(time.Now())
	return s
}

// enqueue queues data for delivery without blocking. It reports false when
// the session is closed or its send queue is full: the consumer is too
// slow and the message is dropped for this session.
func (s *session) enqueue(data []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// close shuts the session down exactly once. The write pump exits on the
// done channel; the read loop exits on the closed connection.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// writePump drains the send queue onto the connection and keeps the
// connection alive with periodic pings. Runs as the only writer for this
// connection.
func (s *session) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
