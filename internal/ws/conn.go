package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stream-relay/backend/internal/session"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const closeGracePeriod = time.Second

// Conn is the session handle for one WebSocket stream. The ingestion loop
// is the only reader; commands go through a buffered queue drained by
// writePump so Send never blocks the caller.
type Conn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, queue int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Send queues cmd for delivery as a text message.
func (c *Conn) Send(cmd session.Command) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- []byte(cmd):
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// Close sends a going-away close frame and closes the socket, which
// unblocks a pending read in the ingestion loop. Only the first call has
// any effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}

// Closed is closed once Close has run.
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}
