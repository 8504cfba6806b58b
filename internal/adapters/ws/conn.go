package ws

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one UI subscriber. Frames are queued on send and written by the
// write pump, never by the producer.
type Conn struct {
	id   string
	conn WSConn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewConn(id string, conn WSConn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
