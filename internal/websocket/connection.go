package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const writeWait = 10 * time.Second

// Transport is the socket under a Connection. Both the fiber upgrader's conn and a
// gorilla conn satisfy it. WriteControl and Close may be called concurrently with
// the other methods; WriteMessage is only called from the connection's writer.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one authenticated client socket
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	transport    Transport
	send         chan []byte
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func newConnection(id, userID string, transport Transport, buffer int, now time.Time) *Connection {
	if buffer <= 0 {
		buffer = 1
	}
	c := &Connection{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		transport:  transport,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Enqueue hands data to the writer without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// LastActivity is the time of the last frame received from the client
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// close stops the writer and tears down the socket, which also unblocks the reader.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.transport.Close()
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
