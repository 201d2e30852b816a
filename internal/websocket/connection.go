package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"interviewd/pkg/interfaces"
)

const (
	sendBufferSize = 100
	writeWait      = 5 * time.Second
)

var _ interfaces.Subscriber = (*Connection)(nil)

// Connection wraps one websocket. All writes go through a single writer
// goroutine; WriteJSON only queues.
type Connection struct {
	conn      *websocket.Conn
	id        string
	subjectID string
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn for subjectID and starts its writer.
func NewConnection(conn *websocket.Conn, subjectID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:      conn,
		id:        uuid.NewString(),
		subjectID: subjectID,
		writeCh:   make(chan []byte, sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID is unique per connection.
func (c *Connection) ID() string { return c.id }

// SubjectID is the identity the client connected with.
func (c *Connection) SubjectID() string { return c.subjectID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// WriteJSON queues v for delivery. It never blocks: a slow client whose buffer
// is full gets ErrSendBufferFull, which makes the hub drop it from its rooms.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
