package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 << 10

	// Outbound events buffered per connection before it is dropped.
	sendBufferSize = 256
)

var (
	ErrClientClosed   = errors.New("relay: client closed")
	ErrSendBufferFull = errors.New("relay: send buffer full")
)

// State is the lifecycle of one physical connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	who  model.Participant

	// Buffered channel of outbound messages. Never closed; done signals
	// shutdown instead so Send cannot race a close.
	send chan []byte
	done chan struct{}
	once sync.Once

	closeCode   int
	closeReason string

	// Set once in join, before the client is registered.
	joinedAt time.Time

	state atomic.Int32
	log   *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.log = hub.log.With(zap.String("conn_id", c.id))
	return c
}

func (c *Client) ConnID() string              { return c.id }
func (c *Client) Identity() model.Participant { return c.who }

func (c *Client) State() State {
	return State(c.state.Load())
}

// setState moves the session forward. Closed is terminal.
func (c *Client) setState(next State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Send enqueues payload. The liveness check runs on every call, so a result
// computed while the connection was closing is dropped here. A client too
// slow to drain its buffer is closed.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.ClosePolicyViolation, "Send buffer full")
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and drop the connection.
// It never blocks and only the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

func (c *Client) sendEvent(t model.EventType, payload any) error {
	raw, err := model.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Client) sendError(text string) {
	if err := c.sendEvent(model.EventError, text); err != nil && !errors.Is(err, ErrClientClosed) {
		c.log.Warn("error event not delivered", zap.Error(err))
	}
}

// readPump pumps messages from the websocket connection to the hub. Frames
// are routed one at a time, which keeps a sender's messages in order.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.Close(websocket.CloseNormalClosure, "")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Info("connection dropped", zap.Error(err))
			}
			return
		}
		// In-flight persistence may outlive the connection; every delivery
		// re-checks liveness in Send.
		c.handle(context.Background(), message)
	}
}

// handle isolates one inbound frame: a fault here is reported to the
// sender and the session stays active.
func (c *Client) handle(ctx context.Context, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while routing message", zap.Any("panic", r), zap.Stack("stack"))
			c.sendError(errProcessFailed)
		}
	}()
	c.hub.Route(ctx, c, message)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		// Close wins over queued traffic.
		select {
		case <-c.done:
			c.writeClose()
			return
		default:
		}

		select {
		case <-c.done:
			c.writeClose()
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *Client) writeClose() {
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.log.Debug("close frame not written", zap.Error(err))
	}
}
