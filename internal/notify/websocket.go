package notify

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"brainvault/internal/logging"
	"brainvault/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// WSClient bridges one websocket connection to a hub subscription.
type WSClient struct {
	conn        *websocket.Conn
	sub         *Subscriber
	unsubscribe func()
	logger      logging.Logger
}

// NewWSClient subscribes the connection's user on the hub.
func NewWSClient(hub *Hub, conn *websocket.Conn, userID int64) *WSClient {
	sub, unsubscribe := hub.Subscribe(userID)
	return &WSClient{
		conn:        conn,
		sub:         sub,
		unsubscribe: unsubscribe,
		logger:      logging.WithComponent("notify.ws"),
	}
}

// Run pumps events to the socket until the connection or context ends.
// It blocks; callers run it per connection.
func (c *WSClient) Run(ctx context.Context) {
	go c.readPump(ctx)
	c.writePump(ctx)
}

func (c *WSClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.unsubscribe()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.sub.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			heartbeat := types.Event{Type: "heartbeat", Timestamp: time.Now().UTC()}
			if err := c.conn.WriteJSON(heartbeat); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// readPump drains client frames to keep pong handling alive. Inbound
// payloads carry no commands and are discarded.
func (c *WSClient) readPump(ctx context.Context) {
	defer func() {
		c.unsubscribe()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := c.conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Debug("websocket closed unexpectedly", "error", err)
				}
				return
			}
		}
	}
}
