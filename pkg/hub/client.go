package hub

import (
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/voicebridge/pkg/recorder"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds what a subscriber may send us
	maxMessageSize = 4 * 1024

	// sendQueue bounds buffered events per subscriber
	sendQueue = 256
)

// ErrClosed indicates the hub has stopped.
var ErrClosed = errors.New("hub: closed")

// Client is one websocket subscriber of a conversation.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	conversationID string
	send           chan Message
}

// NewClient creates a client and registers it with the hub. Events stored
// after NewClient returns are delivered to it.
func NewClient(hub *Hub, conn *websocket.Conn, conversationID string) (*Client, error) {
	client := &Client{
		hub:            hub,
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan Message, sendQueue),
	}
	select {
	case hub.register <- client:
		return client, nil
	case <-hub.done:
		return nil, ErrClosed
	}
}

// Run writes backlog, then live events, until the connection closes. Live
// events already covered by backlog are skipped, so a backlog fetched after
// NewClient leaves neither gaps nor duplicates.
// This should be called in the websocket handler
func (c *Client) Run(backlog []recorder.Event) {
	go c.writePump(backlog)
	c.readPump() // Blocks until connection closes
}

// readPump keeps the connection alive and detects disconnection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Subscribers don't send anything, but we need to read
		// to detect disconnection and receive pong responses
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump is the only goroutine that writes to the connection.
func (c *Client) writePump(backlog []recorder.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var last uint64
	for _, ev := range backlog {
		msg, err := NewEventMessage(ev)
		if err != nil {
			continue
		}
		if err := c.write(msg); err != nil {
			return
		}
		last = ev.Sequence
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel - send close frame
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if message.Sequence <= last {
				continue
			}
			if err := c.write(message); err != nil {
				return
			}
			last = message.Sequence

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg.Data)
}
