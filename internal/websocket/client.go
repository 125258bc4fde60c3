package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// Client is one dashboard connection.
type Client struct {
	ID       string
	Subject  string
	Conn     *websocket.Conn
	Send     chan []byte
	patterns []string
	mu       sync.Mutex
}

func NewClient(conn *websocket.Conn, subject string, patterns []string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Subject:  subject,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		patterns: patterns,
	}
}

// Wants reports whether any of the client's patterns matches channel.
func (c *Client) Wants(channel string) bool {
	for _, p := range c.patterns {
		if matches(p, channel) {
			return true
		}
	}
	return false
}

func (c *Client) WriteLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case msg, ok := <-c.Send:
			if !ok {
				c.close()
				return
			}
			c.mu.Lock()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.Conn.WriteMessage(websocket.TextMessage, msg)
			c.mu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	_ = c.Conn.Close()
	c.mu.Unlock()
}

// SendMessage queues msg, dropping it if the client is too slow.
func (c *Client) SendMessage(msg []byte) {
	select {
	case c.Send <- msg:
	default:
	}
}
