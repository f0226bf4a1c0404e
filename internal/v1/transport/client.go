package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harmonia-game/multiplayer-server/internal/v1/metrics"
	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client represents a single user's connection to the multiplayer server.
type Client struct {
	conn         wsConnection
	server       *Server
	userID       types.UserID
	connectionID string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send         chan []byte // Buffered channel for fan-out events
	prioritySend chan []byte // Buffered channel for RPC responses
}

func newClient(conn wsConnection, server *Server, userID types.UserID, connectionID string) *Client {
	return &Client{
		conn:         conn,
		server:       server,
		userID:       userID,
		connectionID: connectionID,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 64),
	}
}

// ConnectionID satisfies GroupClient.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() types.UserID {
	return c.userID
}

// SendEvent satisfies GroupClient: enqueue a fan-out frame, dropping it if
// the client can't keep up.
func (c *Client) SendEvent(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		slog.Debug("Skipping send to closed client", "connectionId", c.connectionID)
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(EventEnvelope{Event: event, Data: payload})
	if err != nil {
		slog.Error("Failed to marshal event", "event", event, "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("Client send channel full - dropping event", "connectionId", c.connectionID, "event", event)
	}
}

// sendResponse enqueues an RPC response on the priority channel.
func (c *Client) sendResponse(resp ResponseEnvelope) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal response", "error", err)
		return
	}

	select {
	case c.prioritySend <- data:
	default:
		slog.Error("Client priority channel full - dropping response", "connectionId", c.connectionID)
	}
}

// Disconnect forcefully closes the underlying connection.
func (c *Client) Disconnect() {
	_ = c.conn.Close()
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// readPump continuously processes incoming frames until the connection
// drops, then runs the disconnect cleanup path.
func (c *Client) readPump() {
	defer func() {
		c.markClosed()
		c.server.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Failed to unmarshal request", "connectionId", c.connectionID, "error", err)
			continue
		}

		c.server.dispatch(context.Background(), c, &env)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("error writing priority message", "error", err)
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("error writing message", "error", err)
				return
			}
		}
	}
}
