package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

const (
	handshakeTimeout = 15 * time.Second
	defaultWriteWait = 10 * time.Second
	maxMessageSize   = 1 << 20
)

// WebSocketURL turns an http(s) base URL and a path into a ws(s) URL
func WebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse backend URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// WSChannel is a Channel over a gorilla websocket
type WSChannel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	done    chan struct{}

	// Serializes writes so a meta frame and its payload are never interleaved
	writeMu sync.Mutex
}

// NewWSChannel creates a channel dialing wsURL with header on every connect
func NewWSChannel(wsURL string, header http.Header, log *logger.Logger) *WSChannel {
	return &WSChannel{
		url:    wsURL,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger: log.Named("ws-channel"),
	}
}

// SetHandler installs the server message handler
func (c *WSChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// IsOpen reports whether a connection is established
func (c *WSChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Open dials the backend and sends init
func (c *WSChannel) Open(ctx context.Context, projectID string, chunk time.Duration) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	chunkMs := chunk.Milliseconds()
	if chunkMs < 1 {
		chunkMs = 1
	}
	init := InitMessage{Type: TypeInit, ProjectID: projectID, ChunkMs: chunkMs}
	if err := c.writeJSON(ctx, conn, init); err != nil {
		c.Close()
		return fmt.Errorf("failed to send init: %w", err)
	}

	c.logger.Info("Chunk channel opened",
		logger.String("project_id", projectID),
		logger.Int64("chunk_ms", chunkMs))
	return nil
}

// SendChunk writes the metadata frame followed by the binary payload
func (c *WSChannel) SendChunk(ctx context.Context, frame Frame, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.current()
	if conn == nil {
		return ErrClosed
	}

	meta := ChunkMessage{
		Type:       TypeChunk,
		Seq:        frame.Sequence,
		StartMs:    frame.StartMs,
		DurationMs: frame.DurationMs,
		Size:       len(payload),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk meta: %w", err)
	}

	conn.SetWriteDeadline(writeDeadline(ctx))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write chunk meta: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("failed to write chunk payload: %w", err)
	}

	c.logger.Debug("Chunk sent",
		logger.Int64("seq", frame.Sequence),
		logger.Int64("start_ms", frame.StartMs),
		logger.Int64("duration_ms", frame.DurationMs),
		logger.Int("bytes", len(payload)))
	return nil
}

// Complete sends the end-of-stream marker
func (c *WSChannel) Complete(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.current()
	if conn == nil {
		return ErrClosed
	}
	if err := c.writeJSONLocked(ctx, conn, CompleteMessage{Type: TypeComplete}); err != nil {
		return fmt.Errorf("failed to send complete: %w", err)
	}
	return nil
}

// Close shuts the connection and waits for the read loop
func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	c.writeMu.Unlock()

	if done != nil {
		<-done
	}
	c.logger.Debug("Chunk channel closed")
	return err
}

func (c *WSChannel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *WSChannel) writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeJSONLocked(ctx, conn, v)
}

func (c *WSChannel) writeJSONLocked(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	conn.SetWriteDeadline(writeDeadline(ctx))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches server messages until the connection drops
func (c *WSChannel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		// The server closes after an error; later sends must see ErrClosed
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.done = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Chunk channel closed by server")
			} else if !strings.Contains(err.Error(), "use of closed network connection") {
				c.logger.Warn("Chunk channel read error", logger.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Ignoring malformed server message", logger.Error(err))
			continue
		}

		if msg.Type == TypeError {
			c.logger.Warn("Server reported ingest error", logger.String("error", msg.Error))
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultWriteWait)
}
