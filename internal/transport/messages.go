package transport

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies a protocol message
type MessageType string

const (
	// Client to server
	TypeInit     MessageType = "init"
	TypeChunk    MessageType = "chunk"
	TypeComplete MessageType = "complete"

	// Server to client
	TypeInitAck     MessageType = "init_ack"
	TypeChunkReady  MessageType = "chunk_ready"
	TypeChunkAck    MessageType = "chunk_ack"
	TypeCompleteAck MessageType = "complete_ack"
	TypeError       MessageType = "error"
)

// ErrClosed is returned when sending on a channel that is not open
var ErrClosed = errors.New("chunk channel closed")

// InitMessage opens an ingest session for a project
type InitMessage struct {
	Type      MessageType `json:"type"`
	ProjectID string      `json:"project_id"`
	ChunkMs   int64       `json:"chunk_ms"`
}

// ChunkMessage announces the binary payload that follows it
type ChunkMessage struct {
	Type       MessageType `json:"type"`
	Seq        int64       `json:"seq"`
	StartMs    int64       `json:"start_ms"`
	DurationMs int64       `json:"duration_ms"`
	Size       int         `json:"size"`
}

// CompleteMessage ends the stream
type CompleteMessage struct {
	Type MessageType `json:"type"`
}

// ServerMessage is anything the backend pushes
type ServerMessage struct {
	Type      MessageType `json:"type"`
	ProjectID string      `json:"project_id,omitempty"`
	Seq       *int64      `json:"seq,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Frame is the metadata of one chunk on the recording timeline
type Frame struct {
	Sequence   int64
	StartMs    int64
	DurationMs int64
}

// Handler receives server messages. It runs on the read goroutine and
// must not block.
type Handler func(ServerMessage)

// Channel is a duplex chunk channel to the backend
type Channel interface {
	// Open connects and sends init; a no-op while already open
	Open(ctx context.Context, projectID string, chunk time.Duration) error
	// SendChunk writes the metadata frame and the payload back to back
	SendChunk(ctx context.Context, frame Frame, payload []byte) error
	// Complete signals end of stream
	Complete(ctx context.Context) error
	Close() error
	IsOpen() bool
	SetHandler(h Handler)
}
