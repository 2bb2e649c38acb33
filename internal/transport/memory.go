package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryChannel is an in-process Channel that records traffic. Server
// messages are injected with Push, which behaves like the backend: an
// error message closes the channel.
type MemoryChannel struct {
	mu        sync.Mutex
	open      bool
	handler   Handler
	inits     []InitMessage
	frames    []Frame
	payloads  [][]byte
	completes int
	closes    int

	// OpenErr and SendErr make the next calls fail
	OpenErr error
	SendErr error
	// SendDelay slows every SendChunk down
	SendDelay time.Duration
	// Reply is consulted after every chunk and may answer it
	Reply func(Frame) *ServerMessage
}

// NewMemoryChannel creates a closed in-memory channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

func (m *MemoryChannel) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MemoryChannel) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MemoryChannel) Open(ctx context.Context, projectID string, chunk time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return m.OpenErr
	}
	if m.open {
		return nil
	}
	m.open = true
	m.inits = append(m.inits, InitMessage{Type: TypeInit, ProjectID: projectID, ChunkMs: chunk.Milliseconds()})
	return nil
}

func (m *MemoryChannel) SendChunk(ctx context.Context, frame Frame, payload []byte) error {
	if m.SendDelay > 0 {
		select {
		case <-time.After(m.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	m.frames = append(m.frames, frame)
	m.payloads = append(m.payloads, payload)
	reply := m.Reply
	m.mu.Unlock()

	if reply != nil {
		if msg := reply(frame); msg != nil {
			m.Push(*msg)
		}
	}
	return nil
}

func (m *MemoryChannel) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrClosed
	}
	m.completes++
	return nil
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		m.closes++
	}
	m.open = false
	return nil
}

// Push delivers a server message to the handler
func (m *MemoryChannel) Push(msg ServerMessage) {
	m.mu.Lock()
	handler := m.handler
	if msg.Type == TypeError && m.open {
		m.open = false
		m.closes++
	}
	m.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// Frames returns every chunk frame sent so far
func (m *MemoryChannel) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// Payloads returns every payload sent so far
func (m *MemoryChannel) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.payloads...)
}

// Inits returns every init message sent so far
func (m *MemoryChannel) Inits() []InitMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InitMessage(nil), m.inits...)
}

// Completes returns how many end-of-stream markers were sent
func (m *MemoryChannel) Completes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completes
}

// Closes returns how many times an open channel was closed
func (m *MemoryChannel) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}
