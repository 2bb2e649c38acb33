package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// ingestServer mimics the backend ingest endpoint
type ingestServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	text     []map[string]interface{}
	binary   [][]byte
	auth     string
	failWith string
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			s.mu.Lock()
			s.binary = append(s.binary, data)
			s.mu.Unlock()
			conn.WriteJSON(map[string]interface{}{"type": "chunk_ack", "seq": len(s.binary) - 1})
			continue
		}

		var msg map[string]interface{}
		require.NoError(s.t, json.Unmarshal(data, &msg))
		s.mu.Lock()
		s.text = append(s.text, msg)
		fail := s.failWith
		s.mu.Unlock()

		switch msg["type"] {
		case "init":
			conn.WriteJSON(map[string]interface{}{"type": "init_ack", "project_id": msg["project_id"]})
		case "chunk":
			if fail != "" {
				conn.WriteJSON(map[string]interface{}{"type": "error", "error": fail})
				return
			}
			conn.WriteJSON(map[string]interface{}{"type": "chunk_ready", "seq": msg["seq"]})
		case "complete":
			conn.WriteJSON(map[string]interface{}{"type": "complete_ack"})
			return
		}
	}
}

func (s *ingestServer) messages() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.text...)
}

func (s *ingestServer) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.binary...)
}

func startIngest(t *testing.T) (*ingestServer, string) {
	srv := &ingestServer{t: t}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	wsURL, err := WebSocketURL(ts.URL, "/ws/audio")
	require.NoError(t, err)
	return srv, wsURL
}

type collector struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (c *collector) handle(m ServerMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) types() []MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MessageType, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestWebSocketURL(t *testing.T) {
	u, err := WebSocketURL("https://hilo.example.com/", "/ws/audio")
	require.NoError(t, err)
	assert.Equal(t, "wss://hilo.example.com/ws/audio", u)

	u, err = WebSocketURL("http://localhost:8000/base", "/ws/audio")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/base/ws/audio", u)

	_, err = WebSocketURL("ftp://x", "/ws")
	assert.Error(t, err)
}

func TestChannelSpeaksIngestProtocol(t *testing.T) {
	srv, wsURL := startIngest(t)
	header := http.Header{"Authorization": []string{"Bearer token"}}
	ch := NewWSChannel(wsURL, header, logger.NewNop())
	got := &collector{}
	ch.SetHandler(got.handle)

	ctx := context.Background()
	require.NoError(t, ch.Open(ctx, "project-1", 5*time.Second))
	require.True(t, ch.IsOpen())
	require.NoError(t, ch.Open(ctx, "project-1", 5*time.Second), "open is idempotent")

	require.NoError(t, ch.SendChunk(ctx, Frame{Sequence: 0, StartMs: 0, DurationMs: 5000}, []byte("first")))
	require.NoError(t, ch.SendChunk(ctx, Frame{Sequence: 1, StartMs: 5000, DurationMs: 5000}, []byte("second")))
	require.NoError(t, ch.Complete(ctx))

	require.Eventually(t, func() bool {
		types := got.types()
		return len(types) > 0 && types[len(types)-1] == TypeCompleteAck
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !ch.IsOpen() }, 2*time.Second, 5*time.Millisecond)

	msgs := srv.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "init", msgs[0]["type"])
	assert.Equal(t, "project-1", msgs[0]["project_id"])
	assert.Equal(t, float64(5000), msgs[0]["chunk_ms"])
	assert.Equal(t, "chunk", msgs[1]["type"])
	assert.Equal(t, float64(0), msgs[1]["seq"])
	assert.Equal(t, float64(5), msgs[1]["size"])
	assert.Equal(t, float64(5000), msgs[2]["start_ms"])
	assert.Equal(t, "complete", msgs[3]["type"])

	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, srv.payloads())
	assert.Equal(t, "Bearer token", srv.auth)
	assert.Equal(t, []MessageType{TypeInitAck, TypeChunkReady, TypeChunkAck, TypeChunkReady, TypeChunkAck, TypeCompleteAck}, got.types())
}

func TestChannelReportsServerErrorAndCloses(t *testing.T) {
	srv, wsURL := startIngest(t)
	srv.failWith = "Tiempo de grabación agotado"

	ch := NewWSChannel(wsURL, nil, logger.NewNop())
	got := &collector{}
	ch.SetHandler(got.handle)

	ctx := context.Background()
	require.NoError(t, ch.Open(ctx, "project-2", time.Second))
	require.NoError(t, ch.SendChunk(ctx, Frame{Sequence: 0, DurationMs: 1000}, []byte("payload")))

	require.Eventually(t, func() bool { return !ch.IsOpen() }, 2*time.Second, 5*time.Millisecond)

	got.mu.Lock()
	var errText string
	for _, m := range got.msgs {
		if m.Type == TypeError {
			errText = m.Error
		}
	}
	got.mu.Unlock()
	assert.Equal(t, "Tiempo de grabación agotado", errText)

	err := ch.SendChunk(ctx, Frame{Sequence: 1}, []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ch.Complete(ctx), ErrClosed)
}

func TestChannelConcurrentSendsStayFramed(t *testing.T) {
	srv, wsURL := startIngest(t)
	ch := NewWSChannel(wsURL, nil, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, ch.Open(ctx, "project-3", time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			payload := []byte(strings.Repeat("x", seq+1))
			assert.NoError(t, ch.SendChunk(ctx, Frame{Sequence: int64(seq), DurationMs: 1}, payload))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(srv.payloads()) == 10 }, 2*time.Second, 5*time.Millisecond)

	// Every payload size matches the meta frame sent right before it
	msgs := srv.messages()[1:]
	payloads := srv.payloads()
	require.Len(t, msgs, 10)
	for i := range msgs {
		assert.Equal(t, float64(len(payloads[i])), msgs[i]["size"])
	}

	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())
	assert.NoError(t, ch.Close())
}

func TestOpenFailsWithoutServer(t *testing.T) {
	ch := NewWSChannel("ws://127.0.0.1:1/ws", nil, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, ch.Open(ctx, "p", time.Second))
	assert.False(t, ch.IsOpen())
}
