package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/yegors/hilo-recorder/pkg/logger"
)

// ErrTrackEnded marks an audio source that can no longer produce samples
var ErrTrackEnded = errors.New("audio track ended")

// Reader produces interleaved PCM16 buffers. Read blocks for one buffer.
// io.EOF or ErrTrackEnded mean the source is gone for good.
type Reader interface {
	Read(ctx context.Context) ([]int16, error)
}

// PCMTrack runs a Reader into an Encoder while started and hands out
// WAV payloads on Flush
type PCMTrack struct {
	reader  Reader
	encoder *Encoder
	logger  *logger.Logger

	mu      sync.Mutex
	running bool
	ended   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPCMTrack creates a track reading from reader
func NewPCMTrack(reader Reader, sampleRate, channels int, log *logger.Logger) *PCMTrack {
	if log == nil {
		log = logger.NewNop()
	}
	return &PCMTrack{
		reader:  reader,
		encoder: NewEncoder(sampleRate, channels),
		logger:  log.Named("pcm-track"),
	}
}

// Live reports whether the source can still produce audio
func (t *PCMTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

// Start begins a continuous encoding session
func (t *PCMTrack) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended {
		return ErrTrackEnded
	}
	if t.running {
		return nil
	}

	// A new session never carries audio from before a pause
	t.encoder.Reset()

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.pump(readCtx, t.done)
	return nil
}

// pump copies reader buffers into the encoder until cancelled or ended
func (t *PCMTrack) pump(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		samples, err := t.reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, ErrTrackEnded) {
				t.logger.Warn("Audio source ended")
				t.mu.Lock()
				t.ended = true
				t.running = false
				t.mu.Unlock()
				return
			}
			t.logger.Warn("Error reading audio", logger.Error(err))
			continue
		}

		if err := t.encoder.Write(samples); err != nil {
			t.logger.Warn("Dropping malformed audio buffer", logger.Error(err))
		}
	}
}

// Flush returns the audio encoded since the previous boundary
func (t *PCMTrack) Flush(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}

	chunk := t.encoder.Flush()

	t.mu.Lock()
	ended := t.ended
	t.mu.Unlock()

	if ended && len(chunk.Payload) == 0 {
		return Chunk{}, ErrTrackEnded
	}
	return chunk, nil
}

// Stop suspends encoding and waits for the pump to exit. Buffered audio
// stays available to a following Flush.
func (t *PCMTrack) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.running = false
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// End marks the track as permanently dead and stops the pump
func (t *PCMTrack) End() error {
	if err := t.Stop(); err != nil {
		return fmt.Errorf("failed to stop track: %w", err)
	}
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	return nil
}
