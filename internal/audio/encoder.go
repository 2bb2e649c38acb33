package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Chunk is one self-contained encoded slice of audio
type Chunk struct {
	Payload  []byte
	Duration time.Duration
}

// Encoder accumulates 16-bit PCM and cuts it into WAV payloads on Flush.
// The duration of each payload is derived from its sample count, so the sum
// of durations is the continuous encode clock.
type Encoder struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	buffer     *bytes.Buffer
	frames     int64
}

// NewEncoder creates a new encoder
func NewEncoder(sampleRate, channels int) *Encoder {
	if channels <= 0 {
		channels = 1
	}

	return &Encoder{
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     bytes.NewBuffer(nil),
	}
}

// SampleRate returns the encoder sample rate
func (e *Encoder) SampleRate() int { return e.sampleRate }

// Channels returns the channel count
func (e *Encoder) Channels() int { return e.channels }

// Write appends interleaved samples
func (e *Encoder) Write(samples []int16) error {
	if len(samples)%e.channels != 0 {
		return fmt.Errorf("sample count %d not a multiple of %d channels", len(samples), e.channels)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := binary.Write(e.buffer, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write to buffer: %w", err)
	}
	e.frames += int64(len(samples) / e.channels)
	return nil
}

// WriteBytes appends raw little-endian PCM16 bytes
func (e *Encoder) WriteBytes(pcm []byte) error {
	frameSize := 2 * e.channels
	if len(pcm)%frameSize != 0 {
		return fmt.Errorf("byte count %d not a multiple of frame size %d", len(pcm), frameSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.buffer.Write(pcm); err != nil {
		return fmt.Errorf("failed to write to buffer: %w", err)
	}
	e.frames += int64(len(pcm) / frameSize)
	return nil
}

// Pending returns the duration buffered since the last flush
func (e *Encoder) Pending() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durationOf(e.frames)
}

// Flush returns everything since the previous flush as one WAV payload.
// An empty buffer yields a zero Chunk.
func (e *Encoder) Flush() Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frames == 0 {
		return Chunk{}
	}

	data := e.buffer.Bytes()
	header := newWAVHeader(e.sampleRate, e.channels, uint32(len(data)))

	payload := make([]byte, 0, WAVHeaderSize+len(data))
	payload = append(payload, header.Bytes()...)
	payload = append(payload, data...)

	chunk := Chunk{
		Payload:  payload,
		Duration: e.durationOf(e.frames),
	}

	e.buffer.Reset()
	e.frames = 0
	return chunk
}

// Reset drops buffered audio
func (e *Encoder) Reset() {
	e.mu.Lock()
	e.buffer.Reset()
	e.frames = 0
	e.mu.Unlock()
}

func (e *Encoder) durationOf(frames int64) time.Duration {
	if e.sampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(e.sampleRate)
}
