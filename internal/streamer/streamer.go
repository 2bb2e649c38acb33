package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/transport"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

var (
	// ErrDrainTimeout is a soft warning: queued chunks were still unsent
	// when the drain deadline passed and the stream was finalized anyway
	ErrDrainTimeout = errors.New("timed out draining chunks")

	ErrAlreadyRunning = errors.New("streamer already running")
	ErrHalted         = errors.New("streamer halted by quota exhaustion")
)

const sendTimeout = 30 * time.Second

// Config tunes chunk production
type Config struct {
	ChunkDuration time.Duration
	// Payloads smaller than this are boundary artifacts and are not sent
	MinChunkBytes int
	QueueSize     int
	DrainTimeout  time.Duration
}

// DefaultConfig mirrors the backend defaults
func DefaultConfig() Config {
	return Config{
		ChunkDuration: 5 * time.Second,
		MinChunkBytes: 500,
		QueueSize:     32,
		DrainTimeout:  15 * time.Second,
	}
}

// Session identifies the recording the chunks belong to
type Session struct {
	ProjectID string
}

// StopOptions selects how production ends.
// Pause is {Flush, KeepOpen}, stop is {Flush, Finalize}, discard is {}.
type StopOptions struct {
	// Flush transmits the partial chunk and waits for the queue to drain
	Flush bool
	// Finalize sends the end-of-stream marker after the last chunk
	Finalize bool
	// KeepOpen leaves the channel connected for a later resume
	KeepOpen bool
}

// Chunk is one framed slice ready for the wire
type Chunk struct {
	transport.Frame
	Payload []byte
}

// Option configures a Streamer
type Option func(*Streamer)

// WithManualBoundaries disables the boundary ticker; the caller drives Boundary
func WithManualBoundaries() Option {
	return func(s *Streamer) { s.manual = true }
}

// OnQuotaExhausted is called once when the server reports exhausted time
func OnQuotaExhausted(fn func(message string)) Option {
	return func(s *Streamer) { s.onQuota = fn }
}

// OnFailure is called when the audio track dies mid-recording
func OnFailure(fn func(err error)) Option {
	return func(s *Streamer) { s.onFailure = fn }
}

// OnChunkSent is called after each successful transmission
func OnChunkSent(fn func(frame transport.Frame)) Option {
	return func(s *Streamer) { s.onSent = fn }
}

// OnServerError is called for server errors that are not quota related
func OnServerError(fn func(message string)) Option {
	return func(s *Streamer) { s.onServerErr = fn }
}

// Streamer turns a live track into sequenced chunks on a Channel.
// One encoding session runs per recording segment and is cut at every
// boundary; startMs and durationMs come from the encoded sample count.
type Streamer struct {
	config       Config
	channel      transport.Channel
	isExhaustion func(string) bool
	logger       *logger.Logger

	manual      bool
	onQuota     func(string)
	onFailure   func(error)
	onSent      func(transport.Frame)
	onServerErr func(string)

	mu        sync.Mutex
	running   bool
	failed    bool
	projectID string
	track     capture.AudioTrack
	nextSeq   int64
	cursor    time.Duration
	queue     chan Chunk
	// sendDone belongs to the latest sender and outlives Stop so the next
	// sender can wait for it
	sendDone chan struct{}
	drop     *atomic.Bool
	loopStop context.CancelFunc
	loopDone chan struct{}

	halted  atomic.Bool
	pending atomic.Int64
}

// New creates a streamer over channel. isExhaustion recognises quota texts.
func New(config Config, channel transport.Channel, isExhaustion func(string) bool, log *logger.Logger, opts ...Option) *Streamer {
	defaults := DefaultConfig()
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = defaults.ChunkDuration
	}
	if config.MinChunkBytes <= 0 {
		config.MinChunkBytes = defaults.MinChunkBytes
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	if isExhaustion == nil {
		isExhaustion = func(string) bool { return false }
	}

	s := &Streamer{
		config:       config,
		channel:      channel,
		isExhaustion: isExhaustion,
		logger:       log.Named("streamer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	channel.SetHandler(s.handleServerMessage)
	return s
}

// Start begins producing chunks for session. A different project than the
// previous one restarts the timeline; the same project continues it with
// numbering from resumeSequence.
func (s *Streamer) Start(ctx context.Context, session Session, track capture.AudioTrack, resumeSequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if track == nil || !track.Live() {
		return capture.ErrTrackEnded
	}

	if session.ProjectID != s.projectID {
		s.projectID = session.ProjectID
		s.cursor = 0
		s.halted.Store(false)
	}
	if s.halted.Load() {
		return ErrHalted
	}
	if resumeSequence < 0 {
		resumeSequence = 0
	}
	s.nextSeq = resumeSequence

	if err := s.channel.Open(ctx, session.ProjectID, s.config.ChunkDuration); err != nil {
		return fmt.Errorf("failed to open chunk channel: %w", err)
	}
	if err := track.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audio track: %w", err)
	}

	s.track = track
	s.running = true
	s.failed = false
	s.queue = make(chan Chunk, s.config.QueueSize)
	s.drop = new(atomic.Bool)
	prev := s.sendDone
	s.sendDone = make(chan struct{})
	go s.sendLoop(prev, s.queue, s.drop, s.sendDone)

	if !s.manual {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.loopStop = cancel
		s.loopDone = make(chan struct{})
		go s.boundaryLoop(loopCtx, s.loopDone)
	}

	s.logger.Info("Chunk production started",
		logger.String("project_id", session.ProjectID),
		logger.Int64("sequence", resumeSequence),
		logger.Int64("cursor_ms", s.cursor.Milliseconds()))
	return nil
}

// Boundary cuts the current chunk now
func (s *Streamer) Boundary(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutLocked(ctx)
}

// boundaryLoop fires a boundary every chunk duration
func (s *Streamer) boundaryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Boundary(ctx); err != nil && !errors.Is(err, ErrHalted) {
				s.logger.Debug("Boundary skipped", logger.Error(err))
			}
		}
	}
}

// cutLocked flushes the track and hands the chunk to the sender without blocking
func (s *Streamer) cutLocked(ctx context.Context) error {
	if !s.running {
		return nil
	}
	if s.halted.Load() {
		return ErrHalted
	}
	if s.failed {
		return capture.ErrTrackEnded
	}

	if !s.track.Live() {
		s.failLocked(capture.ErrTrackEnded)
		return capture.ErrTrackEnded
	}

	encoded, err := s.track.Flush(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrTrackEnded) {
			s.failLocked(err)
		}
		return fmt.Errorf("failed to flush track: %w", err)
	}

	start := s.cursor
	s.cursor += encoded.Duration

	if len(encoded.Payload) < s.config.MinChunkBytes {
		s.logger.Debug("Dropping undersized chunk",
			logger.Int("bytes", len(encoded.Payload)),
			logger.Int("min_bytes", s.config.MinChunkBytes))
		return nil
	}

	durationMs := s.cursor.Milliseconds() - start.Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}
	chunk := Chunk{
		Frame: transport.Frame{
			Sequence:   s.nextSeq,
			StartMs:    start.Milliseconds(),
			DurationMs: durationMs,
		},
		Payload: encoded.Payload,
	}

	select {
	case s.queue <- chunk:
		s.nextSeq++
		s.pending.Add(1)
	default:
		s.logger.Warn("Send queue full, dropping chunk",
			logger.Int64("start_ms", chunk.StartMs),
			logger.Int("queue_size", s.config.QueueSize))
	}
	return nil
}

// failLocked stops production after a dead track
func (s *Streamer) failLocked(err error) {
	if s.failed {
		return
	}
	s.failed = true
	s.logger.Error("Audio track failed", logger.Error(err))
	if s.loopStop != nil {
		s.loopStop()
	}
	if s.onFailure != nil {
		go s.onFailure(err)
	}
}

// sendLoop transmits chunks in sequence order, one at a time. A sender
// left behind by a timed-out drain finishes before this one starts.
func (s *Streamer) sendLoop(prev <-chan struct{}, queue <-chan Chunk, drop *atomic.Bool, done chan struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}

	for chunk := range queue {
		if s.halted.Load() || drop.Load() {
			s.pending.Add(-1)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.channel.SendChunk(ctx, chunk.Frame, chunk.Payload)
		cancel()
		s.pending.Add(-1)

		if err != nil {
			// No retry: a backlog would break the real-time pipeline
			s.logger.Warn("Failed to send chunk",
				logger.Int64("seq", chunk.Sequence),
				logger.Error(err))
			continue
		}
		if s.onSent != nil {
			s.onSent(chunk.Frame)
		}
	}
}

// handleServerMessage reacts to server pushes; runs on the channel read loop
func (s *Streamer) handleServerMessage(msg transport.ServerMessage) {
	if msg.Type != transport.TypeError {
		return
	}

	if s.isExhaustion(msg.Error) {
		if s.halted.CompareAndSwap(false, true) {
			// Boundaries and the sender check the flag; no lock is taken here
			// because Stop may be waiting on this read loop
			s.logger.Warn("Server reported recording time exhausted", logger.String("error", msg.Error))
			if s.onQuota != nil {
				go s.onQuota(msg.Error)
			}
		}
		return
	}

	if s.onServerErr != nil {
		go s.onServerErr(msg.Error)
	}
}

// Stop ends production according to opts. ErrDrainTimeout is returned as a
// warning after finalizing anyway.
func (s *Streamer) Stop(ctx context.Context, opts StopOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result error

	if s.running {
		if s.loopStop != nil {
			stop, done := s.loopStop, s.loopDone
			s.loopStop, s.loopDone = nil, nil
			stop()
			// The loop may be blocked on s.mu inside Boundary
			s.mu.Unlock()
			<-done
			s.mu.Lock()
		}

		if opts.Flush && !s.halted.Load() {
			if err := s.cutLocked(ctx); err != nil {
				s.logger.Warn("Final flush failed", logger.Error(err))
			}
		} else {
			s.drop.Store(true)
			if _, err := s.track.Flush(ctx); err != nil && !errors.Is(err, capture.ErrTrackEnded) {
				s.logger.Debug("Discarding partial chunk failed", logger.Error(err))
			}
		}

		if err := s.track.Stop(); err != nil {
			s.logger.Warn("Failed to stop track", logger.Error(err))
		}

		close(s.queue)
		if err := s.waitDrain(ctx, s.sendDone); err != nil {
			result = err
			// A resume keeps the backlog; anything else abandons it
			if !opts.KeepOpen {
				s.drop.Store(true)
			}
		}
		s.running = false
		s.track = nil
		s.queue = nil
	}

	if opts.Finalize && s.channel.IsOpen() {
		if err := s.channel.Complete(ctx); err != nil {
			s.logger.Warn("Failed to send complete", logger.Error(err))
		}
	}

	if !opts.KeepOpen {
		if err := s.channel.Close(); err != nil {
			s.logger.Debug("Error closing chunk channel", logger.Error(err))
		}
		s.logger.Info("Chunk production ended",
			logger.String("project_id", s.projectID),
			logger.Int64("chunks", s.nextSeq),
			logger.Bool("finalized", opts.Finalize))
		s.projectID = ""
		s.nextSeq = 0
		s.cursor = 0
	}

	return result
}

// waitDrain waits for the sender to empty the queue within DrainTimeout
func (s *Streamer) waitDrain(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(s.config.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("Timed out waiting for pending chunks",
			logger.Int64("pending", s.pending.Load()),
			logger.Duration("timeout", s.config.DrainTimeout))
		return ErrDrainTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDrainTimeout, ctx.Err())
	}
}

// NextSequence is the sequence the next chunk will get
func (s *Streamer) NextSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Cursor is the timeline position of the next chunk
func (s *Streamer) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Halted reports whether quota exhaustion stopped production
func (s *Streamer) Halted() bool {
	return s.halted.Load()
}

// Running reports whether chunks are being produced
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending is the number of chunks handed off but not yet sent
func (s *Streamer) Pending() int {
	return int(s.pending.Load())
}
