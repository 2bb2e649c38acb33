package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/hilo-recorder/pkg/logger"
)

// DefaultTickInterval is frequent enough to catch a ceiling within a second
const DefaultTickInterval = 500 * time.Millisecond

// Timeline is a snapshot of the recording clock
type Timeline struct {
	RecordingStartedAt time.Time     `json:"recording_started_at"`
	PausedAccumulated  time.Duration `json:"paused_accumulated"`
	Elapsed            time.Duration `json:"elapsed"`
	Limit              time.Duration `json:"limit,omitempty"`
	Running            bool          `json:"running"`
	Paused             bool          `json:"paused"`
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithTickInterval sets the self-driven tick cadence. Zero disables the
// internal ticker and leaves Tick to the caller.
func WithTickInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.interval = interval
	}
}

// WithLimit sets the recording ceiling
func WithLimit(limit time.Duration) Option {
	return func(e *Engine) {
		e.limit = limit
	}
}

// OnLimitReached registers the ceiling callback
func OnLimitReached(fn func(elapsed time.Duration)) Option {
	return func(e *Engine) {
		e.onLimit = fn
	}
}

// WithLogger attaches a logger
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l.Named("timer")
	}
}

// Engine is a stopwatch with pause/resume and an optional ceiling.
// The ceiling callback fires at most once between two calls to Start.
type Engine struct {
	mu       sync.Mutex
	clock    func() time.Time
	interval time.Duration
	limit    time.Duration
	onLimit  func(time.Duration)
	logger   *logger.Logger

	running           bool
	paused            bool
	startedAt         time.Time
	pausedAt          time.Time
	pausedAccumulated time.Duration
	limitFired        bool

	cancelTicker context.CancelFunc
}

// New creates a stopped engine
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:    time.Now,
		interval: DefaultTickInterval,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start resets elapsed time to zero and begins ticking
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTickerLocked()
	e.running = true
	e.paused = false
	e.startedAt = e.clock()
	e.pausedAt = time.Time{}
	e.pausedAccumulated = 0
	e.limitFired = false
	e.startTickerLocked()

	e.logger.Debug("Timer started", logger.Duration("limit", e.limit))
}

// Pause freezes elapsed time at the current instant
func (e *Engine) Pause() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.paused {
		return e.elapsedLocked()
	}

	e.pausedAt = e.clock()
	e.paused = true
	e.stopTickerLocked()

	elapsed := e.elapsedLocked()
	e.logger.Debug("Timer paused", logger.Duration("elapsed", elapsed))
	return elapsed
}

// Resume continues ticking from the frozen value
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || !e.paused {
		return
	}

	gap := e.clock().Sub(e.pausedAt)
	if gap > 0 {
		e.pausedAccumulated += gap
	}
	e.paused = false
	e.pausedAt = time.Time{}
	e.startTickerLocked()

	e.logger.Debug("Timer resumed",
		logger.Duration("paused_gap", gap),
		logger.Duration("paused_total", e.pausedAccumulated))
}

// Stop resets the engine to zero and stops ticking
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTickerLocked()
	e.running = false
	e.paused = false
	e.startedAt = time.Time{}
	e.pausedAt = time.Time{}
	e.pausedAccumulated = 0
	e.limitFired = false
}

// SetLimit replaces the ceiling; zero removes it
func (e *Engine) SetLimit(limit time.Duration) {
	e.mu.Lock()
	e.limit = limit
	e.mu.Unlock()
}

// Tick evaluates the ceiling and returns the current elapsed time
func (e *Engine) Tick() time.Duration {
	e.mu.Lock()
	elapsed := e.elapsedLocked()
	fire := e.running && !e.paused && e.limit > 0 && !e.limitFired && elapsed >= e.limit
	if fire {
		e.limitFired = true
	}
	callback := e.onLimit
	e.mu.Unlock()

	if fire {
		e.logger.Info("Recording limit reached", logger.Duration("elapsed", elapsed))
		if callback != nil {
			callback(elapsed)
		}
	}
	return elapsed
}

// Elapsed returns recorded time excluding pauses
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsedLocked()
}

// Remaining returns ceiling minus elapsed, floored at zero.
// ok is false when no ceiling is set.
func (e *Engine) Remaining() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limit <= 0 {
		return 0, false
	}
	remaining := e.limit - e.elapsedLocked()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Timeline returns a consistent snapshot
func (e *Engine) Timeline() Timeline {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Timeline{
		RecordingStartedAt: e.startedAt,
		PausedAccumulated:  e.pausedAccumulated,
		Elapsed:            e.elapsedLocked(),
		Limit:              e.limit,
		Running:            e.running,
		Paused:             e.paused,
	}
}

func (e *Engine) elapsedLocked() time.Duration {
	if !e.running {
		return 0
	}

	now := e.clock()
	if e.paused {
		now = e.pausedAt
	}

	elapsed := now.Sub(e.startedAt) - e.pausedAccumulated
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// startTickerLocked launches the self-driven ticker. Stale tickers are only
// cancelled, not awaited, so a limit callback may safely call back into the engine.
func (e *Engine) startTickerLocked() {
	if e.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelTicker = cancel

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
}

func (e *Engine) stopTickerLocked() {
	if e.cancelTicker != nil {
		e.cancelTicker()
		e.cancelTicker = nil
	}
}

// Format renders a duration as HH:MM:SS
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
