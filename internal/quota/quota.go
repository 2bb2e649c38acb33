package quota

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrExhausted is returned when recording time has run out for the session
var ErrExhausted = errors.New("recording time exhausted")

// ErrNoPhotosLeft is returned when the photo allowance is used up
var ErrNoPhotosLeft = errors.New("photo quota exhausted")

// DefaultMarkers are the texts the backend uses to report exhaustion
var DefaultMarkers = []string{"Tiempo de grabación agotado", "recording time exhausted"}

// Source identifies who detected exhaustion first
type Source string

const (
	SourceNone  Source = ""
	SourceTimer Source = "timer"
	SourceChunk Source = "chunk"
	SourcePhoto Source = "photo"
	SourceStart Source = "start"
)

// Grant is the allowance returned by the backend at session start.
// Nil fields mean unlimited or unknown.
type Grant struct {
	RemainingSeconds *int
	TotalSeconds     *int
	ResetAt          *time.Time
	PhotosRemaining  *int
}

// State is a snapshot of the guard
type State struct {
	RemainingRecordingSeconds *int       `json:"remaining_recording_seconds"`
	TotalRecordingSeconds     *int       `json:"total_recording_seconds"`
	ResetAt                   *time.Time `json:"reset_at"`
	Exceeded                  bool       `json:"exceeded"`
	ExceededSource            Source     `json:"exceeded_source,omitempty"`
	PhotosRemaining           *int       `json:"photos_remaining"`
}

// Guard holds the quota of the live session. It never performs I/O;
// the timer ceiling and server rejections both converge on MarkExhausted.
type Guard struct {
	mu      sync.RWMutex
	state   State
	markers []string
}

// NewGuard creates a guard recognising the given exhaustion markers
func NewGuard(markers []string) *Guard {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			lowered = append(lowered, strings.ToLower(m))
		}
	}
	return &Guard{markers: lowered}
}

// Init replaces the state with a fresh grant
func (g *Guard) Init(grant Grant) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = State{
		RemainingRecordingSeconds: copyInt(grant.RemainingSeconds),
		TotalRecordingSeconds:     copyInt(grant.TotalSeconds),
		ResetAt:                   copyTime(grant.ResetAt),
		PhotosRemaining:           copyInt(grant.PhotosRemaining),
	}
}

// Clear forgets everything, including exhaustion
func (g *Guard) Clear() {
	g.mu.Lock()
	g.state = State{}
	g.mu.Unlock()
}

// MarkExhausted flags the session as out of time. It reports true only on
// the transition, so callers react once no matter how many channels report it.
func (g *Guard) MarkExhausted(source Source) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Exceeded {
		return false
	}
	g.state.Exceeded = true
	g.state.ExceededSource = source
	zero := 0
	g.state.RemainingRecordingSeconds = &zero
	return true
}

// SetResetAt records a reset time supplied alongside a rejection
func (g *Guard) SetResetAt(resetAt *time.Time) {
	if resetAt == nil {
		return
	}
	g.mu.Lock()
	g.state.ResetAt = copyTime(resetAt)
	g.mu.Unlock()
}

// Exceeded reports whether the session ran out of time
func (g *Guard) Exceeded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Exceeded
}

// CheckResume refuses to resume an exhausted session
func (g *Guard) CheckResume() error {
	if g.Exceeded() {
		return ErrExhausted
	}
	return nil
}

// RecordingLimit returns the timer ceiling for this session, if any
func (g *Guard) RecordingLimit() (time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.RemainingRecordingSeconds == nil {
		return 0, false
	}
	return time.Duration(*g.state.RemainingRecordingSeconds) * time.Second, true
}

// RetryIn returns how long until the allowance resets, zero if unknown or past
func (g *Guard) RetryIn(now time.Time) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.ResetAt == nil {
		return 0
	}
	if d := g.state.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsExhaustionMessage reports whether a server text signals exhaustion
func (g *Guard) IsExhaustionMessage(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, marker := range g.markers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// CheckPhoto verifies a photo may be taken now
func (g *Guard) CheckPhoto() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.Exceeded {
		return ErrExhausted
	}
	if g.state.PhotosRemaining != nil && *g.state.PhotosRemaining <= 0 {
		return ErrNoPhotosLeft
	}
	return nil
}

// ConsumePhoto decrements the photo allowance after a successful upload
func (g *Guard) ConsumePhoto() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.PhotosRemaining != nil && *g.state.PhotosRemaining > 0 {
		left := *g.state.PhotosRemaining - 1
		g.state.PhotosRemaining = &left
	}
}

// State returns a deep copy of the current state
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := g.state
	s.RemainingRecordingSeconds = copyInt(s.RemainingRecordingSeconds)
	s.TotalRecordingSeconds = copyInt(s.TotalRecordingSeconds)
	s.ResetAt = copyTime(s.ResetAt)
	s.PhotosRemaining = copyInt(s.PhotosRemaining)
	return s
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
