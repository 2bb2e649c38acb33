package session

import (
	"context"
	"errors"
	"time"

	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/photo"
	"github.com/yegors/hilo-recorder/internal/quota"
)

// Status is the recording state
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrClosed            = errors.New("session controller closed")
)

// ValidationError is a local input failure; it never reaches the network
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Backend is the subset of the recording backend the controller calls
type Backend interface {
	Start(ctx context.Context, req backend.StartRequest) (*backend.StartResponse, error)
	Stop(ctx context.Context, req backend.StopRequest) (*backend.StopResponse, error)
	Discard(ctx context.Context, projectID string) error
	UploadPhoto(ctx context.Context, req backend.PhotoRequest) (*backend.PhotoResponse, error)
}

// Devices owns the capture device
type Devices interface {
	Acquire(ctx context.Context, c capture.Constraints) (capture.Device, error)
	Current() capture.Device
	Release() error
	Switch(ctx context.Context) (capture.Device, error)
}

// Preference keys
const (
	KeyParticipantName = "participant_name"
	KeyPhotoDelay      = "photo_delay_seconds"
	KeyStylizePhotos   = "stylize_photos"
)

// MaxPhotoDelaySeconds bounds the pre-capture delay
const MaxPhotoDelaySeconds = 10

// Preferences survive between sessions
type Preferences struct {
	ParticipantName   string `json:"participant_name"`
	PhotoDelaySeconds int    `json:"photo_delay_seconds"`
	StylizePhotos     bool   `json:"stylize_photos"`
}

// PreferenceStore is a key-value store for Preferences
type PreferenceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Outcome of a recorded session
type Outcome string

const (
	OutcomeRecording Outcome = "recording"
	OutcomeStopped   Outcome = "stopped"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeFailed    Outcome = "failed"
)

// Record is one entry of the local session history
type Record struct {
	ProjectID       string     `json:"project_id"`
	ProjectName     string     `json:"project_name"`
	ParticipantName string     `json:"participant_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Outcome         Outcome    `json:"outcome"`
	ElapsedMs       int64      `json:"elapsed_ms"`
	Chunks          int64      `json:"chunks"`
	Photos          int        `json:"photos"`
	ResultURL       string     `json:"result_url,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// HistoryStore keeps the local session log
type HistoryStore interface {
	RecordStart(ctx context.Context, r Record) error
	RecordFinish(ctx context.Context, r Record) error
}

// EventType names a notification
type EventType string

const (
	EventStatus       EventType = "status"
	EventQuotaReached EventType = "quota_reached"
	EventNoQuota      EventType = "no_quota"
	EventWarning      EventType = "warning"
	EventDeviceError  EventType = "device_error"
	EventPhoto        EventType = "photo"
	EventStopped      EventType = "stopped"
	EventDiscarded    EventType = "discarded"
)

// Event is pushed to the Notifier after every observable change
type Event struct {
	Type      EventType    `json:"type"`
	Time      time.Time    `json:"time"`
	Message   string       `json:"message,omitempty"`
	ResetAt   *time.Time   `json:"reset_at,omitempty"`
	ResultURL string       `json:"result_url,omitempty"`
	Photo     *photo.Photo `json:"photo,omitempty"`
	Snapshot  *Snapshot    `json:"snapshot,omitempty"`
}

// Notifier receives events on the dispatcher goroutine and must not block
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// Snapshot is the externally visible state of the controller
type Snapshot struct {
	Status          Status         `json:"status"`
	ProjectID       string         `json:"project_id,omitempty"`
	ProjectName     string         `json:"project_name,omitempty"`
	ParticipantName string         `json:"participant_name"`
	ElapsedMs       int64          `json:"elapsed_ms"`
	Elapsed         string         `json:"elapsed"`
	RemainingMs     *int64         `json:"remaining_ms,omitempty"`
	PausedMs        int64          `json:"paused_ms"`
	Quota           quota.State    `json:"quota"`
	NextSequence    int64          `json:"next_sequence"`
	PendingChunks   int            `json:"pending_chunks"`
	Facing          capture.Facing `json:"facing,omitempty"`
	PhotoPending    bool           `json:"photo_pending"`
	Photos          []photo.Photo  `json:"photos"`
	Preferences     Preferences    `json:"preferences"`
	LastResultURL   string         `json:"last_result_url,omitempty"`
}
