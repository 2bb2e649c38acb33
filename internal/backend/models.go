package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// StartRequest creates a project and opens a recording session
type StartRequest struct {
	ProjectName     string `json:"project_name"`
	ParticipantName string `json:"participant_name"`
}

// StartResponse is the backend answer to StartRequest
type StartResponse struct {
	OK                        bool      `json:"ok"`
	Error                     string    `json:"error,omitempty"`
	ProjectID                 string    `json:"project_id"`
	RecordingStartedAt        Timestamp `json:"recording_started_at"`
	ServerNow                 Timestamp `json:"server_now"`
	ChunkDurationSeconds      *int      `json:"chunk_duration_seconds"`
	RecordingTotalSeconds     *int      `json:"recording_total_seconds"`
	RecordingRemainingSeconds *int      `json:"recording_remaining_seconds"`
	RecordingResetAt          Timestamp `json:"recording_reset_at"`
	RecordingWindowDays       *int      `json:"recording_window_days"`
	PhotosRemaining           *int      `json:"photos_remaining"`
	StylizeAllowed            *bool     `json:"stylize_allowed"`
}

// StopRequest finalizes a project
type StopRequest struct {
	ProjectID       string `json:"project_id"`
	ParticipantName string `json:"participant_name"`
	ProjectName     string `json:"project_name"`
	StylizePhotos   bool   `json:"stylize_photos"`
}

// StopResponse is the backend answer to StopRequest
type StopResponse struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	ProjectID      string `json:"project_id"`
	QueueJobID     string `json:"queue_job_id"`
	ResultURL      string `json:"result_url"`
	StylizeApplied bool   `json:"stylize_applied"`
}

// PhotoRequest uploads one still tagged with its timeline position
type PhotoRequest struct {
	ProjectID string `json:"project_id"`
	PhotoID   string `json:"photo_id"`
	TimeMs    int64  `json:"t_ms"`
	DataURL   string `json:"data_url"`
}

// PhotoResponse is the backend answer to PhotoRequest
type PhotoResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	PhotoID string `json:"photo_id"`
	TimeMs  int64  `json:"t_ms"`
}

// RemoteConfig is the public client configuration
type RemoteConfig struct {
	ChunkDuration int `json:"chunk_duration"`
}

// envelope is the common shape of every JSON reply
type envelope struct {
	OK                        *bool     `json:"ok"`
	Error                     string    `json:"error"`
	RecordingRemainingSeconds *int      `json:"recording_remaining_seconds"`
	RecordingResetAt          Timestamp `json:"recording_reset_at"`
	RecordingWindowDays       *int      `json:"recording_window_days"`
}

// Timestamp decodes ISO-8601 values with or without a zone, and null
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// Ptr returns nil for a zero timestamp
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
