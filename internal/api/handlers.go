package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/photo"
	"github.com/yegors/hilo-recorder/internal/quota"
	"github.com/yegors/hilo-recorder/internal/session"
	"github.com/yegors/hilo-recorder/internal/version"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// Controller is the session surface the API drives
type Controller interface {
	Start(ctx context.Context, projectName, participantName string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Discard(ctx context.Context) error
	CapturePhoto(ctx context.Context) (photo.Photo, error)
	SwitchCamera(ctx context.Context) error
	SetParticipantName(ctx context.Context, name string) error
	SetPhotoDelay(ctx context.Context, seconds int) error
	SetStylize(ctx context.Context, enabled bool) error
	Preferences(ctx context.Context) (session.Preferences, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// HistoryReader lists past sessions
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]*session.Record, error)
}

// StartRequest is the body of POST /session/start
type StartRequest struct {
	ProjectName     string `json:"project_name" validate:"max=200"`
	ParticipantName string `json:"participant_name" validate:"max=100"`
}

// PreferencesRequest is the body of PUT /preferences; absent fields are unchanged
type PreferencesRequest struct {
	ParticipantName   *string `json:"participant_name" validate:"omitempty,max=100"`
	PhotoDelaySeconds *int    `json:"photo_delay_seconds" validate:"omitempty,min=0,max=10"`
	StylizePhotos     *bool   `json:"stylize_photos"`
}

type errorResponse struct {
	OK      bool       `json:"ok"`
	Error   string     `json:"error"`
	Code    string     `json:"code"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// Handler serves the local control API
type Handler struct {
	controller Controller
	history    HistoryReader
	hub        *Hub
	validate   *validator.Validate
	logger     *logger.Logger
	started    time.Time
}

// NewHandler creates a handler. history may be nil.
func NewHandler(controller Controller, history HistoryReader, hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		controller: controller,
		history:    history,
		hub:        hub,
		validate:   validator.New(),
		logger:     log.Named("api-handler"),
		started:    time.Now(),
	}
}

// GetHealth reports liveness
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"clients": h.hub.Clients(),
	})
}

// GetSession returns the current snapshot
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// StartSession starts a recording
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.controller.Start(r.Context(), req.ProjectName, req.ParticipantName))
}

// PauseSession pauses the recording
func (h *Handler) PauseSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Pause(r.Context()))
}

// ResumeSession resumes the recording
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Resume(r.Context()))
}

// StopSession finalizes the recording
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Stop(r.Context()))
}

// DiscardSession deletes the recording
func (h *Handler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Discard(r.Context()))
}

// CapturePhoto takes a photo
func (h *Handler) CapturePhoto(w http.ResponseWriter, r *http.Request) {
	p, err := h.controller.CapturePhoto(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "photo": p})
}

// SwitchCamera flips between front and rear camera
func (h *Handler) SwitchCamera(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.SwitchCamera(r.Context()))
}

// GetPreferences returns the stored preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.controller.Preferences(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences changes the fields present in the body
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.ParticipantName != nil {
		if err := h.controller.SetParticipantName(ctx, *req.ParticipantName); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.PhotoDelaySeconds != nil {
		if err := h.controller.SetPhotoDelay(ctx, *req.PhotoDelaySeconds); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.StylizePhotos != nil {
		if err := h.controller.SetStylize(ctx, *req.StylizePhotos); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.GetPreferences(w, r)
}

// GetSessions lists recent sessions from the local history
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []*session.Record{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500", Code: "validation"})
			return
		}
		limit = parsed
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*session.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleWebSocket streams session events
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var initial interface{}
	if snap, err := h.controller.Snapshot(r.Context()); err == nil {
		initial = session.Event{Type: session.EventStatus, Time: time.Now(), Snapshot: &snap}
	}
	if err := h.hub.Serve(w, r, initial); err != nil {
		h.logger.Warn("WebSocket upgrade failed", logger.Error(err))
	}
}

// respond writes the snapshot after a successful intent
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.controller.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "session": snap})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: "validation"})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.String("path", r.URL.Path),
			logger.Error(err))
	}
	writeJSON(w, status, body)
}

func classifyError(err error) (int, errorResponse) {
	var validationErr *session.ValidationError
	var noQuota *backend.NoQuotaError
	var deviceErr *capture.DeviceError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, errorResponse{Error: validationErr.Message, Code: "validation"}
	case errors.As(err, &noQuota):
		message := noQuota.Message
		if message == "" {
			message = noQuota.Error()
		}
		return http.StatusForbidden, errorResponse{Error: message, Code: "no_quota", ResetAt: noQuota.ResetAt}
	case errors.Is(err, quota.ErrExhausted), errors.Is(err, quota.ErrNoPhotosLeft):
		return http.StatusForbidden, errorResponse{Error: err.Error(), Code: "quota_exhausted"}
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, photo.ErrNotRecording):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, photo.ErrCaptureBusy):
		return http.StatusConflict, errorResponse{Error: err.Error(), Code: "capture_busy"}
	case errors.As(err, &deviceErr):
		return http.StatusUnprocessableEntity, errorResponse{Error: deviceErr.Message(), Code: string(deviceErr.Kind)}
	case errors.Is(err, capture.ErrNoVideo), errors.Is(err, capture.ErrTrackEnded):
		return http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "device"}
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "closed"}
	}

	if apiErr, ok := backend.AsAPIError(err); ok {
		return http.StatusBadGateway, errorResponse{Error: apiErr.Message, Code: "backend"}
	}
	return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
