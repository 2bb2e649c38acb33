package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/photo"
	"github.com/yegors/hilo-recorder/internal/quota"
	"github.com/yegors/hilo-recorder/internal/streamer"
	"github.com/yegors/hilo-recorder/internal/timer"
	"github.com/yegors/hilo-recorder/internal/transport"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

const (
	msgParticipantRequired = "Ingresa un nombre primero"
	msgProjectRequired     = "Ingresa un nombre para el proyecto"
	msgNoQuota             = "No tienes minutos disponibles"
	msgExhausted           = "Tiempo de grabación agotado"
	msgTrackLost           = "Se perdió la señal del micrófono. Reanuda para intentarlo de nuevo."
	msgSwitchFailed        = "No se pudo cambiar de cámara"
	msgDrainTimeout        = "Algunos fragmentos de audio no se enviaron a tiempo"
	msgServerError         = "Error del servidor de audio"
)

// Config tunes the controller
type Config struct {
	Streamer streamer.Config
	// TickInterval drives the ceiling check; zero leaves ticking to the caller
	TickInterval      time.Duration
	ExhaustionMarkers []string
	JPEGQuality       int
	PhotoDelaySeconds int
	Capture           capture.Constraints
	Clock             func() time.Time
	// ManualBoundaries leaves chunk boundaries to the caller
	ManualBoundaries bool
}

// Deps are the collaborators of the controller. Preferences, History and
// Notifier are optional.
type Deps struct {
	Backend     Backend
	Devices     Devices
	Channel     transport.Channel
	Preferences PreferenceStore
	History     HistoryStore
	Notifier    Notifier
}

type intent struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Controller is the recording state machine. Every intent and every
// internal signal runs on one dispatcher goroutine, so the fields below
// the dispatcher marker are never touched concurrently.
type Controller struct {
	config     Config
	backend    Backend
	devices    Devices
	prefsStore PreferenceStore
	history    HistoryStore
	notifier   Notifier
	logger     *logger.Logger
	clock      func() time.Time

	guard    *quota.Guard
	timer    *timer.Engine
	streamer *streamer.Streamer
	photos   *photo.Capturer

	intents   chan intent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	epoch      atomic.Uint64
	sentChunks atomic.Int64

	// dispatcher
	status          Status
	projectID       string
	projectName     string
	facing          capture.Facing
	prefs           Preferences
	record          Record
	lastResultURL   string
	exhaustNotified bool
}

// New creates a controller and starts its dispatcher. Preferences are
// loaded from the store before it returns.
func New(ctx context.Context, config Config, deps Deps, log *logger.Logger) (*Controller, error) {
	if deps.Backend == nil || deps.Devices == nil || deps.Channel == nil {
		return nil, errors.New("session controller needs a backend, devices and a channel")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if !config.Capture.Audio && !config.Capture.Video {
		config.Capture.Audio = true
		config.Capture.Video = true
	}
	if config.Capture.Facing == "" {
		config.Capture.Facing = capture.FacingUser
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	c := &Controller{
		config:     config,
		backend:    deps.Backend,
		devices:    deps.Devices,
		prefsStore: deps.Preferences,
		history:    deps.History,
		notifier:   notifier,
		logger:     log.Named("session"),
		clock:      config.Clock,
		guard:      quota.NewGuard(config.ExhaustionMarkers),
		intents:    make(chan intent),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		status:     StatusStopped,
		facing:     config.Capture.Facing,
		prefs:      Preferences{PhotoDelaySeconds: clampDelay(config.PhotoDelaySeconds)},
	}

	c.timer = timer.New(
		timer.WithClock(config.Clock),
		timer.WithTickInterval(config.TickInterval),
		timer.WithLogger(log),
		timer.OnLimitReached(func(elapsed time.Duration) {
			c.signal(func(ctx context.Context) error {
				return c.exhaust(ctx, quota.SourceTimer, "")
			})
		}),
	)

	streamerOpts := []streamer.Option{
		streamer.OnQuotaExhausted(func(message string) {
			c.signal(func(ctx context.Context) error {
				return c.exhaust(ctx, quota.SourceChunk, message)
			})
		}),
		streamer.OnFailure(func(err error) {
			c.signal(func(ctx context.Context) error {
				return c.trackFailed(ctx, err)
			})
		}),
		streamer.OnServerError(func(message string) {
			c.signal(func(ctx context.Context) error {
				c.warn(msgServerError + ": " + message)
				return nil
			})
		}),
		streamer.OnChunkSent(func(transport.Frame) {
			c.sentChunks.Add(1)
		}),
	}
	if config.ManualBoundaries {
		streamerOpts = append(streamerOpts, streamer.WithManualBoundaries())
	}
	c.streamer = streamer.New(config.Streamer, deps.Channel, c.guard.IsExhaustionMessage, log, streamerOpts...)

	c.photos = photo.New(deps.Backend, c.guard, photo.Config{JPEGQuality: config.JPEGQuality}, log)

	if err := c.loadPreferences(ctx); err != nil {
		return nil, err
	}
	c.photos.SetDelay(time.Duration(c.prefs.PhotoDelaySeconds) * time.Second)

	go c.dispatch()
	return c, nil
}

// dispatch runs intents one at a time
func (c *Controller) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case in := <-c.intents:
			in.done <- in.run(in.ctx)
		}
	}
}

// do runs fn on the dispatcher and waits for its result
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	in := intent{ctx: ctx, run: fn, done: make(chan error, 1)}
	select {
	case c.intents <- in:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-in.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs fn like do, but fn keeps going if the caller goes away.
// Flushing and finalizing are bounded by the drain and backend timeouts.
func (c *Controller) teardown(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.do(ctx, func(ctx context.Context) error {
		return fn(context.WithoutCancel(ctx))
	})
}

// signal queues an internal event for the current session. Signals that
// arrive after the session ended are dropped.
func (c *Controller) signal(fn func(ctx context.Context) error) {
	epoch := c.epoch.Load()
	go func() {
		err := c.do(context.Background(), func(ctx context.Context) error {
			if c.epoch.Load() != epoch || c.status == StatusStopped {
				return nil
			}
			return fn(ctx)
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("Internal signal failed", logger.Error(err))
		}
	}()
}

// Start validates the names locally, then creates the project and starts recording
func (c *Controller) Start(ctx context.Context, projectName, participantName string) error {
	projectName = strings.TrimSpace(projectName)
	participantName = strings.TrimSpace(participantName)
	if participantName == "" {
		return &ValidationError{Field: "participant_name", Message: msgParticipantRequired}
	}
	if projectName == "" {
		return &ValidationError{Field: "project_name", Message: msgProjectRequired}
	}

	return c.do(ctx, func(ctx context.Context) error {
		return c.start(ctx, projectName, participantName)
	})
}

func (c *Controller) start(ctx context.Context, projectName, participantName string) error {
	if c.status != StatusStopped {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, c.status)
	}

	device, err := c.devices.Acquire(ctx, c.constraints())
	if err != nil {
		c.deviceError(err, "")
		return err
	}

	resp, err := c.backend.Start(ctx, backend.StartRequest{
		ProjectName:     projectName,
		ParticipantName: participantName,
	})
	if err != nil {
		c.releaseDevice()

		var noQuota *backend.NoQuotaError
		if errors.As(err, &noQuota) {
			zero := 0
			c.guard.Init(quota.Grant{RemainingSeconds: &zero, ResetAt: noQuota.ResetAt})
			c.guard.MarkExhausted(quota.SourceStart)

			message := noQuota.Message
			if message == "" {
				message = msgNoQuota
			}
			c.emit(Event{Type: EventNoQuota, Message: message, ResetAt: noQuota.ResetAt})
			return err
		}

		c.logger.Error("Failed to start project", logger.Error(err))
		return fmt.Errorf("failed to start project: %w", err)
	}

	c.epoch.Add(1)
	c.sentChunks.Store(0)
	c.exhaustNotified = false
	c.photos.Reset()
	c.guard.Init(quota.Grant{
		RemainingSeconds: resp.RecordingRemainingSeconds,
		TotalSeconds:     resp.RecordingTotalSeconds,
		ResetAt:          resp.RecordingResetAt.Ptr(),
		PhotosRemaining:  resp.PhotosRemaining,
	})

	track, err := device.AudioTrack()
	if err == nil {
		err = c.streamer.Start(ctx, streamer.Session{ProjectID: resp.ProjectID}, track, 0)
	}
	if err != nil {
		c.logger.Error("Failed to start chunk production",
			logger.String("project_id", resp.ProjectID),
			logger.Error(err))
		if stopErr := c.streamer.Stop(ctx, streamer.StopOptions{}); stopErr != nil {
			c.logger.Debug("Streamer cleanup failed", logger.Error(stopErr))
		}
		c.releaseDevice()
		c.guard.Clear()
		if discardErr := c.backend.Discard(context.WithoutCancel(ctx), resp.ProjectID); discardErr != nil {
			c.logger.Warn("Failed to discard orphan project",
				logger.String("project_id", resp.ProjectID),
				logger.Error(discardErr))
		}
		c.deviceError(err, "")
		return fmt.Errorf("failed to start recording: %w", err)
	}

	limit, limited := c.guard.RecordingLimit()
	if limited {
		c.timer.SetLimit(limit)
	} else {
		c.timer.SetLimit(0)
	}
	c.timer.Start()

	c.status = StatusRecording
	c.projectID = resp.ProjectID
	c.projectName = projectName
	c.facing = device.Facing()
	if c.prefs.ParticipantName != participantName {
		c.prefs.ParticipantName = participantName
		c.savePreference(ctx, KeyParticipantName, participantName)
	}

	c.record = Record{
		ProjectID:       resp.ProjectID,
		ProjectName:     projectName,
		ParticipantName: participantName,
		StartedAt:       c.clock(),
		Outcome:         OutcomeRecording,
	}
	if c.history != nil {
		if err := c.history.RecordStart(context.WithoutCancel(ctx), c.record); err != nil {
			c.logger.Warn("Failed to record session start", logger.Error(err))
		}
	}

	c.logger.Info("Recording started",
		logger.String("project_id", resp.ProjectID),
		logger.Bool("limited", limited),
		logger.Duration("limit", limit))
	c.emitStatus()

	if limited && limit <= 0 {
		return c.exhaust(ctx, quota.SourceTimer, "")
	}
	return nil
}

// Pause flushes the in-flight chunk and freezes the timeline
func (c *Controller) Pause(ctx context.Context) error {
	return c.teardown(ctx, func(ctx context.Context) error {
		if c.status != StatusRecording {
			return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, c.status)
		}
		c.pause(ctx)
		c.emitStatus()
		return nil
	})
}

// pause suspends production; the elapsed time is frozen before the flush
func (c *Controller) pause(ctx context.Context) {
	elapsed := c.timer.Pause()
	c.photos.Cancel()

	if err := c.streamer.Stop(ctx, streamer.StopOptions{Flush: true, KeepOpen: true}); err != nil {
		c.logger.Warn("Pause flush incomplete", logger.Error(err))
		if errors.Is(err, streamer.ErrDrainTimeout) {
			c.warn(msgDrainTimeout)
		}
	}

	c.status = StatusPaused
	c.logger.Info("Recording paused",
		logger.String("project_id", c.projectID),
		logger.Duration("elapsed", elapsed))
}

// Resume continues the same timeline and sequence numbering
func (c *Controller) Resume(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if c.status != StatusPaused {
			return fmt.Errorf("%w: resume while %s", ErrInvalidTransition, c.status)
		}
		if err := c.guard.CheckResume(); err != nil {
			c.emit(Event{Type: EventQuotaReached, Message: msgExhausted, ResetAt: c.guard.State().ResetAt})
			return err
		}

		device, err := c.devices.Acquire(ctx, c.constraints())
		if err != nil {
			c.deviceError(err, "")
			return err
		}
		if err := c.attach(ctx, device); err != nil {
			return err
		}

		c.timer.Resume()
		c.status = StatusRecording
		c.logger.Info("Recording resumed",
			logger.String("project_id", c.projectID),
			logger.Int64("sequence", c.streamer.NextSequence()))
		c.emitStatus()
		return nil
	})
}

// attach starts chunk production on device continuing the current numbering
func (c *Controller) attach(ctx context.Context, device capture.Device) error {
	track, err := device.AudioTrack()
	if err != nil {
		c.deviceError(err, "")
		return err
	}
	if err := c.streamer.Start(ctx, streamer.Session{ProjectID: c.projectID}, track, c.streamer.NextSequence()); err != nil {
		if errors.Is(err, streamer.ErrHalted) {
			return quota.ErrExhausted
		}
		c.deviceError(err, "")
		return fmt.Errorf("failed to reattach audio: %w", err)
	}
	c.facing = device.Facing()
	return nil
}

// Stop finalizes the recording on the server. Local state always returns
// to stopped; the remote failure, if any, is returned.
func (c *Controller) Stop(ctx context.Context) error {
	return c.teardown(ctx, c.stop)
}

func (c *Controller) stop(ctx context.Context) error {
	if c.status == StatusStopped {
		return fmt.Errorf("%w: stop while stopped", ErrInvalidTransition)
	}

	wasRecording := c.status == StatusRecording
	c.timer.Pause()
	c.photos.Cancel()

	streamErr := c.streamer.Stop(ctx, streamer.StopOptions{Flush: wasRecording, Finalize: true})
	if streamErr != nil {
		c.logger.Warn("Stream finalized with warning", logger.Error(streamErr))
	}

	participant := c.prefs.ParticipantName
	if participant == "" {
		participant = c.record.ParticipantName
	}
	resp, remoteErr := c.backend.Stop(ctx, backend.StopRequest{
		ProjectID:       c.projectID,
		ParticipantName: participant,
		ProjectName:     c.projectName,
		StylizePhotos:   c.prefs.StylizePhotos,
	})

	c.releaseDevice()

	resultURL := ""
	outcome := OutcomeStopped
	if remoteErr != nil {
		outcome = OutcomeFailed
		c.logger.Error("Failed to stop project",
			logger.String("project_id", c.projectID),
			logger.Error(remoteErr))
	} else {
		resultURL = resp.ResultURL
	}
	c.finishRecord(ctx, outcome, resultURL, remoteErr)
	c.lastResultURL = resultURL

	c.logger.Info("Recording stopped",
		logger.String("project_id", c.projectID),
		logger.Int64("chunks", c.sentChunks.Load()))
	c.reset()

	c.emit(Event{Type: EventStopped, ResultURL: resultURL})
	if errors.Is(streamErr, streamer.ErrDrainTimeout) {
		c.warn(msgDrainTimeout)
	}

	if remoteErr != nil {
		return fmt.Errorf("failed to stop project: %w", remoteErr)
	}
	return nil
}

// Discard drops the in-flight chunk and deletes the project on the server.
// Local state always returns to stopped.
func (c *Controller) Discard(ctx context.Context) error {
	return c.teardown(ctx, func(ctx context.Context) error {
		if c.status == StatusStopped {
			return fmt.Errorf("%w: discard while stopped", ErrInvalidTransition)
		}

		projectID := c.projectID
		c.timer.Pause()
		c.photos.Cancel()

		if err := c.streamer.Stop(ctx, streamer.StopOptions{}); err != nil {
			c.logger.Debug("Stream teardown warning", logger.Error(err))
		}

		remoteErr := c.backend.Discard(ctx, projectID)
		c.releaseDevice()

		outcome := OutcomeDiscarded
		if remoteErr != nil {
			outcome = OutcomeFailed
			c.logger.Error("Failed to discard project",
				logger.String("project_id", projectID),
				logger.Error(remoteErr))
		}
		c.finishRecord(ctx, outcome, "", remoteErr)

		c.logger.Info("Recording discarded", logger.String("project_id", projectID))
		c.reset()
		c.emit(Event{Type: EventDiscarded})

		if remoteErr != nil {
			return fmt.Errorf("failed to discard project: %w", remoteErr)
		}
		return nil
	})
}

// exhaust converges every exhaustion report on the guard and forces a pause
func (c *Controller) exhaust(ctx context.Context, source quota.Source, message string) error {
	c.guard.MarkExhausted(source)

	if c.status == StatusRecording {
		c.pause(ctx)
		c.emitStatus()
	}

	if !c.exhaustNotified {
		c.exhaustNotified = true
		if message == "" {
			message = msgExhausted
		}
		c.logger.Warn("Recording time exhausted",
			logger.String("project_id", c.projectID),
			logger.String("source", string(c.guard.State().ExceededSource)))
		c.emit(Event{Type: EventQuotaReached, Message: message, ResetAt: c.guard.State().ResetAt})
	}
	return nil
}

// trackFailed pauses a recording whose microphone died
func (c *Controller) trackFailed(ctx context.Context, cause error) error {
	if c.status != StatusRecording {
		return nil
	}
	c.logger.Error("Audio track lost", logger.Error(cause))
	c.pause(ctx)
	c.emit(Event{Type: EventDeviceError, Message: msgTrackLost})
	c.emitStatus()
	return nil
}

// CapturePhoto takes a photo of the current frame tagged with the timeline
// position. The delay and upload run outside the dispatcher.
func (c *Controller) CapturePhoto(ctx context.Context) (photo.Photo, error) {
	var shot photo.Shot
	err := c.do(ctx, func(ctx context.Context) error {
		if c.status != StatusRecording {
			return fmt.Errorf("%w: photo while %s", ErrInvalidTransition, c.status)
		}
		if err := c.guard.CheckPhoto(); err != nil {
			return err
		}
		device := c.devices.Current()
		if device == nil {
			return capture.ErrNoVideo
		}

		epoch := c.epoch.Load()
		shot = photo.Shot{
			ProjectID: c.projectID,
			Frames:    device,
			Position:  func() (time.Duration, error) { return c.position(epoch) },
		}
		return nil
	})
	if err != nil {
		return photo.Photo{}, err
	}

	taken, err := c.photos.Capture(ctx, shot)
	if err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			c.signal(func(ctx context.Context) error {
				return c.exhaust(ctx, quota.SourcePhoto, "")
			})
		}
		return photo.Photo{}, err
	}

	c.signal(func(ctx context.Context) error {
		c.emit(Event{Type: EventPhoto, Photo: &taken})
		return nil
	})
	return taken, nil
}

// position is the timeline position at capture time, only while recording
func (c *Controller) position(epoch uint64) (time.Duration, error) {
	var at time.Duration
	err := c.do(context.Background(), func(ctx context.Context) error {
		if c.epoch.Load() != epoch || c.status != StatusRecording {
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, c.status)
		}
		at = c.timer.Elapsed()
		return nil
	})
	return at, err
}

// SwitchCamera reopens the device with the other camera. While recording
// the producer is detached first and reattached to the new device.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	return c.teardown(ctx, func(ctx context.Context) error {
		if c.status == StatusStopped && c.devices.Current() == nil {
			c.facing = c.facing.Opposite()
			c.emitStatus()
			return nil
		}

		wasRecording := c.status == StatusRecording
		if wasRecording {
			c.timer.Pause()
			if err := c.streamer.Stop(ctx, streamer.StopOptions{Flush: true, KeepOpen: true}); err != nil {
				c.logger.Warn("Flush before camera switch incomplete", logger.Error(err))
			}
		}

		device, switchErr := c.devices.Switch(ctx)
		if switchErr != nil {
			c.deviceError(switchErr, msgSwitchFailed)
		}
		if device == nil {
			if wasRecording {
				c.status = StatusPaused
				c.emitStatus()
			}
			return switchErr
		}
		c.facing = device.Facing()

		if wasRecording {
			if err := c.attach(ctx, device); err != nil {
				c.status = StatusPaused
				c.emitStatus()
				return err
			}
			c.timer.Resume()
		}

		c.emitStatus()
		return switchErr
	})
}

// SetParticipantName updates the stored participant name
func (c *Controller) SetParticipantName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "participant_name", Message: msgParticipantRequired}
	}
	return c.do(ctx, func(ctx context.Context) error {
		c.prefs.ParticipantName = name
		c.savePreference(ctx, KeyParticipantName, name)
		return nil
	})
}

// SetPhotoDelay changes the pre-capture delay, in whole seconds
func (c *Controller) SetPhotoDelay(ctx context.Context, seconds int) error {
	if seconds < 0 || seconds > MaxPhotoDelaySeconds {
		return &ValidationError{Field: "photo_delay_seconds", Message: fmt.Sprintf("must be between 0 and %d", MaxPhotoDelaySeconds)}
	}
	return c.do(ctx, func(ctx context.Context) error {
		c.prefs.PhotoDelaySeconds = seconds
		c.photos.SetDelay(time.Duration(seconds) * time.Second)
		c.savePreference(ctx, KeyPhotoDelay, strconv.Itoa(seconds))
		return nil
	})
}

// SetStylize changes whether photos are stylized when the project is finalized
func (c *Controller) SetStylize(ctx context.Context, enabled bool) error {
	return c.do(ctx, func(ctx context.Context) error {
		c.prefs.StylizePhotos = enabled
		c.savePreference(ctx, KeyStylizePhotos, strconv.FormatBool(enabled))
		return nil
	})
}

// Preferences returns the current preferences
func (c *Controller) Preferences(ctx context.Context) (Preferences, error) {
	var prefs Preferences
	err := c.do(ctx, func(ctx context.Context) error {
		prefs = c.prefs
		return nil
	})
	return prefs, err
}

// Snapshot returns the current state
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func(ctx context.Context) error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// Close stops an active session best-effort and shuts the dispatcher down
func (c *Controller) Close(ctx context.Context) error {
	err := c.do(ctx, func(ctx context.Context) error {
		if c.status == StatusStopped {
			return nil
		}
		c.logger.Info("Stopping active session before shutdown", logger.String("project_id", c.projectID))
		return c.stop(ctx)
	})
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	c.timer.Stop()
	return err
}

func (c *Controller) constraints() capture.Constraints {
	constraints := c.config.Capture
	constraints.Facing = c.facing
	return constraints
}

func (c *Controller) releaseDevice() {
	if err := c.devices.Release(); err != nil {
		c.logger.Warn("Failed to release capture device", logger.Error(err))
	}
}

// reset returns every sub-component to its idle state
func (c *Controller) reset() {
	c.epoch.Add(1)
	c.timer.Stop()
	c.timer.SetLimit(0)
	c.guard.Clear()
	c.photos.Reset()
	c.status = StatusStopped
	c.projectID = ""
	c.projectName = ""
	c.record = Record{}
	c.exhaustNotified = false
}

func (c *Controller) finishRecord(ctx context.Context, outcome Outcome, resultURL string, cause error) {
	if c.history == nil || c.record.ProjectID == "" {
		return
	}

	ended := c.clock()
	r := c.record
	r.EndedAt = &ended
	r.Outcome = outcome
	r.ElapsedMs = c.timer.Elapsed().Milliseconds()
	r.Chunks = c.sentChunks.Load()
	r.Photos = len(c.photos.Photos())
	r.ResultURL = resultURL
	if cause != nil {
		r.Error = cause.Error()
	}

	if err := c.history.RecordFinish(context.WithoutCancel(ctx), r); err != nil {
		c.logger.Warn("Failed to record session end", logger.Error(err))
	}
}

func (c *Controller) snapshot() Snapshot {
	timeline := c.timer.Timeline()
	snap := Snapshot{
		Status:          c.status,
		ProjectID:       c.projectID,
		ProjectName:     c.projectName,
		ParticipantName: c.prefs.ParticipantName,
		ElapsedMs:       timeline.Elapsed.Milliseconds(),
		Elapsed:         timer.Format(timeline.Elapsed),
		PausedMs:        timeline.PausedAccumulated.Milliseconds(),
		Quota:           c.guard.State(),
		NextSequence:    c.streamer.NextSequence(),
		PendingChunks:   c.streamer.Pending(),
		Facing:          c.facing,
		PhotoPending:    c.photos.Pending(),
		Photos:          c.photos.Photos(),
		Preferences:     c.prefs,
		LastResultURL:   c.lastResultURL,
	}
	if remaining, ok := c.timer.Remaining(); ok && c.status != StatusStopped {
		ms := remaining.Milliseconds()
		snap.RemainingMs = &ms
	}
	return snap
}

func (c *Controller) emit(e Event) {
	e.Time = c.clock()
	if e.Snapshot == nil {
		snap := c.snapshot()
		e.Snapshot = &snap
	}
	c.notifier.Notify(e)
}

func (c *Controller) emitStatus() {
	c.emit(Event{Type: EventStatus})
}

func (c *Controller) warn(message string) {
	c.emit(Event{Type: EventWarning, Message: message})
}

// deviceError reports a capture failure with its human-readable cause
func (c *Controller) deviceError(err error, fallback string) {
	message := fallback
	var devErr *capture.DeviceError
	if errors.As(err, &devErr) {
		message = devErr.Message()
	}
	if message == "" {
		message = err.Error()
	}
	c.emit(Event{Type: EventDeviceError, Message: message})
}

func (c *Controller) loadPreferences(ctx context.Context) error {
	if c.prefsStore == nil {
		return nil
	}

	if name, ok, err := c.prefsStore.Get(ctx, KeyParticipantName); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	} else if ok {
		c.prefs.ParticipantName = name
	}

	if raw, ok, err := c.prefsStore.Get(ctx, KeyPhotoDelay); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	} else if ok {
		if seconds, convErr := strconv.Atoi(raw); convErr == nil {
			c.prefs.PhotoDelaySeconds = clampDelay(seconds)
		} else {
			c.logger.Warn("Ignoring invalid photo delay preference", logger.String("value", raw))
		}
	}

	if raw, ok, err := c.prefsStore.Get(ctx, KeyStylizePhotos); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	} else if ok {
		if enabled, convErr := strconv.ParseBool(raw); convErr == nil {
			c.prefs.StylizePhotos = enabled
		} else {
			c.logger.Warn("Ignoring invalid stylize preference", logger.String("value", raw))
		}
	}
	return nil
}

func (c *Controller) savePreference(ctx context.Context, key, value string) {
	if c.prefsStore == nil {
		return
	}
	if err := c.prefsStore.Set(context.WithoutCancel(ctx), key, value); err != nil {
		c.logger.Warn("Failed to save preference",
			logger.String("key", key),
			logger.Error(err))
	}
}

func clampDelay(seconds int) int {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxPhotoDelaySeconds {
		return MaxPhotoDelaySeconds
	}
	return seconds
}
