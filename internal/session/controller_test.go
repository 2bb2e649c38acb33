package session

import (
	"context"
	"errors"
	"image"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/internal/photo"
	"github.com/yegors/hilo-recorder/internal/quota"
	"github.com/yegors/hilo-recorder/internal/streamer"
	"github.com/yegors/hilo-recorder/internal/transport"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeTrack struct {
	mu     sync.Mutex
	dead   bool
	script []capture.EncodedChunk
}

func (f *fakeTrack) feed(n int, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.script = append(f.script, capture.EncodedChunk{Payload: make([]byte, 2048), Duration: d})
	}
}

func (f *fakeTrack) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *fakeTrack) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeTrack) Start(ctx context.Context) error {
	if !f.Live() {
		return capture.ErrTrackEnded
	}
	return nil
}

func (f *fakeTrack) Flush(ctx context.Context) (capture.EncodedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return capture.EncodedChunk{}, capture.ErrTrackEnded
	}
	if len(f.script) == 0 {
		return capture.EncodedChunk{}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next, nil
}

func (f *fakeTrack) Stop() error { return nil }

type fakeDevice struct {
	track  *fakeTrack
	facing capture.Facing
	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) AudioTrack() (capture.AudioTrack, error) { return d.track, nil }

func (d *fakeDevice) Frame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, capture.ErrClosed
	}
	return image.NewRGBA(image.Rect(0, 0, 16, 16)), nil
}

func (d *fakeDevice) Facing() capture.Facing { return d.facing }

func (d *fakeDevice) Constraints() capture.Constraints {
	return capture.Constraints{Audio: true, Video: true, Facing: d.facing}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.track.kill()
	return nil
}

type fakeDevices struct {
	mu         sync.Mutex
	current    *fakeDevice
	opened     int
	released   int
	acquireErr error
}

func (f *fakeDevices) open(facing capture.Facing) *fakeDevice {
	f.opened++
	f.current = &fakeDevice{track: &fakeTrack{}, facing: facing}
	return f.current
}

func (f *fakeDevices) Acquire(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if f.current != nil && f.current.track.Live() {
		return f.current, nil
	}
	if f.current != nil {
		f.current.Close()
	}
	return f.open(c.Facing), nil
}

func (f *fakeDevices) Current() capture.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	return f.current
}

func (f *fakeDevices) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.current.Close()
		f.current = nil
		f.released++
	}
	return nil
}

func (f *fakeDevices) Switch(ctx context.Context) (capture.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	facing := capture.FacingUser
	if f.current != nil {
		facing = f.current.facing
		f.current.Close()
	}
	return f.open(facing.Opposite()), nil
}

func (f *fakeDevices) track() *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	return f.current.track
}

func (f *fakeDevices) counts() (opened, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.released
}

type fakeBackend struct {
	mu         sync.Mutex
	startResp  *backend.StartResponse
	startErr   error
	stopErr    error
	discardErr error
	photoErr   error
	starts     []backend.StartRequest
	stops      []backend.StopRequest
	discards   []string
	photos     []backend.PhotoRequest
	// stopHook runs before Stop is recorded
	stopHook func(ctx context.Context)
}

func intPtr(v int) *int { return &v }

func newFakeBackend() *fakeBackend {
	return &fakeBackend{startResp: &backend.StartResponse{
		OK:                        true,
		ProjectID:                 "p1",
		RecordingRemainingSeconds: intPtr(3600),
		RecordingTotalSeconds:     intPtr(7200),
	}}
}

func (f *fakeBackend) Start(ctx context.Context, req backend.StartRequest) (*backend.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	resp := *f.startResp
	return &resp, nil
}

func (f *fakeBackend) Stop(ctx context.Context, req backend.StopRequest) (*backend.StopResponse, error) {
	if f.stopHook != nil {
		f.stopHook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &backend.StopResponse{OK: true, ProjectID: req.ProjectID, ResultURL: "/p/" + req.ProjectID}, nil
}

func (f *fakeBackend) Discard(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards = append(f.discards, projectID)
	return f.discardErr
}

func (f *fakeBackend) UploadPhoto(ctx context.Context, req backend.PhotoRequest) (*backend.PhotoResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, req)
	if f.photoErr != nil {
		return nil, f.photoErr
	}
	return &backend.PhotoResponse{OK: true, PhotoID: req.PhotoID, TimeMs: req.TimeMs}, nil
}

func (f *fakeBackend) calls() (starts, stops, discards, photos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.stops), len(f.discards), len(f.photos)
}

type memoryPrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryPrefs) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryPrefs) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type memoryHistory struct {
	mu       sync.Mutex
	started  []Record
	finished []Record
}

func (m *memoryHistory) RecordStart(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, r)
	return nil
}

func (m *memoryHistory) RecordFinish(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, r)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) last(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	c       *Controller
	backend *fakeBackend
	devices *fakeDevices
	channel *transport.MemoryChannel
	clock   *fakeClock
	events  *eventLog
	prefs   *memoryPrefs
	history *memoryHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		devices: &fakeDevices{},
		channel: transport.NewMemoryChannel(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		events:  &eventLog{},
		prefs:   &memoryPrefs{values: map[string]string{}},
		history: &memoryHistory{},
	}

	config := Config{
		Streamer:         streamer.Config{ChunkDuration: 5 * time.Second, MinChunkBytes: 500, QueueSize: 8, DrainTimeout: time.Second},
		Clock:            h.clock.Now,
		ManualBoundaries: true,
		Capture:          capture.Constraints{Audio: true, Video: true, Facing: capture.FacingUser},
	}
	c, err := New(context.Background(), config, Deps{
		Backend:     h.backend,
		Devices:     h.devices,
		Channel:     h.channel,
		Preferences: h.prefs,
		History:     h.history,
		Notifier:    h.events,
	}, logger.NewNop())
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { c.Close(context.Background()) })
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.c.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (h *harness) chunk(t *testing.T, d time.Duration) {
	t.Helper()
	h.devices.track().feed(1, d)
	h.clock.Advance(d)
	require.NoError(t, h.c.streamer.Boundary(context.Background()))
}

func TestStartRequiresBothNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var verr *ValidationError
	err := h.c.Start(ctx, "Taller", "  ")
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Ingresa un nombre primero", verr.Message)

	err = h.c.Start(ctx, "", "Ana")
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "project_name", verr.Field)

	starts, _, _, _ := h.backend.calls()
	assert.Zero(t, starts)
	opened, _ := h.devices.counts()
	assert.Zero(t, opened)
	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
}

func TestStartRecordStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.c.SetStylize(ctx, true))

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	snap := h.snapshot(t)
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Equal(t, "p1", snap.ProjectID)
	require.NotNil(t, snap.RemainingMs)
	assert.Equal(t, int64(3600000), *snap.RemainingMs)

	for i := 0; i < 3; i++ {
		h.chunk(t, 5*time.Second)
	}
	require.NoError(t, h.c.Stop(ctx))

	frames := h.channel.Frames()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, int64(i), f.Sequence)
		assert.Equal(t, int64(i*5000), f.StartMs)
		assert.Equal(t, int64(5000), f.DurationMs)
	}
	assert.Equal(t, 1, h.channel.Completes())

	h.backend.mu.Lock()
	require.Len(t, h.backend.stops, 1)
	assert.Equal(t, backend.StopRequest{ProjectID: "p1", ParticipantName: "Ana", ProjectName: "Taller", StylizePhotos: true}, h.backend.stops[0])
	h.backend.mu.Unlock()

	_, released := h.devices.counts()
	assert.Equal(t, 1, released)

	snap = h.snapshot(t)
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Empty(t, snap.ProjectID)
	assert.Equal(t, "/p/p1", snap.LastResultURL)

	stopped, ok := h.events.last(EventStopped)
	require.True(t, ok)
	assert.Equal(t, "/p/p1", stopped.ResultURL)

	h.history.mu.Lock()
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, OutcomeStopped, h.history.finished[0].Outcome)
	assert.Equal(t, int64(3), h.history.finished[0].Chunks)
	h.history.mu.Unlock()

	assert.Equal(t, "Ana", h.prefs.values[KeyParticipantName])
}

func TestPauseFreezesElapsedAndResumeContinuesSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.chunk(t, 5*time.Second)
	h.clock.Advance(2 * time.Second)

	require.NoError(t, h.c.Pause(ctx))
	snap := h.snapshot(t)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.Equal(t, int64(7000), snap.ElapsedMs)
	assert.True(t, h.channel.IsOpen())

	h.clock.Advance(20 * time.Second)
	assert.Equal(t, int64(7000), h.snapshot(t).ElapsedMs)

	require.NoError(t, h.c.Resume(ctx))
	snap = h.snapshot(t)
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Equal(t, int64(7000), snap.ElapsedMs)
	assert.Equal(t, int64(20000), snap.PausedMs)

	h.chunk(t, 5*time.Second)
	require.NoError(t, h.c.Stop(ctx))

	frames := h.channel.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1), frames[1].Sequence)
	assert.Equal(t, int64(5000), frames[1].StartMs)
	assert.Len(t, h.channel.Inits(), 1)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.c.Pause(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Resume(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Stop(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Discard(ctx), ErrInvalidTransition)

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	assert.ErrorIs(t, h.c.Start(ctx, "Taller", "Ana"), ErrInvalidTransition)
	assert.ErrorIs(t, h.c.Resume(ctx), ErrInvalidTransition)
}

func TestStopWhilePausedFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.chunk(t, 5*time.Second)
	require.NoError(t, h.c.Pause(ctx))
	require.NoError(t, h.c.Stop(ctx))

	assert.Len(t, h.channel.Frames(), 1)
	assert.Equal(t, 1, h.channel.Completes())
	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
}

func TestDiscardDeletesInsteadOfStopping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.chunk(t, 5*time.Second)
	h.devices.track().feed(1, 3*time.Second)

	require.NoError(t, h.c.Discard(ctx))

	_, stops, discards, _ := h.backend.calls()
	assert.Zero(t, stops)
	assert.Equal(t, 1, discards)
	assert.Zero(t, h.channel.Completes())
	assert.Len(t, h.channel.Frames(), 1, "the in-flight chunk is dropped")
	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
	assert.Equal(t, 1, h.events.count(EventDiscarded))

	h.history.mu.Lock()
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, OutcomeDiscarded, h.history.finished[0].Outcome)
	h.history.mu.Unlock()
}

func TestChunkExhaustionForcesPauseAndBlocksResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.channel.Reply = func(f transport.Frame) *transport.ServerMessage {
		if f.Sequence == 1 {
			return &transport.ServerMessage{Type: transport.TypeError, Error: "Tiempo de grabación agotado"}
		}
		return nil
	}

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.chunk(t, 5*time.Second)
	h.chunk(t, 5*time.Second)

	require.Eventually(t, func() bool { return h.snapshot(t).Status == StatusPaused }, 2*time.Second, 10*time.Millisecond)

	snap := h.snapshot(t)
	assert.True(t, snap.Quota.Exceeded)
	assert.Equal(t, quota.SourceChunk, snap.Quota.ExceededSource)
	assert.Equal(t, 1, h.events.count(EventQuotaReached))

	assert.ErrorIs(t, h.c.Resume(ctx), quota.ErrExhausted)
	assert.Equal(t, StatusPaused, h.snapshot(t).Status)

	// save what was recorded
	require.NoError(t, h.c.Stop(ctx))
	_, stops, _, _ := h.backend.calls()
	assert.Equal(t, 1, stops)
}

func TestTimerCeilingForcesPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.startResp.RecordingRemainingSeconds = intPtr(10)

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	for i := 0; i < 21; i++ {
		h.clock.Advance(500 * time.Millisecond)
		h.c.timer.Tick()
	}

	require.Eventually(t, func() bool { return h.snapshot(t).Status == StatusPaused }, 2*time.Second, 10*time.Millisecond)
	snap := h.snapshot(t)
	assert.Equal(t, quota.SourceTimer, snap.Quota.ExceededSource)
	require.NotNil(t, snap.RemainingMs)
	assert.Zero(t, *snap.RemainingMs)
	assert.Equal(t, 1, h.events.count(EventQuotaReached))
	assert.ErrorIs(t, h.c.Resume(ctx), quota.ErrExhausted)
}

func TestNoQuotaAtStart(t *testing.T) {
	h := newHarness(t)
	resetAt := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	h.backend.startErr = &backend.NoQuotaError{Message: "No tienes minutos disponibles", ResetAt: &resetAt}

	err := h.c.Start(context.Background(), "Taller", "Ana")
	var noQuota *backend.NoQuotaError
	require.True(t, errors.As(err, &noQuota))

	snap := h.snapshot(t)
	assert.Equal(t, StatusStopped, snap.Status)
	require.NotNil(t, snap.Quota.ResetAt)
	assert.True(t, resetAt.Equal(*snap.Quota.ResetAt))

	_, released := h.devices.counts()
	assert.Equal(t, 1, released)

	e, ok := h.events.last(EventNoQuota)
	require.True(t, ok)
	assert.Equal(t, "No tienes minutos disponibles", e.Message)
	assert.Empty(t, h.channel.Inits())
}

func TestStartFailureReleasesDevice(t *testing.T) {
	h := newHarness(t)
	h.backend.startErr = &backend.APIError{Status: http.StatusInternalServerError, Message: "boom"}

	err := h.c.Start(context.Background(), "Taller", "Ana")
	_, isAPI := backend.AsAPIError(err)
	assert.True(t, isAPI)
	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
	_, released := h.devices.counts()
	assert.Equal(t, 1, released)
}

func TestDeviceErrorAtStart(t *testing.T) {
	h := newHarness(t)
	h.devices.acquireErr = capture.NewDeviceError(capture.KindPermissionDenied, true, errors.New("denied"))

	err := h.c.Start(context.Background(), "Taller", "Ana")
	var devErr *capture.DeviceError
	require.True(t, errors.As(err, &devErr))

	starts, _, _, _ := h.backend.calls()
	assert.Zero(t, starts)
	e, ok := h.events.last(EventDeviceError)
	require.True(t, ok)
	assert.Contains(t, e.Message, "Permiso de cámara o micrófono denegado")
}

func TestStopRemoteFailureStillCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.stopErr = &backend.APIError{Status: http.StatusBadGateway, Message: "gateway"}

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	err := h.c.Stop(ctx)
	require.Error(t, err)

	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
	_, released := h.devices.counts()
	assert.Equal(t, 1, released)
	assert.False(t, h.channel.IsOpen())

	h.history.mu.Lock()
	require.Len(t, h.history.finished, 1)
	assert.Equal(t, OutcomeFailed, h.history.finished[0].Outcome)
	h.history.mu.Unlock()

	// a new session can start right away
	require.NoError(t, h.c.Start(ctx, "Taller 2", "Ana"))
}

func TestStopOutlivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start(context.Background(), "Taller", "Ana"))
	h.chunk(t, 5*time.Second)
	h.devices.track().feed(1, 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stopCtxErr error
	h.backend.stopHook = func(stopCtx context.Context) {
		// The client hangs up mid-request
		cancel()
		stopCtxErr = stopCtx.Err()
	}

	// The caller may see its own cancellation; the stop still completes
	_ = h.c.Stop(ctx)

	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
	assert.NoError(t, stopCtxErr)
	_, stops, _, _ := h.backend.calls()
	assert.Equal(t, 1, stops)
	assert.Len(t, h.channel.Frames(), 2)
	assert.Equal(t, 1, h.channel.Completes())
	assert.Equal(t, "/p/p1", h.snapshot(t).LastResultURL)
}

func TestDiscardRemoteFailureStillCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.discardErr = errors.New("network down")

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	require.Error(t, h.c.Discard(ctx))
	assert.Equal(t, StatusStopped, h.snapshot(t).Status)
}

func TestPhotoOnlyWhileRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.c.CapturePhoto(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.clock.Advance(4200 * time.Millisecond)

	p, err := h.c.CapturePhoto(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), p.PositionMs)
	require.Eventually(t, func() bool { return h.events.count(EventPhoto) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.snapshot(t).Photos, 1)

	require.NoError(t, h.c.Pause(ctx))
	_, err = h.c.CapturePhoto(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, _, photos := h.backend.calls()
	assert.Equal(t, 1, photos)
}

func TestPhotoExhaustionForcesPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.photoErr = &backend.APIError{Status: http.StatusForbidden, Message: "Tiempo de grabación agotado"}

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	_, err := h.c.CapturePhoto(ctx)
	assert.ErrorIs(t, err, quota.ErrExhausted)

	require.Eventually(t, func() bool { return h.snapshot(t).Status == StatusPaused }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, quota.SourcePhoto, h.snapshot(t).Quota.ExceededSource)
	assert.Equal(t, 1, h.events.count(EventQuotaReached))
	assert.ErrorIs(t, h.c.Resume(ctx), quota.ErrExhausted)
}

func TestDeadTrackPausesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.devices.track().kill()
	assert.Error(t, h.c.streamer.Boundary(ctx))

	require.Eventually(t, func() bool { return h.snapshot(t).Status == StatusPaused }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.events.count(EventDeviceError))

	// resuming reopens the device
	require.NoError(t, h.c.Resume(ctx))
	opened, _ := h.devices.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, StatusRecording, h.snapshot(t).Status)
}

func TestSwitchCameraWhileRecordingKeepsOneProducer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	h.chunk(t, 5*time.Second)

	require.NoError(t, h.c.SwitchCamera(ctx))
	snap := h.snapshot(t)
	assert.Equal(t, StatusRecording, snap.Status)
	assert.Equal(t, capture.FacingEnvironment, snap.Facing)
	assert.True(t, h.c.streamer.Running())

	h.chunk(t, 5*time.Second)
	require.NoError(t, h.c.Stop(ctx))

	frames := h.channel.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1), frames[1].Sequence)
	assert.Equal(t, int64(5000), frames[1].StartMs)
}

func TestPreferencesLoadedAndSaved(t *testing.T) {
	prefs := &memoryPrefs{values: map[string]string{
		KeyParticipantName: "Luz",
		KeyPhotoDelay:      "3",
		KeyStylizePhotos:   "true",
	}}
	c, err := New(context.Background(), Config{ManualBoundaries: true}, Deps{
		Backend:     newFakeBackend(),
		Devices:     &fakeDevices{},
		Channel:     transport.NewMemoryChannel(),
		Preferences: prefs,
	}, logger.NewNop())
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	got, err := c.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, Preferences{ParticipantName: "Luz", PhotoDelaySeconds: 3, StylizePhotos: true}, got)
	assert.Equal(t, 3*time.Second, c.photos.Delay())

	require.NoError(t, c.SetPhotoDelay(ctx, 5))
	require.NoError(t, c.SetParticipantName(ctx, " Mar "))
	require.NoError(t, c.SetStylize(ctx, false))
	assert.Equal(t, "5", prefs.values[KeyPhotoDelay])
	assert.Equal(t, "Mar", prefs.values[KeyParticipantName])
	assert.Equal(t, "false", prefs.values[KeyStylizePhotos])

	var verr *ValidationError
	assert.True(t, errors.As(c.SetPhotoDelay(ctx, 11), &verr))
	assert.True(t, errors.As(c.SetParticipantName(ctx, ""), &verr))
}

func TestCloseStopsActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.c.Start(ctx, "Taller", "Ana"))
	require.NoError(t, h.c.Close(ctx))

	_, stops, _, _ := h.backend.calls()
	assert.Equal(t, 1, stops)
	assert.ErrorIs(t, h.c.Pause(ctx), ErrClosed)
}

var _ photo.Uploader = (*fakeBackend)(nil)
