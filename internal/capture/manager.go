package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yegors/hilo-recorder/pkg/logger"
)

// Manager owns at most one open device at a time
type Manager struct {
	source Source
	logger *logger.Logger

	mu          sync.Mutex
	device      Device
	constraints Constraints
}

// NewManager creates a device manager over source
func NewManager(source Source, log *logger.Logger) *Manager {
	return &Manager{
		source: source,
		logger: log.Named("capture"),
	}
}

// Acquire returns the current device when it is live and satisfies c,
// otherwise replaces it with a freshly opened one
func (m *Manager) Acquire(ctx context.Context, c Constraints) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && satisfies(m.device, c) {
		return m.device, nil
	}

	if m.device != nil {
		m.logger.Debug("Replacing capture device")
		m.closeLocked()
	}

	device, err := m.source.Open(ctx, c)
	if err != nil {
		return nil, classify(err, c.Audio)
	}

	m.device = device
	m.constraints = c
	m.logger.Info("Capture device acquired",
		logger.Bool("audio", c.Audio),
		logger.Bool("video", c.Video),
		logger.String("facing", string(device.Facing())))

	return device, nil
}

// Current returns the open device, if any
func (m *Manager) Current() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// Release closes the open device
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

// Switch closes the device and reopens it with the other camera. The old
// device is closed before the new one is opened. When the other camera
// cannot be opened the previous facing is restored if possible.
func (m *Manager) Switch(ctx context.Context) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.constraints
	if m.device != nil {
		previous.Facing = m.device.Facing()
	}
	if previous.Facing == "" {
		previous.Facing = FacingUser
	}

	next := previous
	next.Facing = previous.Facing.Opposite()

	m.closeLocked()

	device, err := m.source.Open(ctx, next)
	if err == nil {
		m.device = device
		m.constraints = next
		m.logger.Info("Switched camera", logger.String("facing", string(next.Facing)))
		return device, nil
	}

	switchErr := classify(err, next.Audio)
	m.logger.Warn("Failed to switch camera", logger.Error(err))

	restored, restoreErr := m.source.Open(ctx, previous)
	if restoreErr != nil {
		return nil, errors.Join(switchErr, fmt.Errorf("failed to restore camera: %w", restoreErr))
	}
	m.device = restored
	m.constraints = previous
	return restored, switchErr
}

func (m *Manager) closeLocked() error {
	if m.device == nil {
		return nil
	}
	err := m.device.Close()
	m.device = nil
	if err != nil {
		return fmt.Errorf("failed to close capture device: %w", err)
	}
	return nil
}

// classify makes sure every open failure surfaces as a DeviceError
func classify(err error, needsAudio bool) error {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		devErr.NeedsAudio = devErr.NeedsAudio || needsAudio
		return devErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewDeviceError(KindUnavailable, needsAudio, err)
}
