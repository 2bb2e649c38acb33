package capture

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/yegors/hilo-recorder/internal/audio"
)

// Facing selects the front or rear camera
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints describe what a device must provide
type Constraints struct {
	Audio      bool
	Video      bool
	Facing     Facing
	SampleRate int
	Channels   int
}

// EncodedChunk is the audio produced between two flush boundaries
type EncodedChunk = audio.Chunk

// ErrTrackEnded marks a dead audio track
var ErrTrackEnded = audio.ErrTrackEnded

var (
	ErrNoAudio = errors.New("device has no audio track")
	ErrNoVideo = errors.New("device has no video track")
	ErrClosed  = errors.New("device closed")
)

// AudioTrack is a live microphone feed with a continuous encoder
type AudioTrack interface {
	Live() bool
	// Start begins an encoding session; audio before it is not kept
	Start(ctx context.Context) error
	// Flush returns audio encoded since the previous boundary
	Flush(ctx context.Context) (EncodedChunk, error)
	// Stop suspends encoding while keeping the device
	Stop() error
}

// Device is an acquired capture handle
type Device interface {
	AudioTrack() (AudioTrack, error)
	Frame(ctx context.Context) (image.Image, error)
	Facing() Facing
	Constraints() Constraints
	Close() error
}

// Source opens capture devices
type Source interface {
	Open(ctx context.Context, c Constraints) (Device, error)
}

// ErrorKind classifies device acquisition failures
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotFound         ErrorKind = "not_found"
	KindBusy             ErrorKind = "busy"
	KindOverconstrained  ErrorKind = "overconstrained"
	KindUnavailable      ErrorKind = "unavailable"
)

// DeviceError is a classified acquisition failure
type DeviceError struct {
	Kind       ErrorKind
	NeedsAudio bool
	Err        error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture device %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("capture device %s", e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Message returns the user-facing cause
func (e *DeviceError) Message() string {
	label := "cámara"
	if e.NeedsAudio {
		label = "cámara o micrófono"
	}

	switch e.Kind {
	case KindPermissionDenied:
		return fmt.Sprintf("Permiso de %s denegado. Revisa los permisos del sistema.", label)
	case KindNotFound:
		return fmt.Sprintf("No se encontró %s disponible.", label)
	case KindBusy:
		return fmt.Sprintf("La %s está en uso por otra aplicación.", label)
	case KindOverconstrained:
		return "La cámara no cumple los requisitos solicitados."
	default:
		return fmt.Sprintf("Error al iniciar la %s.", label)
	}
}

// NewDeviceError wraps err with a kind
func NewDeviceError(kind ErrorKind, needsAudio bool, err error) *DeviceError {
	return &DeviceError{Kind: kind, NeedsAudio: needsAudio, Err: err}
}

// satisfies reports whether an open device covers the requested constraints
func satisfies(d Device, c Constraints) bool {
	have := d.Constraints()
	if c.Audio && !have.Audio {
		return false
	}
	if c.Video && !have.Video {
		return false
	}
	if c.Video && c.Facing != "" && d.Facing() != c.Facing {
		return false
	}
	if c.Audio {
		track, err := d.AudioTrack()
		if err != nil || !track.Live() {
			return false
		}
	}
	return true
}
