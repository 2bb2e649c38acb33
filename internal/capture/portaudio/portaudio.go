// Package portaudio provides a microphone capture source backed by PortAudio.
// Still frames are delegated to a separate frame source since PortAudio has
// no video support.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/yegors/hilo-recorder/internal/audio"
	"github.com/yegors/hilo-recorder/internal/capture"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

// Config tunes the input stream
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Source opens the default input device
type Source struct {
	config Config
	frames capture.Source
	logger *logger.Logger
}

// NewSource creates a PortAudio source. frames may be nil when no camera is
// available; devices then refuse video constraints.
func NewSource(config Config, frames capture.Source, log *logger.Logger) *Source {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 1024
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	return &Source{
		config: config,
		frames: frames,
		logger: log.Named("portaudio"),
	}
}

// Open implements capture.Source
func (s *Source) Open(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	if c.Video && s.frames == nil {
		return nil, capture.NewDeviceError(capture.KindOverconstrained, c.Audio, capture.ErrNoVideo)
	}

	var video capture.Device
	if c.Video {
		videoOnly := c
		videoOnly.Audio = false
		dev, err := s.frames.Open(ctx, videoOnly)
		if err != nil {
			return nil, err
		}
		video = dev
	}

	d := &device{constraints: c, video: video}
	if !c.Audio {
		return d, nil
	}

	sampleRate := s.config.SampleRate
	if c.SampleRate > 0 {
		sampleRate = c.SampleRate
	}
	channels := s.config.Channels
	if c.Channels > 0 {
		channels = c.Channels
	}

	if err := portaudio.Initialize(); err != nil {
		d.closeVideo()
		return nil, classify(err)
	}

	buffer := make([]int16, s.config.FramesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), s.config.FramesPerBuffer, buffer)
	if err != nil {
		portaudio.Terminate()
		d.closeVideo()
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		d.closeVideo()
		return nil, classify(err)
	}

	d.input = &inputReader{stream: stream, buffer: buffer, logger: s.logger}
	d.track = audio.NewPCMTrack(d.input, sampleRate, channels, s.logger)
	d.constraints.SampleRate = sampleRate
	d.constraints.Channels = channels

	s.logger.Info("Microphone opened",
		logger.Int("sample_rate", sampleRate),
		logger.Int("channels", channels),
		logger.Int("frames_per_buffer", s.config.FramesPerBuffer))

	return d, nil
}

// classify maps PortAudio errors to capture kinds
func classify(err error) error {
	switch {
	case errors.Is(err, portaudio.InvalidDevice):
		return capture.NewDeviceError(capture.KindNotFound, true, err)
	case errors.Is(err, portaudio.DeviceUnavailable):
		return capture.NewDeviceError(capture.KindBusy, true, err)
	case errors.Is(err, portaudio.InvalidSampleRate), errors.Is(err, portaudio.InvalidChannelCount):
		return capture.NewDeviceError(capture.KindOverconstrained, true, err)
	default:
		return capture.NewDeviceError(capture.KindUnavailable, true, err)
	}
}

type device struct {
	constraints capture.Constraints
	video       capture.Device
	input       *inputReader
	track       *audio.PCMTrack

	once sync.Once
}

func (d *device) AudioTrack() (capture.AudioTrack, error) {
	if d.track == nil {
		return nil, capture.ErrNoAudio
	}
	return d.track, nil
}

func (d *device) Frame(ctx context.Context) (image.Image, error) {
	if d.video == nil {
		return nil, capture.ErrNoVideo
	}
	return d.video.Frame(ctx)
}

func (d *device) Facing() capture.Facing {
	if d.video == nil {
		return d.constraints.Facing
	}
	return d.video.Facing()
}

func (d *device) Constraints() capture.Constraints { return d.constraints }

func (d *device) Close() error {
	var errs []error
	d.once.Do(func() {
		if d.track != nil {
			if err := d.track.End(); err != nil {
				errs = append(errs, err)
			}
		}
		if d.input != nil {
			if err := d.input.close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeVideo()
	})
	return errors.Join(errs...)
}

func (d *device) closeVideo() {
	if d.video != nil {
		d.video.Close()
	}
}

// inputReader adapts a blocking PortAudio stream to audio.Reader
type inputReader struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	closed bool
	logger *logger.Logger
}

func (r *inputReader) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, audio.ErrTrackEnded
	}

	if err := r.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			// Samples were lost while nobody was reading; the buffer is still valid
			r.logger.Debug("Input overflowed")
		} else {
			return nil, fmt.Errorf("failed to read input stream: %w", err)
		}
	}

	out := make([]int16, len(r.buffer))
	copy(out, r.buffer)
	return out, nil
}

func (r *inputReader) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
	}
	if err := r.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate portaudio: %w", err))
	}
	return errors.Join(errs...)
}
