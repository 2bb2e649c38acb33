package capture

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/yegors/hilo-recorder/internal/audio"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

const (
	syntheticWidth  = 320
	syntheticHeight = 240
)

// Synthetic is a Source producing a sine tone and a generated test card.
// It stands in for real hardware in the demo driver and in tests.
type Synthetic struct {
	logger    *logger.Logger
	toneHz    float64
	bufferDur time.Duration

	mu       sync.Mutex
	failNext *DeviceError
	open     int
	maxOpen  int
	opened   int
}

// SyntheticOption configures a Synthetic source
type SyntheticOption func(*Synthetic)

// WithTone sets the tone frequency
func WithTone(hz float64) SyntheticOption {
	return func(s *Synthetic) { s.toneHz = hz }
}

// WithBufferDuration sets how much audio each read yields
func WithBufferDuration(d time.Duration) SyntheticOption {
	return func(s *Synthetic) { s.bufferDur = d }
}

// NewSynthetic creates a synthetic source
func NewSynthetic(log *logger.Logger, opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		logger:    log.Named("synthetic"),
		toneHz:    440,
		bufferDur: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNextOpen makes the next Open fail with kind
func (s *Synthetic) FailNextOpen(kind ErrorKind) {
	s.mu.Lock()
	s.failNext = NewDeviceError(kind, false, nil)
	s.mu.Unlock()
}

// OpenDevices returns how many devices are currently open
func (s *Synthetic) OpenDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// MaxOpenDevices returns the highest number of simultaneously open devices
func (s *Synthetic) MaxOpenDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// Opened returns how many devices were opened in total
func (s *Synthetic) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Open implements Source
func (s *Synthetic) Open(ctx context.Context, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		s.mu.Unlock()
		return nil, err
	}
	s.open++
	s.opened++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	s.mu.Unlock()

	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Facing == "" {
		c.Facing = FacingUser
	}

	d := &syntheticDevice{
		source:      s,
		constraints: c,
		closed:      make(chan struct{}),
	}
	if c.Audio {
		reader := &toneReader{
			device:     d,
			sampleRate: c.SampleRate,
			channels:   c.Channels,
			toneHz:     s.toneHz,
			frames:     int(time.Duration(c.SampleRate) * s.bufferDur / time.Second),
			bufferDur:  s.bufferDur,
		}
		d.track = audio.NewPCMTrack(reader, c.SampleRate, c.Channels, s.logger)
	}

	s.logger.Debug("Synthetic device opened",
		logger.String("facing", string(c.Facing)),
		logger.Int("sample_rate", c.SampleRate))
	return d, nil
}

func (s *Synthetic) release() {
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
}

type syntheticDevice struct {
	source      *Synthetic
	constraints Constraints
	track       *audio.PCMTrack

	mu     sync.Mutex
	frame  int
	once   sync.Once
	closed chan struct{}
}

func (d *syntheticDevice) AudioTrack() (AudioTrack, error) {
	if d.track == nil {
		return nil, ErrNoAudio
	}
	return d.track, nil
}

// Kill simulates the microphone disappearing
func (d *syntheticDevice) Kill() {
	if d.track != nil {
		d.track.End()
	}
}

func (d *syntheticDevice) Frame(ctx context.Context) (image.Image, error) {
	if !d.constraints.Video {
		return nil, ErrNoVideo
	}
	select {
	case <-d.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.Lock()
	d.frame++
	n := d.frame
	d.mu.Unlock()

	return testCard(d.constraints.Facing, n), nil
}

func (d *syntheticDevice) Facing() Facing { return d.constraints.Facing }

func (d *syntheticDevice) Constraints() Constraints { return d.constraints }

func (d *syntheticDevice) Close() error {
	d.once.Do(func() {
		close(d.closed)
		if d.track != nil {
			d.track.End()
		}
		d.source.release()
	})
	return nil
}

// toneReader paces sine buffers against the wall clock
type toneReader struct {
	device     *syntheticDevice
	sampleRate int
	channels   int
	toneHz     float64
	frames     int
	bufferDur  time.Duration
	position   int64
}

func (r *toneReader) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-r.device.closed:
		return nil, audio.ErrTrackEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.bufferDur):
	}

	samples := make([]int16, r.frames*r.channels)
	for i := 0; i < r.frames; i++ {
		t := float64(r.position+int64(i)) / float64(r.sampleRate)
		v := int16(math.Sin(2*math.Pi*r.toneHz*t) * 8000)
		for ch := 0; ch < r.channels; ch++ {
			samples[i*r.channels+ch] = v
		}
	}
	r.position += int64(r.frames)
	return samples, nil
}

// testCard draws colour bars with a moving marker
func testCard(facing Facing, n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, syntheticWidth, syntheticHeight))

	bars := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255},
	}
	if facing == FacingEnvironment {
		for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
			bars[i], bars[j] = bars[j], bars[i]
		}
	}

	barWidth := syntheticWidth / len(bars)
	for x := 0; x < syntheticWidth; x++ {
		idx := x / barWidth
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		for y := 0; y < syntheticHeight; y++ {
			img.SetRGBA(x, y, bars[idx])
		}
	}

	marker := (n * 8) % syntheticWidth
	for x := marker; x < marker+8 && x < syntheticWidth; x++ {
		for y := syntheticHeight - 16; y < syntheticHeight; y++ {
			img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	return img
}
