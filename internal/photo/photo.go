package photo

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/hilo-recorder/internal/backend"
	"github.com/yegors/hilo-recorder/internal/quota"
	"github.com/yegors/hilo-recorder/pkg/logger"
)

var (
	// ErrCaptureBusy is returned when a delay or capture is already pending;
	// the new trigger is ignored
	ErrCaptureBusy  = errors.New("photo capture already pending")
	ErrNotRecording = errors.New("photos can only be taken while recording")
	// ErrStale means the session ended while the photo was in flight
	ErrStale = errors.New("photo belongs to a finished session")
)

const dataURLPrefix = "data:image/jpeg;base64,"

// Uploader sends a photo to the backend
type Uploader interface {
	UploadPhoto(ctx context.Context, req backend.PhotoRequest) (*backend.PhotoResponse, error)
}

// FrameSource yields the current video frame
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
}

// Photo is one uploaded still
type Photo struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	PositionMs int64     `json:"position_ms"`
	Preview    string    `json:"preview"`
	TakenAt    time.Time `json:"taken_at"`
}

// Shot describes what a capture needs from the running session
type Shot struct {
	ProjectID string
	Frames    FrameSource
	// Position returns the timeline position, or an error when the
	// session is not recording at the moment of capture
	Position func() (time.Duration, error)
}

// Config tunes the capturer
type Config struct {
	JPEGQuality int
	Delay       time.Duration
}

// Capturer takes photos one at a time
type Capturer struct {
	uploader Uploader
	guard    *quota.Guard
	logger   *logger.Logger
	quality  int
	now      func() time.Time

	mu         sync.Mutex
	delay      time.Duration
	busy       bool
	cancel     context.CancelFunc
	generation uint64
	photos     []Photo
}

// New creates a capturer
func New(uploader Uploader, guard *quota.Guard, config Config, log *logger.Logger) *Capturer {
	quality := config.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Capturer{
		uploader: uploader,
		guard:    guard,
		logger:   log.Named("photo"),
		quality:  quality,
		now:      time.Now,
		delay:    config.Delay,
	}
}

// SetDelay changes the pre-capture delay for later captures
func (c *Capturer) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

// Delay returns the configured pre-capture delay
func (c *Capturer) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Pending reports whether a delay or upload is in progress
func (c *Capturer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Capture waits out the delay, grabs a frame and uploads it. Triggers
// while a capture is pending return ErrCaptureBusy.
func (c *Capturer) Capture(ctx context.Context, shot Shot) (Photo, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Photo{}, ErrCaptureBusy
	}
	if err := c.guard.CheckPhoto(); err != nil {
		c.mu.Unlock()
		return Photo{}, err
	}
	c.busy = true
	gen := c.generation
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	delay := c.delay
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.generation == gen {
			c.busy = false
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Photo{}, ctx.Err()
		}
	}

	position, err := shot.Position()
	if err != nil {
		return Photo{}, fmt.Errorf("%w: %v", ErrNotRecording, err)
	}

	frame, err := shot.Frames.Frame(ctx)
	if err != nil {
		return Photo{}, fmt.Errorf("failed to grab frame: %w", err)
	}

	preview, err := EncodeDataURL(frame, c.quality)
	if err != nil {
		return Photo{}, err
	}

	photo := Photo{
		ID:         uuid.NewString(),
		ProjectID:  shot.ProjectID,
		PositionMs: position.Milliseconds(),
		Preview:    preview,
		TakenAt:    c.now(),
	}

	_, err = c.uploader.UploadPhoto(ctx, backend.PhotoRequest{
		ProjectID: photo.ProjectID,
		PhotoID:   photo.ID,
		TimeMs:    photo.PositionMs,
		DataURL:   photo.Preview,
	})
	if err != nil {
		if apiErr, ok := backend.AsAPIError(err); ok && c.guard.IsExhaustionMessage(apiErr.Message) {
			if c.stale(gen) {
				return Photo{}, ErrStale
			}
			if c.guard.MarkExhausted(quota.SourcePhoto) {
				c.logger.Warn("Photo upload rejected: recording time exhausted",
					logger.String("project_id", shot.ProjectID))
			}
			return Photo{}, fmt.Errorf("%w: %s", quota.ErrExhausted, apiErr.Message)
		}
		c.logger.Warn("Failed to upload photo",
			logger.String("photo_id", photo.ID),
			logger.Error(err))
		return Photo{}, fmt.Errorf("failed to upload photo: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return Photo{}, ErrStale
	}
	c.photos = append(c.photos, photo)
	c.guard.ConsumePhoto()

	c.logger.Info("Photo captured",
		logger.String("photo_id", photo.ID),
		logger.Int64("t_ms", photo.PositionMs))
	return photo, nil
}

func (c *Capturer) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != gen
}

// Cancel aborts a pending delay or upload
func (c *Capturer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Reset cancels any pending capture and forgets the photo list; results
// of captures started before the reset are ignored
func (c *Capturer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.busy = false
	c.photos = nil
}

// Photos returns the captured photos in capture order
func (c *Capturer) Photos() []Photo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Photo(nil), c.photos...)
}

// EncodeDataURL renders img as a base64 JPEG data URL
func EncodeDataURL(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURL is the inverse of EncodeDataURL
func DecodeDataURL(dataURL string) (image.Image, error) {
	if len(dataURL) < len(dataURLPrefix) || dataURL[:len(dataURLPrefix)] != dataURLPrefix {
		return nil, errors.New("not a jpeg data url")
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[len(dataURLPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode data url: %w", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode jpeg: %w", err)
	}
	return img, nil
}
