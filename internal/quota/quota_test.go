package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestInitAndRecordingLimit(t *testing.T) {
	g := NewGuard(nil)

	_, ok := g.RecordingLimit()
	assert.False(t, ok, "no grant means unlimited")

	g.Init(Grant{RemainingSeconds: intPtr(90), TotalSeconds: intPtr(600)})
	limit, ok := g.RecordingLimit()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, limit)
	assert.False(t, g.Exceeded())
	assert.NoError(t, g.CheckResume())
}

func TestMarkExhaustedTransitionsOnce(t *testing.T) {
	g := NewGuard(nil)
	g.Init(Grant{RemainingSeconds: intPtr(30)})

	assert.True(t, g.MarkExhausted(SourceChunk))
	assert.False(t, g.MarkExhausted(SourceTimer))
	assert.False(t, g.MarkExhausted(SourcePhoto))

	state := g.State()
	assert.True(t, state.Exceeded)
	assert.Equal(t, SourceChunk, state.ExceededSource)
	require.NotNil(t, state.RemainingRecordingSeconds)
	assert.Zero(t, *state.RemainingRecordingSeconds)
	assert.ErrorIs(t, g.CheckResume(), ErrExhausted)
}

func TestMarkExhaustedConcurrentSingleWinner(t *testing.T) {
	g := NewGuard(nil)

	var wg sync.WaitGroup
	wins := make(chan Source, 3)
	for _, src := range []Source{SourceTimer, SourceChunk, SourcePhoto} {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			if g.MarkExhausted(s) {
				wins <- s
			}
		}(src)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestExceededSurvivesUntilClear(t *testing.T) {
	g := NewGuard(nil)
	g.MarkExhausted(SourceTimer)

	// A later grant within the same session would be a bug; Init is only called on start
	assert.True(t, g.Exceeded())

	g.Clear()
	assert.False(t, g.Exceeded())
	assert.NoError(t, g.CheckResume())
}

func TestRetryIn(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(90 * time.Minute)

	g := NewGuard(nil)
	assert.Zero(t, g.RetryIn(now))

	g.Init(Grant{RemainingSeconds: intPtr(0), ResetAt: &reset})
	assert.Equal(t, 90*time.Minute, g.RetryIn(now))
	assert.Zero(t, g.RetryIn(reset.Add(time.Second)))

	later := reset.Add(time.Hour)
	g.SetResetAt(&later)
	assert.Equal(t, 150*time.Minute, g.RetryIn(now))
}

func TestIsExhaustionMessage(t *testing.T) {
	g := NewGuard(nil)

	assert.True(t, g.IsExhaustionMessage("Tiempo de grabación agotado"))
	assert.True(t, g.IsExhaustionMessage("error: tiempo de grabación agotado para este mes"))
	assert.True(t, g.IsExhaustionMessage("Recording time exhausted"))
	assert.False(t, g.IsExhaustionMessage("Proyecto no encontrado"))
	assert.False(t, g.IsExhaustionMessage(""))

	custom := NewGuard([]string{"  out of minutes "})
	assert.True(t, custom.IsExhaustionMessage("You are OUT OF MINUTES"))
	assert.False(t, custom.IsExhaustionMessage("Tiempo de grabación agotado"))
}

func TestPhotoQuota(t *testing.T) {
	g := NewGuard(nil)
	assert.NoError(t, g.CheckPhoto(), "unlimited photos by default")

	g.Init(Grant{PhotosRemaining: intPtr(2)})
	require.NoError(t, g.CheckPhoto())
	g.ConsumePhoto()
	require.NoError(t, g.CheckPhoto())
	g.ConsumePhoto()
	assert.ErrorIs(t, g.CheckPhoto(), ErrNoPhotosLeft)

	g.ConsumePhoto()
	assert.Zero(t, *g.State().PhotosRemaining)

	g.Init(Grant{})
	g.MarkExhausted(SourceTimer)
	assert.ErrorIs(t, g.CheckPhoto(), ErrExhausted)
}

func TestStateIsACopy(t *testing.T) {
	g := NewGuard(nil)
	g.Init(Grant{RemainingSeconds: intPtr(10)})

	s := g.State()
	*s.RemainingRecordingSeconds = 999

	limit, _ := g.RecordingLimit()
	assert.Equal(t, 10*time.Second, limit)
}
