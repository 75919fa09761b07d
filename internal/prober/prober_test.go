package prober

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTarget publishes a scripted sequence of states after Mount.
type fakeTarget struct {
	states   []models.SessionState
	mountErr error

	mu     sync.Mutex
	ch     chan session.Snapshot
	ran    atomic.Bool
	mounts []string
}

func newFakeTarget(states ...models.SessionState) *fakeTarget {
	return &fakeTarget{states: states, ch: make(chan session.Snapshot, 16)}
}

func (f *fakeTarget) Run(ctx context.Context) error {
	f.ran.Store(true)
	<-ctx.Done()
	return nil
}

func (f *fakeTarget) Mount(_ context.Context, src models.PlaybackSource) error {
	f.mu.Lock()
	f.mounts = append(f.mounts, src.URL)
	f.mu.Unlock()
	if f.mountErr != nil {
		return f.mountErr
	}
	for _, st := range f.states {
		snap := session.Snapshot{
			SessionID: "probe-1",
			State:     st,
			Backend:   backend.FamilySegmented,
			Qualities: []models.QualityLevel{{Index: 0}, {Index: 1}},
			Live:      true,
		}
		if st == models.StateFailed {
			snap.Error = "stream unavailable: retry budget exhausted"
			snap.ErrorClass = models.ClassRetryBudgetExhausted.String()
		}
		f.ch <- snap
	}
	return nil
}

func (f *fakeTarget) Subscribe() (<-chan session.Snapshot, func()) {
	f.ch <- session.Snapshot{State: models.StateIdle}
	return f.ch, func() {}
}

func src(url string) models.PlaybackSource {
	return models.PlaybackSource{Name: "Main", URL: url}
}

func TestProbe_Playing(t *testing.T) {
	target := newFakeTarget(models.StateLoading, models.StatePlaying)
	p := New(Config{NewTarget: func() (Target, error) { return target, nil }})

	res := p.Probe(context.Background(), src("https://cdn.example/live.m3u8"))
	assert.True(t, res.OK())
	assert.Equal(t, OutcomePlaying, res.Outcome)
	assert.Equal(t, models.StatePlaying, res.State)
	assert.Equal(t, "segmented", res.Backend)
	assert.Equal(t, 2, res.Qualities)
	assert.True(t, res.Live)
	assert.True(t, target.ran.Load())
}

func TestProbe_Failed(t *testing.T) {
	target := newFakeTarget(models.StateLoading, models.StateRecovering, models.StateFailed)
	p := New(Config{NewTarget: func() (Target, error) { return target, nil }})

	res := p.Probe(context.Background(), src("https://cdn.example/dead.m3u8"))
	assert.False(t, res.OK())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "retry-budget-exhausted", res.ErrorClass)
	assert.Contains(t, res.Error, "retry budget exhausted")
}

func TestProbe_Timeout(t *testing.T) {
	target := newFakeTarget(models.StateLoading)
	p := New(Config{Window: 50 * time.Millisecond, NewTarget: func() (Target, error) { return target, nil }})

	res := p.Probe(context.Background(), src("https://cdn.example/slow.m3u8"))
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, models.StateLoading, res.State)
	assert.GreaterOrEqual(t, res.Elapsed, 50*time.Millisecond)
}

func TestProbe_MountAndBuildErrors(t *testing.T) {
	target := newFakeTarget()
	target.mountErr = errors.New("no playback backend for source")
	p := New(Config{NewTarget: func() (Target, error) { return target, nil }})
	res := p.Probe(context.Background(), src("https://cdn.example/play/42"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "no playback backend")

	p = New(Config{NewTarget: func() (Target, error) { return nil, errors.New("bad autoplay") }})
	res = p.Probe(context.Background(), src("https://cdn.example/live.m3u8"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "building player")
}

func TestRunOnce_ProbesEverySourceAndKeepsResults(t *testing.T) {
	var built atomic.Int32
	p := New(Config{
		Sources: func() ([]models.PlaybackSource, error) {
			return []models.PlaybackSource{src("https://a.example/1.m3u8"), src("https://a.example/2.mpd")}, nil
		},
		NewTarget: func() (Target, error) {
			built.Add(1)
			return newFakeTarget(models.StatePlaying), nil
		},
	})

	results, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(2), built.Load())
	assert.Equal(t, "https://a.example/2.mpd", results[1].Source.URL)
	assert.Equal(t, results, p.Results())

	p = New(Config{Sources: func() ([]models.PlaybackSource, error) { return nil, errors.New("file missing") }})
	_, err = p.RunOnce(context.Background())
	assert.ErrorContains(t, err, "listing sources")
}

func TestStart_RunsOnSchedule(t *testing.T) {
	var runs atomic.Int32
	p := New(Config{
		Schedule: "* * * * * *",
		Sources: func() ([]models.PlaybackSource, error) {
			runs.Add(1)
			return []models.PlaybackSource{src("https://a.example/1.m3u8")}, nil
		},
		NewTarget: func() (Target, error) { return newFakeTarget(models.StatePlaying), nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	p.Stop()
	require.Eventually(t, func() bool { return len(p.Results()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	p := New(Config{Schedule: "every minute"})
	err := p.Start(context.Background())
	assert.ErrorContains(t, err, "invalid probe schedule")
}
