// Package health watches a media sink for silent stalls and slow loads.
package health

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/playarr/internal/loop"
)

// Reason identifies why a stall was raised.
type Reason string

// Stall reasons.
const (
	ReasonSilentStall Reason = "silent-stall"
	ReasonLoadTimeout Reason = "load-timeout"
)

// Defaults.
const (
	DefaultInterval    = 1500 * time.Millisecond
	DefaultThreshold   = 2
	DefaultLoadTimeout = 10 * time.Second
)

// Sampler is the part of the media sink the monitor reads.
type Sampler interface {
	CurrentTime() time.Duration
	HasRenderedFrame() bool
}

// Timers schedules tracked timers. *loop.Disposer satisfies it.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) loop.Timer
	Every(d time.Duration, fn func()) loop.Timer
}

// Config configures a Monitor.
type Config struct {
	Interval    time.Duration
	Threshold   int
	LoadTimeout time.Duration
	Logger      *slog.Logger

	// OnStall receives STALL observations.
	OnStall func(Reason)
	// OnAdvance receives the new position whenever a sample sees progress.
	OnAdvance func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Monitor samples playback progress on the session loop. All methods must be
// called from that loop.
type Monitor struct {
	config Config
	sink   Sampler
	timers Timers
	logger *slog.Logger

	sampler   loop.Timer
	loadTimer loop.Timer

	lastObserved time.Duration
	noAdvance    int
	paused       bool
	disposed     bool
}

// New creates a stopped monitor.
func New(config Config, sink Sampler, timers Timers) *Monitor {
	config = config.withDefaults()
	return &Monitor{
		config: config,
		sink:   sink,
		timers: timers,
		logger: config.Logger.With(slog.String("component", "health_monitor")),
	}
}

// Interval returns the sampling interval.
func (m *Monitor) Interval() time.Duration {
	return m.config.Interval
}

// Start begins periodic sampling. Calling it again is a no-op.
func (m *Monitor) Start() {
	if m.disposed || m.sampler != nil {
		return
	}
	m.lastObserved = m.sink.CurrentTime()
	m.sampler = m.timers.Every(m.config.Interval, m.sample)
}

// ArmLoadTimeout (re)starts the first-frame deadline.
func (m *Monitor) ArmLoadTimeout() {
	if m.disposed {
		return
	}
	if m.loadTimer != nil {
		m.loadTimer.Stop()
	}
	m.loadTimer = m.timers.AfterFunc(m.config.LoadTimeout, func() {
		m.loadTimer = nil
		if m.disposed || m.sink.HasRenderedFrame() {
			return
		}
		m.logger.Warn("no frame rendered before load timeout",
			slog.Duration("load_timeout", m.config.LoadTimeout))
		m.emitStall(ReasonLoadTimeout)
	})
}

// FrameRendered disarms the load timeout.
func (m *Monitor) FrameRendered() {
	if m.loadTimer != nil {
		m.loadTimer.Stop()
		m.loadTimer = nil
	}
}

// Rearm forgets progress history after the timeline was restarted.
func (m *Monitor) Rearm() {
	if m.disposed {
		return
	}
	m.noAdvance = 0
	m.lastObserved = m.sink.CurrentTime()
}

// SetPaused suspends stall detection while the user has paused playback.
func (m *Monitor) SetPaused(paused bool) {
	m.paused = paused
	m.noAdvance = 0
	if !paused && !m.disposed {
		m.lastObserved = m.sink.CurrentTime()
	}
}

// Dispose stops every timer. Later calls and late callbacks are ignored.
func (m *Monitor) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	if m.sampler != nil {
		m.sampler.Stop()
		m.sampler = nil
	}
	if m.loadTimer != nil {
		m.loadTimer.Stop()
		m.loadTimer = nil
	}
}

func (m *Monitor) sample() {
	if m.disposed || m.paused {
		return
	}
	// Before the first frame the load timeout is in charge.
	if !m.sink.HasRenderedFrame() {
		return
	}

	pos := m.sink.CurrentTime()
	if pos > m.lastObserved {
		m.lastObserved = pos
		m.noAdvance = 0
		if m.config.OnAdvance != nil {
			m.config.OnAdvance(pos)
		}
		return
	}

	m.noAdvance++
	if m.noAdvance < m.config.Threshold {
		return
	}
	m.noAdvance = 0
	m.logger.Warn("playback position stopped advancing",
		slog.Duration("position", pos),
		slog.Int("threshold", m.config.Threshold),
		slog.Duration("interval", m.config.Interval))
	m.emitStall(ReasonSilentStall)
}

func (m *Monitor) emitStall(r Reason) {
	if m.config.OnStall != nil {
		m.config.OnStall(r)
	}
}
