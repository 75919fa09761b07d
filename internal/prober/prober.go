// Package prober mounts catalog sources on a headless player, on a cron
// schedule, and reports whether each one reaches playback.
package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/session"
)

// ErrAlreadyStarted is returned by Start on a running prober.
var ErrAlreadyStarted = errors.New("prober already started")

// DefaultWindow bounds one probe when the config leaves it unset.
const DefaultWindow = 20 * time.Second

// Target is a player a probe mounts a source on. *session.Player satisfies it.
type Target interface {
	Run(ctx context.Context) error
	Mount(ctx context.Context, src models.PlaybackSource) error
	Subscribe() (<-chan session.Snapshot, func())
}

// Outcome is the verdict of one probe.
type Outcome string

// Probe outcomes.
const (
	OutcomePlaying Outcome = "playing"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Result describes one probed source.
type Result struct {
	Source     models.PlaybackSource `json:"source"`
	Outcome    Outcome               `json:"outcome"`
	State      models.SessionState   `json:"state"`
	Backend    string                `json:"backend,omitempty"`
	Qualities  int                   `json:"qualities"`
	Live       bool                  `json:"live"`
	Error      string                `json:"error,omitempty"`
	ErrorClass string                `json:"error_class,omitempty"`
	Elapsed    time.Duration         `json:"elapsed"`
	At         time.Time             `json:"at"`
}

// OK reports whether the source reached playback.
func (r Result) OK() bool { return r.Outcome == OutcomePlaying }

// Config configures a Prober.
type Config struct {
	// Schedule is a six-field cron expression (with seconds).
	Schedule string
	// Window is how long a source may take to reach Playing.
	Window time.Duration
	// Sources lists what to probe on each run.
	Sources func() ([]models.PlaybackSource, error)
	// NewTarget builds a fresh player per probe.
	NewTarget func() (Target, error)
	Logger    *slog.Logger
}

// Prober probes sources one at a time.
type Prober struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	results []Result
	running bool
}

// New creates a prober.
func New(config Config) *Prober {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Prober{
		config: config,
		logger: config.Logger.With(slog.String("component", "prober")),
	}
}

// Probe mounts src on a new target and waits until it plays, fails or the
// window elapses.
func (p *Prober) Probe(ctx context.Context, src models.PlaybackSource) Result {
	start := time.Now()
	res := Result{Source: src, At: start}

	target, err := p.config.NewTarget()
	if err != nil {
		res.Outcome = OutcomeFailed
		res.State = models.StateFailed
		res.Error = fmt.Sprintf("building player: %v", err)
		return res
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- target.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	snaps, unsubscribe := target.Subscribe()
	defer unsubscribe()

	window := time.NewTimer(p.config.Window)
	defer window.Stop()

	var last session.Snapshot
	if err := target.Mount(runCtx, src); err != nil {
		res.Outcome = OutcomeFailed
		res.State = models.StateFailed
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		return res
	}

wait:
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				res.Outcome = OutcomeFailed
				break wait
			}
			last = snap
			if snap.SessionID == "" {
				continue
			}
			if snap.State == models.StatePlaying {
				res.Outcome = OutcomePlaying
				break wait
			}
			if snap.State == models.StateFailed {
				res.Outcome = OutcomeFailed
				break wait
			}
		case <-window.C:
			res.Outcome = OutcomeTimeout
			break wait
		case <-ctx.Done():
			res.Outcome = OutcomeTimeout
			res.Error = ctx.Err().Error()
			break wait
		}
	}

	res.State = last.State
	res.Backend = string(last.Backend)
	res.Qualities = len(last.Qualities)
	res.Live = last.Live
	if last.Error != "" {
		res.Error = last.Error
	}
	res.ErrorClass = last.ErrorClass
	res.Elapsed = time.Since(start)
	return res
}

// RunOnce probes every configured source in order.
func (p *Prober) RunOnce(ctx context.Context) ([]Result, error) {
	srcs, err := p.config.Sources()
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	results := make([]Result, 0, len(srcs))
	for _, src := range srcs {
		if ctx.Err() != nil {
			break
		}
		res := p.Probe(ctx, src)
		level := slog.LevelInfo
		if !res.OK() {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "probe finished",
			slog.String("source", src.DisplayName()),
			slog.String("url", src.URL),
			slog.String("outcome", string(res.Outcome)),
			slog.String("state", res.State.String()),
			slog.Duration("elapsed", res.Elapsed),
			slog.String("error", res.Error),
		)
		results = append(results, res)
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	p.mu.Lock()
	p.results = results
	p.mu.Unlock()
	return results, nil
}

// Results returns the results of the last run that was not cancelled.
func (p *Prober) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Result(nil), p.results...)
}

// Start schedules RunOnce on the configured cron schedule until ctx ends.
// Overlapping runs are skipped.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}

	c := cron.New(
		cron.WithParser(config.CronParser()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(p.config.Schedule, func() {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("probe run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", p.config.Schedule, err)
	}
	p.cron = c
	p.running = true
	c.Start()
	p.logger.Info("prober started", slog.String("schedule", p.config.Schedule))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running probe to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.running = false
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info("prober stopped")
}
