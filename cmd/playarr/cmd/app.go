package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmylchreest/playarr/internal/database"
	"github.com/jmylchreest/playarr/internal/history"
	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/metrics"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/prober"
	"github.com/jmylchreest/playarr/internal/session"
	"github.com/jmylchreest/playarr/internal/sources"
	"github.com/jmylchreest/playarr/internal/startup"
)

// app holds what the play and probe commands share.
type app struct {
	registry  *prometheus.Registry
	collector *metrics.Collector
	client    *httpclient.Client
	db        *database.DB
	store     history.Store
	recorder  *history.Recorder
	catalog   *sources.File
}

// newApp builds the shared components. sourcesPath may be empty.
func newApp(ctx context.Context, sourcesPath string) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.New(a.registry)
	a.client = startup.HTTPClient(cfg.HTTP, logger)

	if sourcesPath != "" {
		catalog, err := sources.Load(sourcesPath)
		if err != nil {
			return nil, fmt.Errorf("loading sources: %w", err)
		}
		a.catalog = catalog
		logger.Info("sources loaded",
			slog.String("path", sourcesPath),
			slog.Int("items", len(catalog.Items)),
		)
	}

	if cfg.Database.Enabled {
		db, err := database.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("opening history database: %w", err)
		}
		a.db = db
		a.store = history.NewStore(db.DB)
		a.recorder = history.NewRecorder(a.store, history.RecorderConfig{
			Retention: cfg.Database.Retention.Duration(),
			Logger:    logger,
		})
	}
	return a, nil
}

// runRecorder writes history until the returned stop function is called.
// Stop flushes queued records and waits.
func (a *app) runRecorder() (stop func()) {
	if a.recorder == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.recorder.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) observers(withMetrics bool) []session.Observer {
	var obs []session.Observer
	if withMetrics {
		obs = append(obs, a.collector)
	}
	if a.recorder != nil {
		obs = append(obs, a.recorder)
	}
	return obs
}

// newPlayer builds the interactive player; only it feeds the metrics.
func (a *app) newPlayer(platform presentation.Platform) (*session.Player, error) {
	return startup.NewPlayer(cfg, startup.PlayerDeps{
		Platform:  platform,
		Observers: a.observers(true),
		Client:    a.client,
		Logger:    logger,
	})
}

// newProber probes catalog sources on headless players.
func (a *app) newProber() *prober.Prober {
	return prober.New(prober.Config{
		Schedule: cfg.Probe.Schedule,
		Window:   cfg.Probe.Window,
		Sources: func() ([]models.PlaybackSource, error) {
			if a.catalog == nil {
				return nil, sources.ErrEmpty
			}
			return a.catalog.Sources(), nil
		},
		NewTarget: func() (prober.Target, error) {
			p, err := startup.NewPlayer(cfg, startup.PlayerDeps{
				Observers: a.observers(false),
				Client:    a.client,
				Logger:    logger.With(slog.String("component", "probe-player")),
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Logger: logger,
	})
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}
