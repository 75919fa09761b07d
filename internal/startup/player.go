// Package startup assembles playarr's engine from configuration.
package startup

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/health"
	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/recovery"
	"github.com/jmylchreest/playarr/internal/session"
)

// PlayerDeps are the collaborators a player is built with beyond config.
type PlayerDeps struct {
	// Platform is the display; nil disables fullscreen.
	Platform  presentation.Platform
	Observers []session.Observer
	// Client is shared when set; otherwise one is built from HTTPConfig.
	Client *httpclient.Client
	Logger *slog.Logger
}

// HTTPClient builds the manifest and segment client.
func HTTPClient(cfg config.HTTPConfig, logger *slog.Logger) *httpclient.Client {
	hc := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		hc.Timeout = cfg.Timeout
	}
	if cfg.RetryAttempts >= 0 {
		hc.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		hc.RetryDelay = cfg.RetryDelay
	}
	if cfg.RetryMaxDelay > 0 {
		hc.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if cfg.CircuitThreshold > 0 {
		hc.CircuitThreshold = cfg.CircuitThreshold
	}
	if cfg.CircuitTimeout > 0 {
		hc.CircuitTimeout = cfg.CircuitTimeout
	}
	if cfg.UserAgent != "" {
		hc.UserAgent = cfg.UserAgent
	}
	hc.Logger = logger
	return httpclient.New(hc)
}

// opener streams native sources through the resilient client.
type opener struct {
	client *httpclient.Client
}

func (o opener) Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	return o.client.Open(ctx, location)
}

// PlayerConfig translates configuration into a session.PlayerConfig with a
// fresh media surface.
func PlayerConfig(cfg config.PlayerConfig, httpCfg config.HTTPConfig, deps PlayerDeps) (session.PlayerConfig, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	autoplay, err := media.ParseAutoplayPolicy(cfg.Autoplay)
	if err != nil {
		return session.PlayerConfig{}, fmt.Errorf("player.autoplay: %w", err)
	}

	client := deps.Client
	if client == nil {
		client = HTTPClient(httpCfg, logger)
	}
	sink := media.NewSurface(media.SurfaceConfig{
		Autoplay: autoplay,
		Native:   media.NewTSEngine(opener{client: client}, logger, cfg.NativeTypes...),
		Logger:   logger,
	})

	return session.PlayerConfig{
		Sink: sink,
		Selector: backend.SelectorConfig{
			Options: backend.Options{
				Client:           client,
				Logger:           logger,
				MaxManifestBytes: int64(cfg.MaxManifestBytes),
				LiveSyncSegments: cfg.LiveSyncSegments,
				MaxBuffer:        cfg.MaxBuffer,
				ManifestTimeout:  cfg.ManifestTimeout,
				MaxDecodeErrors:  cfg.MaxDecodeErrors,
			},
			ProxyBaseURL:               cfg.ProxyBaseURL,
			DisableSegmented:           cfg.DisableSegmented,
			DisableManifestDescription: cfg.DisableManifestDescription,
		},
		Platform:       deps.Platform,
		NarrowViewport: cfg.NarrowViewport,
		Health: health.Config{
			Interval:    cfg.SampleInterval,
			Threshold:   cfg.StallThreshold,
			LoadTimeout: cfg.LoadTimeout,
		},
		Recovery: recovery.Config{
			MaxAttempts:   cfg.MaxAttempts,
			Backoff:       cfg.Backoff,
			StableSamples: cfg.StableSamples,
		},
		PlayRetries:    cfg.PlayRetries,
		PlayRetryDelay: cfg.PlayRetryDelay,
		Observers:      deps.Observers,
		Logger:         logger,
	}, nil
}

// NewPlayer builds a player from configuration. The caller runs it.
func NewPlayer(cfg *config.Config, deps PlayerDeps) (*session.Player, error) {
	pc, err := PlayerConfig(cfg.Player, cfg.HTTP, deps)
	if err != nil {
		return nil, err
	}
	return session.NewPlayer(pc), nil
}
