package startup

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/session"
)

func playerConfig() config.PlayerConfig {
	return config.PlayerConfig{
		Autoplay:         "muted",
		ProxyBaseURL:     "https://relay.example/api",
		DisableSegmented: true,
		SampleInterval:   time.Second,
		StallThreshold:   3,
		LoadTimeout:      8 * time.Second,
		MaxAttempts:      5,
		Backoff:          2 * time.Second,
		StableSamples:    2,
		PlayRetries:      4,
		PlayRetryDelay:   100 * time.Millisecond,
		NarrowViewport:   600,
		MaxManifestBytes: 2 << 20,
		LiveSyncSegments: 2,
		MaxBuffer:        20 * time.Second,
		ManifestTimeout:  5 * time.Second,
		MaxDecodeErrors:  4,
	}
}

func TestPlayerConfig_MapsSettings(t *testing.T) {
	platform := presentation.NewVirtual(390, true)
	pc, err := PlayerConfig(playerConfig(), config.HTTPConfig{Timeout: 3 * time.Second}, PlayerDeps{
		Platform:  platform,
		Observers: []session.Observer{session.NopObserver{}},
	})
	require.NoError(t, err)

	require.IsType(t, &media.Surface{}, pc.Sink)
	assert.True(t, pc.Sink.CanPlayType("video/mp2t"))
	assert.Equal(t, platform, pc.Platform)
	assert.Equal(t, 600, pc.NarrowViewport)

	assert.Equal(t, "https://relay.example/api", pc.Selector.ProxyBaseURL)
	assert.True(t, pc.Selector.DisableSegmented)
	assert.Equal(t, int64(2<<20), pc.Selector.Options.MaxManifestBytes)
	assert.Equal(t, 2, pc.Selector.Options.LiveSyncSegments)
	assert.Equal(t, 4, pc.Selector.Options.MaxDecodeErrors)
	assert.NotNil(t, pc.Selector.Options.Client)

	assert.Equal(t, time.Second, pc.Health.Interval)
	assert.Equal(t, 3, pc.Health.Threshold)
	assert.Equal(t, 8*time.Second, pc.Health.LoadTimeout)
	assert.Equal(t, 5, pc.Recovery.MaxAttempts)
	assert.Equal(t, 2*time.Second, pc.Recovery.Backoff)
	assert.Equal(t, 4, pc.PlayRetries)
	assert.Len(t, pc.Observers, 1)
}

func TestPlayerConfig_SharesClient(t *testing.T) {
	client := HTTPClient(config.HTTPConfig{}, nil)
	pc, err := PlayerConfig(playerConfig(), config.HTTPConfig{}, PlayerDeps{Client: client})
	require.NoError(t, err)
	assert.Same(t, client, pc.Selector.Options.Client)
}

func TestPlayerConfig_RejectsUnknownAutoplay(t *testing.T) {
	cfg := playerConfig()
	cfg.Autoplay = "sometimes"
	_, err := PlayerConfig(cfg, config.HTTPConfig{}, PlayerDeps{})
	assert.ErrorContains(t, err, "player.autoplay")
}

func TestHTTPClient_Overrides(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := HTTPClient(config.HTTPConfig{UserAgent: "playarr-test/1"}, nil)
	body, err := c.Fetch(context.Background(), srv.URL, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "playarr-test/1", agent)
	assert.Equal(t, httpclient.CircuitClosed, c.CircuitState())
}

func TestOpener_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte{0x47, 0x40, 0x00})
	}))
	defer srv.Close()

	o := opener{client: HTTPClient(config.HTTPConfig{}, nil)}
	rc, err := o.Fetch(context.Background(), srv.URL+"/live.ts")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x47, 0x40, 0x00}, data)
}

func TestNewPlayer(t *testing.T) {
	cfg := &config.Config{Player: playerConfig()}
	p, err := NewPlayer(cfg, PlayerDeps{})
	require.NoError(t, err)
	assert.Equal(t, "idle", p.Snapshot().State.String())
}
