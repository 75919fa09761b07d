package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/playarr/internal/config"
	"github.com/jmylchreest/playarr/internal/database"
	"github.com/jmylchreest/playarr/internal/history"
	"github.com/jmylchreest/playarr/internal/http/handlers"
	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/prober"
	"github.com/jmylchreest/playarr/internal/session"
	"github.com/jmylchreest/playarr/internal/sources"
)

func newAPI() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	return router, humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
}

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHistoryHandler_List(t *testing.T) {
	db := openDB(t)
	store := history.NewStore(db.DB)
	ended := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	for i, state := range []models.SessionState{models.StatePlaying, models.StateFailed} {
		require.NoError(t, store.Create(context.Background(), history.RecordFromSummary(session.Summary{
			SessionID:  []string{"s1", "s2"}[i],
			Source:     models.PlaybackSource{URL: "https://cdn.example/a.m3u8"},
			FinalState: state,
			StartedAt:  ended.Add(-30 * time.Second),
			EndedAt:    ended.Add(time.Duration(i) * time.Minute),
		})))
	}

	router, api := newAPI()
	handlers.NewHistoryHandler(store).Register(api)

	t.Run("lists newest first", func(t *testing.T) {
		rec := do(t, router, "GET", "/api/v1/history", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body handlers.ListHistoryOutput
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body.Body))
		assert.Equal(t, int64(2), body.Body.Total)
		require.Len(t, body.Body.Records, 2)
		assert.Equal(t, "s2", body.Body.Records[0].SessionID)
		assert.Equal(t, "30s", body.Body.Records[1].Duration)
		assert.Equal(t, 50, body.Body.Limit)
	})

	t.Run("filters by state", func(t *testing.T) {
		rec := do(t, router, "GET", "/api/v1/history?state=failed", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body handlers.ListHistoryOutput
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body.Body))
		require.Len(t, body.Body.Records, 1)
		assert.Equal(t, "failed", body.Body.Records[0].FinalState)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		rec := do(t, router, "GET", "/api/v1/history?state=buffering", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

const catalog = `
items:
  - title: Derby
    sources:
      - name: Main
        url: https://cdn.example/derby/master.m3u8
        type: hls
      - name: Backup
        url: https://cdn.example/derby/manifest.mpd
        type: dash
`

func TestSourcesHandler(t *testing.T) {
	file, err := sources.Decode(strings.NewReader(catalog))
	require.NoError(t, err)

	setup := func() (*chi.Mux, *fakePlayer) {
		player := newFakePlayer()
		router, api := newAPI()
		handlers.NewSourcesHandler(file, player).Register(api)
		return router, player
	}

	t.Run("lists sets", func(t *testing.T) {
		router, _ := setup()
		rec := do(t, router, "GET", "/api/v1/sources", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body handlers.ListSourcesOutput
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body.Body))
		require.Len(t, body.Body.Items, 1)
		assert.Len(t, body.Body.Items[0].Sources, 2)
	})

	t.Run("plays the default source", func(t *testing.T) {
		router, player := setup()
		rec := do(t, router, "POST", "/api/v1/sources/derby/play", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, player.mounted)
		assert.Equal(t, "Main", player.mounted.Name)
	})

	t.Run("plays a named alternative", func(t *testing.T) {
		router, player := setup()
		rec := do(t, router, "POST", "/api/v1/sources/Derby/play?source=backup", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NotNil(t, player.mounted)
		assert.Equal(t, models.ProtocolManifestDescription, player.mounted.ProtocolType)
	})

	t.Run("unknown set or source", func(t *testing.T) {
		router, player := setup()
		assert.Equal(t, http.StatusNotFound, do(t, router, "POST", "/api/v1/sources/final/play", nil).Code)
		assert.Equal(t, http.StatusNotFound, do(t, router, "POST", "/api/v1/sources/derby/play?source=embed", nil).Code)
		assert.Nil(t, player.mounted)
	})
}

type fakeRunner struct {
	results []prober.Result
	err     error
	runs    int
}

func (f *fakeRunner) RunOnce(context.Context) ([]prober.Result, error) {
	f.runs++
	return f.results, f.err
}

func (f *fakeRunner) Results() []prober.Result { return f.results }

func TestProbesHandler(t *testing.T) {
	runner := &fakeRunner{results: []prober.Result{
		{Source: models.PlaybackSource{URL: "https://a.example/x.m3u8"}, Outcome: prober.OutcomePlaying, State: models.StatePlaying},
		{Source: models.PlaybackSource{URL: "https://b.example/y.m3u8"}, Outcome: prober.OutcomeTimeout, State: models.StateLoading},
	}}
	router, api := newAPI()
	handlers.NewProbesHandler(runner).Register(api)

	rec := do(t, router, "GET", "/api/v1/probes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.ProbesOutput
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body.Body))
	assert.Len(t, body.Body.Results, 2)
	assert.Equal(t, 1, body.Body.Failed)
	assert.Zero(t, runner.runs)

	rec = do(t, router, "POST", "/api/v1/probes/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.runs)

	runner.err = errors.New("listing sources: gone")
	rec = do(t, router, "POST", "/api/v1/probes/run", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fixedCircuit httpclient.CircuitState

func (c fixedCircuit) CircuitState() httpclient.CircuitState { return httpclient.CircuitState(c) }

func TestHealthHandler_GetHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		handler := handlers.NewHealthHandler("1.0.0").
			WithPlayer(newFakePlayer()).
			WithCircuit(fixedCircuit(httpclient.CircuitClosed)).
			WithDB(openDB(t).DB)

		out, err := handler.GetHealth(context.Background(), &handlers.HealthInput{})
		require.NoError(t, err)
		assert.Equal(t, "healthy", out.Body.Status)
		assert.Equal(t, "1.0.0", out.Body.Version)
		assert.NotEmpty(t, out.Body.Uptime)
		assert.NotZero(t, out.Body.CPUInfo.Cores)
		assert.Equal(t, "ok", out.Body.Database.Status)
		assert.Equal(t, "closed", out.Body.Circuit)
		require.NotNil(t, out.Body.Player)
		assert.Equal(t, models.StateIdle, out.Body.Player.State)
	})

	t.Run("degraded by an unavailable stream and an open circuit", func(t *testing.T) {
		player := newFakePlayer()
		player.snap.Unavailable = true
		player.snap.State = models.StateFailed
		handler := handlers.NewHealthHandler("1.0.0").
			WithPlayer(player).
			WithCircuit(fixedCircuit(httpclient.CircuitOpen))

		out, err := handler.GetHealth(context.Background(), &handlers.HealthInput{})
		require.NoError(t, err)
		assert.Equal(t, "degraded", out.Body.Status)
		assert.Equal(t, "unavailable", out.Body.Checks["player"])
		assert.Equal(t, "open", out.Body.Checks["circuit"])
		assert.Equal(t, "unknown", out.Body.Database.Status)
	})
}

func TestHealthHandler_Probes(t *testing.T) {
	out, err := handlers.NewHealthHandler("1.0.0").GetLivez(context.Background(), &handlers.LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Body.Status)

	ready, err := handlers.NewHealthHandler("1.0.0").GetReadyz(context.Background(), &handlers.ReadyzInput{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, ready.Status)
	assert.Equal(t, "not_configured", ready.Body.Components["player"])

	ready, err = handlers.NewHealthHandler("1.0.0").WithPlayer(newFakePlayer()).GetReadyz(context.Background(), &handlers.ReadyzInput{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ready.Status)
	assert.Equal(t, "disabled", ready.Body.Components["database"])
}
