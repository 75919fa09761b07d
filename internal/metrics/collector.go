// Package metrics exports playback session metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/recovery"
	"github.com/jmylchreest/playarr/internal/session"
)

var allStates = []models.SessionState{
	models.StateIdle, models.StateLoading, models.StatePlaying, models.StatePaused,
	models.StateStalled, models.StateRecovering, models.StateFailed,
}

// Collector records session lifecycle metrics. It implements
// session.Observer. Labels are bounded enums; session ids are never used.
type Collector struct {
	session.NopObserver

	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	state            *prometheus.GaugeVec
	recoveryAttempts *prometheus.CounterVec
	fragmentBytes    *prometheus.CounterVec
	fragmentDuration *prometheus.HistogramVec
}

// New registers the playarr metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "playarr_sessions_started_total",
			Help: "Sources mounted.",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "playarr_sessions_ended_total",
			Help: "Torn-down sessions by backend, final state and terminal error class.",
		}, []string{"backend", "final_state", "error_class"}),
		sessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playarr_session_duration_seconds",
			Help:    "Wall time from mount to teardown.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"final_state"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "playarr_state_transitions_total",
			Help: "Session state transitions.",
		}, []string{"from", "to"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "playarr_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		recoveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "playarr_recovery_attempts_total",
			Help: "Recovery actions run, by trigger class and action.",
		}, []string{"class", "action"}),
		fragmentBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "playarr_fragment_bytes_total",
			Help: "Media bytes loaded by backend family.",
		}, []string{"backend"}),
		fragmentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playarr_fragment_duration_seconds",
			Help:    "Media duration of loaded fragments.",
			Buckets: []float64{0.5, 1, 2, 4, 6, 8, 10, 15},
		}, []string{"backend"}),
	}
	c.setState(models.StateIdle)
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) setState(current models.SessionState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// SessionStarted implements session.Observer.
func (c *Collector) SessionStarted(string, models.PlaybackSource) {
	c.sessionsStarted.Inc()
}

// StateChanged implements session.Observer.
func (c *Collector) StateChanged(_ string, t recovery.Transition) {
	c.transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
	c.setState(t.To)
}

// RecoveryAttempted implements session.Observer.
func (c *Collector) RecoveryAttempted(_ string, d recovery.Decision) {
	c.recoveryAttempts.WithLabelValues(d.Trigger.Class.String(), d.Action.String()).Inc()
}

// FragmentLoaded implements session.Observer.
func (c *Collector) FragmentLoaded(_ string, family backend.Family, bytes int, d time.Duration) {
	label := familyLabel(family)
	c.fragmentBytes.WithLabelValues(label).Add(float64(bytes))
	if d > 0 {
		c.fragmentDuration.WithLabelValues(label).Observe(d.Seconds())
	}
}

// SessionEnded implements session.Observer.
func (c *Collector) SessionEnded(s session.Summary) {
	class := s.ErrorClass
	if class == "" {
		class = "none"
	}
	c.sessionsEnded.WithLabelValues(familyLabel(s.Backend), s.FinalState.String(), class).Inc()
	if !s.StartedAt.IsZero() && s.EndedAt.After(s.StartedAt) {
		c.sessionDuration.WithLabelValues(s.FinalState.String()).Observe(s.EndedAt.Sub(s.StartedAt).Seconds())
	}
}

func familyLabel(f backend.Family) string {
	switch f {
	case backend.FamilySegmented, backend.FamilyManifestDescription, backend.FamilyNative, backend.FamilyEmbedded:
		return string(f)
	default:
		return "none"
	}
}
