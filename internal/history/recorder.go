package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/session"
)

// Recorder defaults.
const (
	DefaultQueueSize     = 64
	DefaultPruneInterval = time.Hour
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Retention is how long records are kept; zero keeps them forever.
	Retention     time.Duration
	PruneInterval time.Duration
	QueueSize     int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Recorder is a session.Observer that writes a record for every finished
// session. Observer callbacks run on the player loop, so records are queued
// and written by Run.
type Recorder struct {
	session.NopObserver

	store  Store
	config RecorderConfig
	logger *slog.Logger
	queue  chan *models.PlaybackRecord
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, config RecorderConfig) *Recorder {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultPruneInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		config: config,
		logger: config.Logger.With(slog.String("component", "history")),
		queue:  make(chan *models.PlaybackRecord, config.QueueSize),
	}
}

// SessionEnded implements session.Observer. It never blocks: when the queue
// is full the record is dropped.
func (r *Recorder) SessionEnded(s session.Summary) {
	rec := RecordFromSummary(s)
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("history queue full, dropping record",
			slog.String("session_id", s.SessionID),
		)
	}
}

// RecordFromSummary converts a session summary into a playback record.
func RecordFromSummary(s session.Summary) *models.PlaybackRecord {
	return &models.PlaybackRecord{
		SessionID:    s.SessionID,
		SourceName:   s.Source.Name,
		SourceURL:    s.Source.URL,
		ProtocolType: s.Source.ProtocolType.String(),
		Backend:      string(s.Backend),
		FinalState:   s.FinalState.String(),
		ErrorClass:   s.ErrorClass,
		Error:        truncate(s.Error, 1024),
		Reason:       truncate(s.Reason, 255),
		Attempts:     s.Attempts,
		Stalls:       s.Stalls,
		Bytes:        s.Bytes,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Run writes queued records until ctx is cancelled, then flushes what is
// still queued. Old records are pruned at start and every PruneInterval.
func (r *Recorder) Run(ctx context.Context) error {
	r.prune(ctx)
	ticker := time.NewTicker(r.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-r.queue:
			// A queued record is written even when cancellation races it.
			r.write(context.WithoutCancel(ctx), rec)
		case <-ticker.C:
			r.prune(ctx)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec *models.PlaybackRecord) {
	if err := r.store.Create(ctx, rec); err != nil {
		r.logger.Error("failed to record session",
			slog.String("session_id", rec.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("session recorded",
		slog.String("session_id", rec.SessionID),
		slog.String("final_state", rec.FinalState),
	)
}

func (r *Recorder) prune(ctx context.Context) {
	if r.config.Retention <= 0 {
		return
	}
	cutoff := r.config.Now().Add(-r.config.Retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to prune history", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.logger.Info("pruned history", slog.Int64("records", n), slog.Time("before", cutoff))
	}
}
