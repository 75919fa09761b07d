package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/playarr/internal/observability"
	"github.com/jmylchreest/playarr/internal/session"
)

// EventsPath is the snapshot stream endpoint.
const EventsPath = "/api/v1/session/events"

// DefaultHeartbeatInterval keeps idle event streams open through proxies.
const DefaultHeartbeatInterval = 15 * time.Second

// EventsHandler streams player snapshots as server-sent events.
type EventsHandler struct {
	player            Controller
	heartbeatInterval time.Duration
}

// NewEventsHandler creates a snapshot stream handler.
func NewEventsHandler(player Controller) *EventsHandler {
	return &EventsHandler{
		player:            player,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
}

// WithHeartbeatInterval overrides the heartbeat interval.
func (h *EventsHandler) WithHeartbeatInterval(d time.Duration) *EventsHandler {
	if d > 0 {
		h.heartbeatInterval = d
	}
	return h
}

// RegisterSSE registers the stream on a chi router; huma does not stream.
func (h *EventsHandler) RegisterSSE(router chi.Router) {
	router.Get(EventsPath, h.ServeHTTP)
}

// ServeHTTP writes a "snapshot" event for every published snapshot, starting
// with the current one, until the client goes away or the player stops.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.LoggerFromContext(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	snaps, cancel := h.player.Subscribe()
	defer cancel()

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	fmt.Fprint(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		logger.Error("failed to flush event stream", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				logger.Debug("heartbeat flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			if err := writeSnapshot(w, snap); err != nil {
				logger.Error("failed to write snapshot event",
					slog.Uint64("version", snap.Version),
					slog.String("error", err.Error()),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				logger.Debug("event flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// writeSnapshot writes one event in a single write.
func writeSnapshot(w http.ResponseWriter, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	msg := fmt.Sprintf("id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}
