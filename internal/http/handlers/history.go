package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/playarr/internal/history"
	"github.com/jmylchreest/playarr/internal/models"
)

// HistoryHandler serves recorded playback sessions.
type HistoryHandler struct {
	store history.Store
}

// NewHistoryHandler creates a history handler over store.
func NewHistoryHandler(store history.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// ListHistoryInput filters the history listing.
type ListHistoryInput struct {
	SourceURL  string `query:"source_url" doc:"Only sessions of this source URL"`
	FinalState string `query:"state" enum:"idle,loading,playing,paused,stalled,recovering,failed" doc:"Only sessions that ended in this state"`
	Offset     int    `query:"offset" minimum:"0" default:"0"`
	Limit      int    `query:"limit" minimum:"1" maximum:"500" default:"50"`
}

// PlaybackRecordResponse is one recorded session.
type PlaybackRecordResponse struct {
	ID           models.ULID `json:"id"`
	SessionID    string      `json:"session_id"`
	SourceName   string      `json:"source_name,omitempty"`
	SourceURL    string      `json:"source_url"`
	ProtocolType string      `json:"protocol_type,omitempty"`
	Backend      string      `json:"backend,omitempty"`
	FinalState   string      `json:"final_state"`
	ErrorClass   string      `json:"error_class,omitempty"`
	Error        string      `json:"error,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Attempts     int         `json:"attempts"`
	Stalls       int         `json:"stalls"`
	Bytes        int64       `json:"bytes"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      time.Time   `json:"ended_at"`
	Duration     string      `json:"duration"`
}

// PlaybackRecordFromModel converts a stored record.
func PlaybackRecordFromModel(r *models.PlaybackRecord) PlaybackRecordResponse {
	return PlaybackRecordResponse{
		ID:           r.ID,
		SessionID:    r.SessionID,
		SourceName:   r.SourceName,
		SourceURL:    r.SourceURL,
		ProtocolType: r.ProtocolType,
		Backend:      r.Backend,
		FinalState:   r.FinalState,
		ErrorClass:   r.ErrorClass,
		Error:        r.Error,
		Reason:       r.Reason,
		Attempts:     r.Attempts,
		Stalls:       r.Stalls,
		Bytes:        r.Bytes,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Duration:     r.Duration().Round(time.Millisecond).String(),
	}
}

// ListHistoryOutput is a page of recorded sessions.
type ListHistoryOutput struct {
	Body struct {
		Records []PlaybackRecordResponse `json:"records"`
		Total   int64                    `json:"total"`
		Offset  int                      `json:"offset"`
		Limit   int                      `json:"limit"`
	}
}

// Register registers the history routes with the API.
func (h *HistoryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listHistory",
		Method:      "GET",
		Path:        "/api/v1/history",
		Summary:     "List session history",
		Description: "Returns finished playback sessions, most recent first",
		Tags:        []string{"History"},
	}, h.List)
}

// List returns a page of recorded sessions.
func (h *HistoryHandler) List(ctx context.Context, input *ListHistoryInput) (*ListHistoryOutput, error) {
	recs, total, err := h.store.List(ctx, history.Query{
		SourceURL:  input.SourceURL,
		FinalState: input.FinalState,
		Offset:     input.Offset,
		Limit:      input.Limit,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list history", err)
	}

	out := &ListHistoryOutput{}
	out.Body.Records = make([]PlaybackRecordResponse, 0, len(recs))
	for _, r := range recs {
		out.Body.Records = append(out.Body.Records, PlaybackRecordFromModel(r))
	}
	out.Body.Total = total
	out.Body.Offset = input.Offset
	out.Body.Limit = input.Limit
	return out, nil
}
