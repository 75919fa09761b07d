package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/sources"
)

// SourcesHandler exposes the source catalog and plays entries from it.
type SourcesHandler struct {
	catalog *sources.File
	player  Controller
}

// NewSourcesHandler creates a handler over a loaded source file.
func NewSourcesHandler(catalog *sources.File, player Controller) *SourcesHandler {
	return &SourcesHandler{catalog: catalog, player: player}
}

// ListSourcesInput is the input for listing sources.
type ListSourcesInput struct{}

// ListSourcesOutput lists the catalog.
type ListSourcesOutput struct {
	Body struct {
		Items []models.SourceSet `json:"items"`
	}
}

// PlaySourceInput selects a catalog entry to play.
type PlaySourceInput struct {
	Title string `path:"title" doc:"Title of the source set"`
	// Source picks a named alternative instead of the set's default.
	Source string `query:"source" doc:"Name of an alternative source within the set"`
}

// Register registers the source routes with the API.
func (h *SourcesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSources",
		Method:      "GET",
		Path:        "/api/v1/sources",
		Summary:     "List sources",
		Tags:        []string{"Sources"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "playSource",
		Method:      "POST",
		Path:        "/api/v1/sources/{title}/play",
		Summary:     "Play a catalog source",
		Description: "Mounts the default source of a set, or the named alternative",
		Tags:        []string{"Sources"},
	}, h.Play)
}

// List returns every source set.
func (h *SourcesHandler) List(_ context.Context, _ *ListSourcesInput) (*ListSourcesOutput, error) {
	out := &ListSourcesOutput{}
	out.Body.Items = h.catalog.Items
	if out.Body.Items == nil {
		out.Body.Items = []models.SourceSet{}
	}
	return out, nil
}

// Play mounts a source from the catalog.
func (h *SourcesHandler) Play(ctx context.Context, input *PlaySourceInput) (*SessionOutput, error) {
	set, err := h.catalog.Find(input.Title)
	if err != nil {
		if errors.Is(err, sources.ErrNotFound) {
			return nil, huma.Error404NotFound("source set not found")
		}
		return nil, huma.Error500InternalServerError("failed to find source set", err)
	}

	var (
		src models.PlaybackSource
		ok  bool
	)
	if input.Source != "" {
		src, ok = set.Find(input.Source)
	} else {
		src, ok = set.Default()
	}
	if !ok {
		return nil, huma.Error404NotFound("source not found in set")
	}

	if err := h.player.Mount(ctx, src); err != nil {
		return nil, controlError(err)
	}
	return &SessionOutput{Body: h.player.Snapshot()}, nil
}
