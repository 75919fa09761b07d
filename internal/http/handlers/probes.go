package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/playarr/internal/prober"
)

// ProbeRunner runs source probes. *prober.Prober satisfies it.
type ProbeRunner interface {
	RunOnce(ctx context.Context) ([]prober.Result, error)
	Results() []prober.Result
}

// ProbesHandler exposes source probing.
type ProbesHandler struct {
	runner ProbeRunner
}

// NewProbesHandler creates a probes handler.
func NewProbesHandler(runner ProbeRunner) *ProbesHandler {
	return &ProbesHandler{runner: runner}
}

// ProbesInput is the input for the probe endpoints.
type ProbesInput struct{}

// ProbesOutput lists probe results.
type ProbesOutput struct {
	Body struct {
		Results []prober.Result `json:"results"`
		Failed  int             `json:"failed"`
	}
}

// Register registers the probe routes with the API.
func (h *ProbesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listProbes",
		Method:      "GET",
		Path:        "/api/v1/probes",
		Summary:     "List probe results",
		Description: "Returns the results of the last completed probe run",
		Tags:        []string{"Probes"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "runProbes",
		Method:      "POST",
		Path:        "/api/v1/probes/run",
		Summary:     "Run probes",
		Description: "Probes every catalog source now and returns the results",
		Tags:        []string{"Probes"},
	}, h.Run)
}

// List returns the last results.
func (h *ProbesHandler) List(_ context.Context, _ *ProbesInput) (*ProbesOutput, error) {
	return probesOutput(h.runner.Results()), nil
}

// Run probes every source and waits for the results.
func (h *ProbesHandler) Run(ctx context.Context, _ *ProbesInput) (*ProbesOutput, error) {
	results, err := h.runner.RunOnce(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("probe run failed", err)
	}
	return probesOutput(results), nil
}

func probesOutput(results []prober.Result) *ProbesOutput {
	out := &ProbesOutput{}
	out.Body.Results = results
	if out.Body.Results == nil {
		out.Body.Results = []prober.Result{}
	}
	for _, r := range results {
		if !r.OK() {
			out.Body.Failed++
		}
	}
	return out
}
