package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/example/orchestrator/internal/domain"
)

// registerAgentRuns exposes the read side of spec §6's CRUD line for
// agent-runs: a run is only ever created and advanced by the runner
// (internal/runner) as it drives a workspace's exec, so only list/get are
// registered here.
func registerAgentRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agent-runs",
		Method:      http.MethodGet,
		Path:        "/agent-runs",
		Summary:     "List agent runs",
	}, func(ctx context.Context, input *struct {
		AgentID     string `query:"agent_id"`
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []domain.AgentRun `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListAgentRuns(ctx, input.AgentID, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentRun `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-run",
		Method:      http.MethodGet,
		Path:        "/agent-runs/{id}",
		Summary:     "Get an agent run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		run, err := cfg.Repo.GetAgentRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})
}
