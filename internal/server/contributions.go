package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/example/orchestrator/internal/domain"
)

// registerContributions exposes the read side of spec §6's CRUD line for
// contributions: they are never created or patched directly by an operator,
// only produced by the runner (internal/runner) and advanced by inbound
// webhooks (internal/eventlog), so only list/get are registered here.
func registerContributions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contributions",
		Method:      http.MethodGet,
		Path:        "/contributions",
		Summary:     "List contributions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pr_open,merged,closed"`
	}) (*struct {
		Body []domain.Contribution `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListContributions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Contribution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contribution",
		Method:      http.MethodGet,
		Path:        "/contributions/{id}",
		Summary:     "Get a contribution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Contribution `json:"body"`
	}, error) {
		c, err := cfg.Repo.GetContribution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contribution `json:"body"`
		}{Body: c}, nil
	})
}
