package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/example/orchestrator/internal/domain"
)

// registerConfig exposes the operator-configurable defaults row (spec §4.5,
// SPEC_FULL.md §12 "Config defaults row") over plain CRUD.
func registerConfig(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "List configuration entries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ConfigEntry `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ConfigEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config/{key}",
		Summary:     "Get a configuration entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.ConfigEntry `json:"body"`
	}, error) {
		entry, err := cfg.Repo.GetConfig(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConfigEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-config",
		Method:      http.MethodPatch,
		Path:        "/config/{key}",
		Summary:     "Set a configuration entry",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Key  string              `path:"key"`
		Body UpdateConfigRequest `json:"body"`
	}) (*struct {
		Body domain.ConfigEntry `json:"body"`
	}, error) {
		if input.Body.Value == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "value is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := cfg.Repo.SetConfig(ctx, input.Key, input.Body.Value, now); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConfigEntry `json:"body"`
		}{Body: domain.ConfigEntry{Key: input.Key, Value: input.Body.Value, UpdatedAt: now}}, nil
	})
}
