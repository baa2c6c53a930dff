package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/example/orchestrator/internal/domain"
)

func registerRepositories(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-repository",
		Method:        http.MethodPost,
		Path:          "/repositories",
		Summary:       "Register a repository",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateRepositoryRequest `json:"body"`
	}) (*struct {
		Body domain.Repository `json:"body"`
	}, error) {
		if input.Body.FullName == "" || input.Body.OriginURL == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "full_name and origin_url are required", nil)
		}
		rep := domain.Repository{
			ID:        uuid.New().String(),
			FullName:  input.Body.FullName,
			OriginURL: input.Body.OriginURL,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := cfg.Repo.InsertRepository(ctx, rep); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/repositories",
		Summary:     "List repositories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Repository `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListRepositories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Repository `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repository",
		Method:      http.MethodGet,
		Path:        "/repositories/{id}",
		Summary:     "Get a repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Repository `json:"body"`
	}, error) {
		rep, err := cfg.Repo.GetRepository(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-repository",
		Method:      http.MethodDelete,
		Path:        "/repositories/{id}",
		Summary:     "Delete a repository",
		DefaultStatus: http.StatusNoContent,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteRepository(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extract-repository",
		Method:      http.MethodPost,
		Path:        "/repositories/{id}/extract",
		Summary:     "Re-run issue/environment extraction for a repository",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if cfg.Extractor == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "extraction service not configured", nil)
		}
		if err := cfg.Extractor.Run(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "extracted"}}, nil
	})
}
