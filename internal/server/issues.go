package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/example/orchestrator/internal/domain"
)

func registerIssues(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/repositories/{repository_id}/issues",
		Summary:       "Register an issue manually",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepositoryID string             `path:"repository_id"`
		Body         CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetRepository(ctx, input.RepositoryID); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		issue := domain.Issue{
			ID:           uuid.New().String(),
			RepositoryID: input.RepositoryID,
			Number:       input.Body.Number,
			Title:        input.Body.Title,
			Body:         input.Body.Body,
			Status:       "open",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := cfg.Repo.InsertIssue(ctx, issue); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		RepositoryID string `query:"repository_id"`
		Status       string `query:"status" enum:"pending,extracting,extracted,open,fixing,pr_open,fixed,error"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListIssues(ctx, input.RepositoryID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := cfg.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Patch an issue's title/body",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := cfg.Repo.UpdateIssueFields(ctx, input.ID, input.Body.Title, input.Body.Body, now); err != nil {
			return nil, handleError(err)
		}
		issue, err := cfg.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-issue",
		Method:        http.MethodDelete,
		Path:          "/issues/{id}",
		Summary:       "Delete an issue",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteIssue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
