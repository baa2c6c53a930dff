package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/runner"
)

const logStreamPollInterval = 1 * time.Second

// prURLPattern mirrors internal/runner's own scan regex (spec §4.3 step 11);
// kept as a small unexported duplicate rather than exporting the runner's
// internal constant across a package boundary for one read-only use.
var prURLPattern = regexp.MustCompile(`https?://\S+/pull/\d+`)

func registerWorkspaces(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces/spawn",
		Summary:       "Spawn a workspace to fix an issue",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SpawnRequest `json:"body"`
	}) (*struct {
		Status int              `json:"-"`
		Body   domain.Workspace `json:"body"`
	}, error) {
		if input.Body.IssueID == "" || input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_id and agent_id are required", nil)
		}
		ws, err := cfg.Runner.Spawn(ctx, runner.SpawnRequest{
			IssueID:        input.Body.IssueID,
			AgentID:        input.Body.AgentID,
			TimeoutMinutes: input.Body.TimeoutMinutes,
		})
		if err != nil {
			if ws.ID == "" {
				// Spawn returned no workspace row: loading the issue or repository,
				// resolving the branch or fork, or persisting the row failed.
				return nil, handleError(err)
			}
			// The row was persisted as build_failed/container_crashed before the
			// failure (SPEC_FULL.md §12's resolution): the caller still needs the
			// row, but the response itself must be non-2xx (SPEC_FULL.md's own
			// resolution of spec §9 Open Question #2).
			return &struct {
				Status int              `json:"-"`
				Body   domain.Workspace `json:"body"`
			}{Status: http.StatusBadGateway, Body: ws}, nil
		}
		return &struct {
			Status int              `json:"-"`
			Body   domain.Workspace `json:"body"`
		}{Status: http.StatusOK, Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body []domain.Workspace `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListWorkspaces(ctx, input.Status, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Workspace `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{id}",
		Summary:     "Get a workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		ws, err := cfg.Repo.GetWorkspace(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "destroy-workspace",
		Method:      http.MethodPost,
		Path:        "/workspaces/{id}/destroy",
		Summary:     "Destroy (or cancel, if running) a workspace",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		// The destroy endpoint doubles as cancel (spec §6): force-cancel on a
		// non-terminal workspace; on a terminal one, removes the container and
		// stamps destroyed_at unless already destroyed, in which case it is a no-op.
		if err := cfg.Runner.Cancel(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		ws, err := cfg.Repo.GetWorkspace(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspace-logs",
		Method:      http.MethodGet,
		Path:        "/workspaces/{id}/logs",
		Summary:     "Read workspace log lines strictly after after_id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		AfterID int64  `query:"after_id"`
	}) (*struct {
		Body []domain.WorkspaceLog `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetWorkspace(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := 500
		if input.AfterID == 0 {
			limit = 100000 // "without the parameter, returns all rows" (spec §6)
		}
		logs, err := cfg.Repo.ListWorkspaceLogsAfter(ctx, input.ID, input.AfterID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkspaceLog `json:"body"`
		}{Body: logs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace-pr",
		Method:      http.MethodGet,
		Path:        "/workspaces/{id}/pr",
		Summary:     "Resolve the pull request produced by a workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PRResolution `json:"body"`
	}, error) {
		ws, err := cfg.Repo.GetWorkspace(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := resolvePR(ctx, cfg.Repo, ws)
		return &struct {
			Body PRResolution `json:"body"`
		}{Body: res}, nil
	})
}

// resolvePR implements spec §6's fallback order: workspace column -> grep of
// this workspace's logs -> most-recent contribution for the issue.
func resolvePR(ctx context.Context, r repo.Repo, ws domain.Workspace) PRResolution {
	if ws.PRURL != nil && *ws.PRURL != "" {
		source := "workspace"
		return PRResolution{PRURL: ws.PRURL, BranchName: &ws.BranchName, Source: &source}
	}

	logs, err := r.ListWorkspaceLogsAfter(ctx, ws.ID, 0, 100000)
	if err == nil {
		for i := len(logs) - 1; i >= 0; i-- {
			if match := prURLPattern.FindString(logs[i].Line); match != "" {
				source := "logs"
				return PRResolution{PRURL: &match, BranchName: &ws.BranchName, Source: &source}
			}
		}
	}

	contribution, err := r.GetContributionByIssue(ctx, ws.IssueID)
	if err == nil && contribution.PRURL != "" {
		source := "contribution"
		prURL := contribution.PRURL
		prNumber := contribution.PRNumber
		branch := contribution.BranchName
		return PRResolution{PRURL: &prURL, PRNumber: &prNumber, BranchName: &branch, Source: &source}
	}

	return PRResolution{}
}

// streamWorkspaceLogs is the Server-Sent-Events variant of list-workspace-logs
// (SPEC_FULL.md §12), registered directly on the chi router since huma's
// response model does not fit a long-lived streaming body.
func streamWorkspaceLogs(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := cfg.Repo.GetWorkspace(r.Context(), id); err != nil {
			http.Error(w, "workspace not found", http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		var afterID int64
		if v := r.URL.Query().Get("after_id"); v != "" {
			afterID, _ = strconv.ParseInt(v, 10, 64)
		}

		bw := bufio.NewWriter(w)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logs, err := cfg.Repo.ListWorkspaceLogsAfter(ctx, id, afterID, 500)
			if err != nil {
				return
			}
			for _, l := range logs {
				fmt.Fprintf(bw, "id: %d\ndata: [%s] %s\n\n", l.ID, l.Stream, l.Line)
				afterID = l.ID
			}
			bw.Flush()
			flusher.Flush()
			ws, err := cfg.Repo.GetWorkspace(ctx, id)
			if err == nil && ws.IsTerminal() && len(logs) == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(logStreamPollInterval):
			}
		}
	}
}
