package scraper_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/orchestrator/internal/db"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/migrate"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/scraper"
)

type stubClient struct {
	result scraper.ExtractionResult
	err    error
}

func (s stubClient) Extract(ctx context.Context, originURL string) (scraper.ExtractionResult, error) {
	return s.result, s.err
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestExtractorPopulatesEnvironmentAndNewIssues(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	rep := domain.Repository{ID: "repo-1", FullName: "acme/widgets", OriginURL: "https://example.test/acme/widgets", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}

	client := stubClient{result: scraper.ExtractionResult{
		Language: "Go",
		Environment: scraper.EnvironmentRecord{
			Runtime: "go1.23", PackageManager: "go modules", SetupCommand: "go mod download", TestCommand: "go test ./...",
		},
		Issues: []scraper.IssueRecord{
			{Number: 7, Title: "panic on empty input", Body: "crashes", Labels: []string{"bug"}},
		},
	}}

	extractor := scraper.New(client, r, nil)
	if err := extractor.Run(ctx, rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	gotRepo, err := r.GetRepository(ctx, rep.ID)
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if gotRepo.Language != "Go" {
		t.Fatalf("expected language Go, got %q", gotRepo.Language)
	}

	env, err := r.GetRepositoryEnvironment(ctx, rep.ID)
	if err != nil {
		t.Fatalf("get environment: %v", err)
	}
	if env.Runtime != "go1.23" || env.TestCommand != "go test ./..." {
		t.Fatalf("unexpected environment: %+v", env)
	}

	issue, err := r.GetIssueByNumber(ctx, rep.ID, 7)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Status != "extracted" {
		t.Fatalf("expected extracted, got %s", issue.Status)
	}
	if issue.Title != "panic on empty input" {
		t.Fatalf("unexpected title: %s", issue.Title)
	}
}

func TestExtractorRefreshesExistingIssueInPlace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	rep := domain.Repository{ID: "repo-2", FullName: "acme/gadgets", OriginURL: "https://example.test/acme/gadgets", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}
	existing := domain.Issue{ID: "issue-pre", RepositoryID: rep.ID, Number: 3, Title: "old title", Status: "pending", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertIssue(ctx, existing); err != nil {
		t.Fatalf("insert issue: %v", err)
	}

	client := stubClient{result: scraper.ExtractionResult{
		Issues: []scraper.IssueRecord{{Number: 3, Title: "refreshed title", Body: "updated body"}},
	}}
	extractor := scraper.New(client, r, nil)
	if err := extractor.Run(ctx, rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := r.GetIssue(ctx, existing.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Title != "refreshed title" || got.Status != "extracted" {
		t.Fatalf("unexpected issue after refresh: %+v", got)
	}
}

func TestExtractorSurfacesClientError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	rep := domain.Repository{ID: "repo-3", FullName: "acme/broken", OriginURL: "https://example.test/acme/broken", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}

	client := stubClient{err: context.DeadlineExceeded}
	extractor := scraper.New(client, r, nil)
	if err := extractor.Run(ctx, rep.ID); err == nil {
		t.Fatalf("expected error from failing client")
	}
}
