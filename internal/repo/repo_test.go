package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/orchestrator/internal/db"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/migrate"
	"github.com/example/orchestrator/internal/repo"
)

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
	if err := migrate.SeedDefaults(conn); err != nil {
		t.Fatalf("seed defaults: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedIssue(t *testing.T, r repo.Repo, ctx context.Context, now string) (domain.Repository, domain.Issue) {
	t.Helper()
	rep := domain.Repository{ID: "repo-1", FullName: "acme/widgets", OriginURL: "https://example.test/acme/widgets", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}
	issue := domain.Issue{ID: "issue-1", RepositoryID: rep.ID, Number: 42, Title: "panic on empty input", Status: "pending", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertIssue(ctx, issue); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	return rep, issue
}

func TestRepositoryLookupByFullName(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	rep, _ := seedIssue(t, r, ctx, now)

	got, err := r.GetRepositoryByFullName(ctx, rep.FullName)
	if err != nil {
		t.Fatalf("get by full name: %v", err)
	}
	if got.ID != rep.ID {
		t.Fatalf("expected %s, got %s", rep.ID, got.ID)
	}

	if _, err := r.GetRepositoryByFullName(ctx, "missing/missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepositoryForkIsPopulatedLazily(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	rep, _ := seedIssue(t, r, ctx, now)

	if rep.ForkName != nil {
		t.Fatalf("expected no fork recorded yet")
	}
	if err := r.SetRepositoryFork(ctx, rep.ID, "orc-bot/widgets", "https://example.test/orc-bot/widgets"); err != nil {
		t.Fatalf("set fork: %v", err)
	}
	got, err := r.GetRepository(ctx, rep.ID)
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if got.ForkName == nil || *got.ForkName != "orc-bot/widgets" {
		t.Fatalf("fork not persisted: %+v", got.ForkName)
	}
}

func TestIssueStatusTransitions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	_, issue := seedIssue(t, r, ctx, now)

	if err := r.UpdateIssueStatus(ctx, nil, issue.ID, "extracting", now); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := r.GetIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != "extracting" {
		t.Fatalf("expected extracting, got %s", got.Status)
	}

	if err := r.UpdateIssueStatus(ctx, nil, "does-not-exist", "open", now); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkspaceLifecycleAndExpiry(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	nowStr := now.Format(time.RFC3339)
	_, issue := seedIssue(t, r, ctx, nowStr)

	agent := domain.Agent{ID: "agent-1", Name: "claude-fixer", CreatedAt: nowStr}
	if err := r.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	ws := domain.Workspace{
		ID: "ws-1", AgentID: agent.ID, RepositoryID: issue.RepositoryID, IssueID: issue.ID,
		Status: "pending", BranchName: "orc/issue-42", BaseBranch: "main", TimeoutMinutes: 60,
		CreatedAt: nowStr, ExpiresAt: now.Add(60 * time.Minute).Format(time.RFC3339),
	}
	if err := r.InsertWorkspace(ctx, nil, ws); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}

	containerID := "c-abc123"
	if err := r.UpdateWorkspaceStatus(ctx, nil, ws.ID, "building", &containerID, nil); err != nil {
		t.Fatalf("update to building: %v", err)
	}
	got, err := r.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Status != "building" || got.ContainerID == nil || *got.ContainerID != containerID {
		t.Fatalf("unexpected workspace state: %+v", got)
	}

	active, err := r.ListActiveWorkspacesByAgent(ctx, agent.ID)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active workspace: %v %v", active, err)
	}

	past := now.Add(2 * time.Hour).Format(time.RFC3339)
	expired, err := r.ListExpiredWorkspaces(ctx, past)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected workspace to be expired: %v %v", expired, err)
	}

	if err := r.DestroyWorkspace(ctx, ws.ID, "timeout", past); err != nil {
		t.Fatalf("destroy workspace: %v", err)
	}
	got, err = r.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get workspace after destroy: %v", err)
	}
	if !got.IsTerminal() {
		t.Fatalf("expected terminal status, got %s", got.Status)
	}
	if got.DestroyedAt == nil {
		t.Fatalf("expected destroyed_at to be set")
	}
}

func TestWorkspaceLogPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	_, issue := seedIssue(t, r, ctx, now)
	agent := domain.Agent{ID: "agent-1", Name: "claude-fixer", CreatedAt: now}
	if err := r.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	ws := domain.Workspace{
		ID: "ws-1", AgentID: agent.ID, RepositoryID: issue.RepositoryID, IssueID: issue.ID,
		Status: "running", BranchName: "orc/issue-42", BaseBranch: "main", TimeoutMinutes: 60,
		CreatedAt: now, ExpiresAt: now,
	}
	if err := r.InsertWorkspace(ctx, nil, ws); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := r.AppendWorkspaceLog(ctx, ws.ID, "stdout", "line", now)
		if err != nil {
			t.Fatalf("append log: %v", err)
		}
		lastID = id
	}

	lines, err := r.ListWorkspaceLogsAfter(ctx, ws.ID, 0, 0)
	if err != nil || len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d (%v)", len(lines), err)
	}

	tail, err := r.ListWorkspaceLogsAfter(ctx, ws.ID, lastID-1, 0)
	if err != nil || len(tail) != 1 {
		t.Fatalf("expected 1 trailing line, got %d (%v)", len(tail), err)
	}
}

func TestContributionUniquePerIssue(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	_, issue := seedIssue(t, r, ctx, now)

	c := domain.Contribution{
		ID: "contrib-1", AgentRunID: "run-1", IssueID: issue.ID, BranchName: "orc/issue-42",
		Status: "pending", CreatedAt: now, UpdatedAt: now,
	}
	if err := r.UpsertContribution(ctx, nil, c); err != nil {
		t.Fatalf("insert contribution: %v", err)
	}

	c.PRURL = "https://example.test/acme/widgets/pull/7"
	c.PRNumber = 7
	c.Status = "pr_open"
	if err := r.UpsertContribution(ctx, nil, c); err != nil {
		t.Fatalf("upsert contribution: %v", err)
	}

	got, err := r.GetContributionByIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get by issue: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("expected upsert to reuse row, got new id %s", got.ID)
	}
	if got.PRURL != c.PRURL || got.Status != "pr_open" {
		t.Fatalf("unexpected contribution state: %+v", got)
	}

	byPR, err := r.GetContributionByPRURL(ctx, c.PRURL)
	if err != nil || byPR.ID != c.ID {
		t.Fatalf("expected lookup by pr url to find contribution: %v %v", byPR, err)
	}
}

func TestAgentSuspension(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	agent := domain.Agent{ID: "agent-1", Name: "claude-fixer", CreatedAt: now}
	if err := r.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	state, err := r.GetAgentState(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent state: %v", err)
	}
	if state.Suspended {
		t.Fatalf("expected agent not suspended by default")
	}

	if err := r.SetAgentSuspended(ctx, agent.ID, true, "repeated build failures", nil, now); err != nil {
		t.Fatalf("suspend agent: %v", err)
	}
	suspended, err := r.ListSuspendedAgents(ctx)
	if err != nil || len(suspended) != 1 || suspended[0] != agent.ID {
		t.Fatalf("expected agent to be listed suspended: %v %v", suspended, err)
	}
}

func TestConfigDefaultsSeeded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.GetConfig(ctx, "max_concurrent_agents")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if entry.Value != "4" {
		t.Fatalf("expected default of 4, got %s", entry.Value)
	}

	if err := r.SetConfig(ctx, "max_concurrent_agents", "8", time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("set config: %v", err)
	}
	entry, err = r.GetConfig(ctx, "max_concurrent_agents")
	if err != nil || entry.Value != "8" {
		t.Fatalf("expected updated value of 8, got %+v (%v)", entry, err)
	}
}
