package runner

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/example/orchestrator/internal/daemon"
	"github.com/example/orchestrator/internal/db"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/migrate"
	"github.com/example/orchestrator/internal/provider"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/synth"
)

// --- fakes ---

type fakeDaemon struct {
	mu           sync.Mutex
	pingErr      error
	buildErr     error
	createErr    error
	execResult   daemon.ExecResult
	execErr      error
	execLines    []string // stdout lines replayed through the sink
	containerID  string
	removed      []string
	existsResult bool
	existsErr    error
}

func (f *fakeDaemon) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeDaemon) BuildImage(ctx context.Context, tag, recipe string, sink daemon.ProgressSink) (string, error) {
	if f.buildErr != nil {
		sink("step 1/1 failing")
		return "", f.buildErr
	}
	sink("step 1/1 ok")
	return "img-123", nil
}

func (f *fakeDaemon) CreateAndStart(ctx context.Context, req daemon.CreateContainerRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := f.containerID
	if id == "" {
		id = "container-1"
	}
	return id, nil
}

func (f *fakeDaemon) ExecStream(ctx context.Context, containerID string, req daemon.ExecRequest, sink daemon.FrameSink) (daemon.ExecResult, error) {
	for _, line := range f.execLines {
		sink(daemon.StreamStdout, []byte(line+"\n"))
	}
	return f.execResult, f.execErr
}

func (f *fakeDaemon) StopAndRemove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	f.removed = append(f.removed, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDaemon) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	return f.existsResult, f.existsErr
}

func (f *fakeDaemon) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fakeProvider struct {
	fork       provider.Fork
	forkErr    error
	openPR     provider.OpenPR
	openPRFound bool
	openPRErr  error
}

func (f *fakeProvider) EnsureFork(ctx context.Context, owner, repoName string) (provider.Fork, error) {
	if f.forkErr != nil {
		return provider.Fork{}, f.forkErr
	}
	if f.fork.FullName == "" {
		return provider.Fork{FullName: "bot/" + repoName, URL: "https://example.test/bot/" + repoName}, nil
	}
	return f.fork, nil
}

func (f *fakeProvider) FindOpenPR(ctx context.Context, owner, repoName string, issueNumber int) (provider.OpenPR, bool, error) {
	return f.openPR, f.openPRFound, f.openPRErr
}

type fakeSynth struct {
	recipe string
	err    error
}

func (f *fakeSynth) Synthesize(ctx context.Context, req synth.RecipeRequest) (string, error) {
	return f.recipe, f.err
}

type fakeCompleter struct {
	text string
	err  error
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}

// --- test setup ---

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

func seedIssue(t *testing.T, r repo.Repo, suffix string) (domain.Repository, domain.Issue) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	rep := domain.Repository{ID: "repo-" + suffix, FullName: "acme/widget-" + suffix, OriginURL: "https://example.test/acme/widget-" + suffix, Language: "go", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}
	issue := domain.Issue{ID: "issue-" + suffix, RepositoryID: rep.ID, Number: 7, Title: "panic on empty input", Status: "extracted", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertIssue(ctx, issue); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	agent := domain.Agent{ID: "agent-" + suffix, Name: "coder", CreatedAt: now}
	if err := r.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return rep, issue
}

func newTestRunner(r repo.Repo, d DaemonClient, p ProviderClient, s RecipeSynthesizer, c synth.Completer) *Runner {
	rn := New(r, d, p, s, c, log.New(discard{}, "", 0))
	return rn
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// --- tests ---

func TestSpawnBuildsAndStartsContainer(t *testing.T) {
	r := newTestRepo(t)
	_, issue := seedIssue(t, r, "1")

	d := &fakeDaemon{execResult: daemon.ExecResult{ExitCode: 0}, execLines: []string{"opened https://example.test/acme/widget-1/pull/9"}}
	p := &fakeProvider{}
	s := &fakeSynth{recipe: "FROM golang:1.22\n"}
	c := &fakeCompleter{text: "do the fix"}

	rn := newTestRunner(r, d, p, s, c)
	ws, err := rn.Spawn(context.Background(), SpawnRequest{IssueID: issue.ID, AgentID: "agent-1", TimeoutMinutes: 30})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ws.Status != "running" {
		t.Fatalf("expected running, got %s", ws.Status)
	}
	if ws.ContainerID == nil || *ws.ContainerID != "container-1" {
		t.Fatalf("expected container id recorded, got %+v", ws.ContainerID)
	}
	if ws.BranchName != "fix/issue-7" {
		t.Fatalf("expected fresh-run branch name, got %s", ws.BranchName)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.GetWorkspace(context.Background(), ws.ID)
		if err != nil {
			t.Fatalf("get workspace: %v", err)
		}
		if got.Status == "completed" {
			if got.PRURL == nil || *got.PRURL != "https://example.test/acme/widget-1/pull/9" {
				t.Fatalf("expected pr url persisted, got %+v", got.PRURL)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("workspace never reached completed")
}

func TestSpawnReturnsWorkspaceRowOnBuildFailure(t *testing.T) {
	r := newTestRepo(t)
	_, issue := seedIssue(t, r, "2")

	d := &fakeDaemon{buildErr: errors.New("no base image")}
	p := &fakeProvider{}
	s := &fakeSynth{recipe: "FROM golang:1.22\n"}
	c := &fakeCompleter{}

	rn := newTestRunner(r, d, p, s, c)
	ws, err := rn.Spawn(context.Background(), SpawnRequest{IssueID: issue.ID, AgentID: "agent-2", TimeoutMinutes: 30})
	if err == nil {
		t.Fatal("expected error")
	}
	if ws.Status != "build_failed" {
		t.Fatalf("expected build_failed, got %s", ws.Status)
	}
	if ws.ErrorMessage == nil {
		t.Fatal("expected structured error message")
	}

	persisted, getErr := r.GetWorkspace(context.Background(), ws.ID)
	if getErr != nil {
		t.Fatalf("get workspace: %v", getErr)
	}
	if persisted.Status != "build_failed" {
		t.Fatalf("expected persisted build_failed, got %s", persisted.Status)
	}
}

func TestSpawnReturnsWorkspaceRowOnContainerCreateFailure(t *testing.T) {
	r := newTestRepo(t)
	_, issue := seedIssue(t, r, "3")

	d := &fakeDaemon{createErr: errors.New("daemon refused")}
	p := &fakeProvider{}
	s := &fakeSynth{recipe: "FROM golang:1.22\n"}
	c := &fakeCompleter{}

	rn := newTestRunner(r, d, p, s, c)
	ws, err := rn.Spawn(context.Background(), SpawnRequest{IssueID: issue.ID, AgentID: "agent-3", TimeoutMinutes: 30})
	if err == nil {
		t.Fatal("expected error")
	}
	if ws.Status != "container_crashed" {
		t.Fatalf("expected container_crashed, got %s", ws.Status)
	}
}

func TestSpawnDetectsRerunAndReusesBranch(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	rep, issue := seedIssue(t, r, "4")

	now := time.Now().UTC().Format(time.RFC3339)
	existing := domain.Contribution{
		ID: "contrib-1", AgentRunID: "run-0", IssueID: issue.ID, PRURL: "https://example.test/acme/widget-4/pull/3",
		BranchName: "fix/issue-7", Status: "pr_open", CreatedAt: now, UpdatedAt: now,
	}
	if err := r.UpsertContribution(ctx, nil, existing); err != nil {
		t.Fatalf("seed contribution: %v", err)
	}
	_ = rep

	d := &fakeDaemon{execResult: daemon.ExecResult{ExitCode: 0}}
	p := &fakeProvider{openPR: provider.OpenPR{URL: existing.PRURL, Number: 3}, openPRFound: true}
	s := &fakeSynth{recipe: "FROM golang:1.22\n"}
	c := &fakeCompleter{text: "rebase and push"}

	rn := newTestRunner(r, d, p, s, c)
	ws, err := rn.Spawn(ctx, SpawnRequest{IssueID: issue.ID, AgentID: "agent-4", TimeoutMinutes: 30})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ws.BranchName != "fix/issue-7" {
		t.Fatalf("expected reused branch name, got %s", ws.BranchName)
	}
	if ws.PRURL == nil || *ws.PRURL != existing.PRURL {
		t.Fatalf("expected prior pr url carried onto workspace, got %+v", ws.PRURL)
	}
}

func TestCancelTransitionsRunningWorkspaceAndResetsIssue(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, issue := seedIssue(t, r, "5")

	now := time.Now().UTC().Format(time.RFC3339)
	containerID := "container-5"
	ws := domain.Workspace{
		ID: "ws-5", AgentID: "agent-5", RepositoryID: issue.RepositoryID, IssueID: issue.ID,
		ContainerID: &containerID, Status: "running", BranchName: "fix/issue-7", BaseBranch: "main",
		TimeoutMinutes: 30, CreatedAt: now, ExpiresAt: now,
	}
	if err := r.InsertAgent(ctx, domain.Agent{ID: "agent-5", Name: "coder", CreatedAt: now}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := r.InsertWorkspace(ctx, nil, ws); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}

	d := &fakeDaemon{}
	rn := newTestRunner(r, d, &fakeProvider{}, &fakeSynth{}, &fakeCompleter{})

	var cancelled bool
	rn.registerCancel(ws.ID, func() { cancelled = true })

	if err := rn.Cancel(ctx, ws.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("expected registered cancel func to be invoked")
	}
	got, err := r.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if d.removedCount() != 1 {
		t.Fatalf("expected container force-removed once, got %d", d.removedCount())
	}
	issueAfter, err := r.GetIssue(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issueAfter.Status != "open" {
		t.Fatalf("expected issue reset to open, got %s", issueAfter.Status)
	}

	// Cancel is idempotent: calling again on an already-terminal workspace is a no-op.
	if err := rn.Cancel(ctx, ws.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if d.removedCount() != 1 {
		t.Fatalf("expected no additional removal on idempotent cancel, got %d", d.removedCount())
	}
}

func TestReconcileMarksActiveWorkspacesCrashed(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, issue := seedIssue(t, r, "6")

	now := time.Now().UTC().Format(time.RFC3339)
	containerID := "container-6"
	ws := domain.Workspace{
		ID: "ws-6", AgentID: "agent-6", RepositoryID: issue.RepositoryID, IssueID: issue.ID,
		ContainerID: &containerID, Status: "running", BranchName: "fix/issue-7", BaseBranch: "main",
		TimeoutMinutes: 30, CreatedAt: now, ExpiresAt: now,
	}
	if err := r.InsertAgent(ctx, domain.Agent{ID: "agent-6", Name: "coder", CreatedAt: now}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := r.InsertWorkspace(ctx, nil, ws); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}

	d := &fakeDaemon{existsResult: true}
	rn := newTestRunner(r, d, &fakeProvider{}, &fakeSynth{}, &fakeCompleter{})

	if err := rn.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := r.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Status != "container_crashed" {
		t.Fatalf("expected container_crashed after reconcile, got %s", got.Status)
	}
	if got.DestroyedAt == nil {
		t.Fatal("expected destroyed_at stamped")
	}
	if d.removedCount() != 1 {
		t.Fatalf("expected container force-removed once, got %d", d.removedCount())
	}
}

func TestSweepTimeoutsTransitionsExpiredRunningWorkspace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, issue := seedIssue(t, r, "7")

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	containerID := "container-7"
	ws := domain.Workspace{
		ID: "ws-7", AgentID: "agent-7", RepositoryID: issue.RepositoryID, IssueID: issue.ID,
		ContainerID: &containerID, Status: "running", BranchName: "fix/issue-7", BaseBranch: "main",
		TimeoutMinutes: 30, CreatedAt: past, ExpiresAt: past,
	}
	if err := r.InsertAgent(ctx, domain.Agent{ID: "agent-7", Name: "coder", CreatedAt: past}); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	if err := r.InsertWorkspace(ctx, nil, ws); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}

	d := &fakeDaemon{}
	rn := newTestRunner(r, d, &fakeProvider{}, &fakeSynth{}, &fakeCompleter{})

	if err := rn.SweepTimeouts(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := r.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Status != "timeout" {
		t.Fatalf("expected timeout, got %s", got.Status)
	}
	if d.removedCount() != 1 {
		t.Fatalf("expected container force-removed once, got %d", d.removedCount())
	}
}
