// Package runner implements the Workspace Runner (spec §4.3): the
// state-machine engine that drives one workspace from pending to a terminal
// state, owning the container lifecycle, streaming log ingestion, PR-URL
// detection, and contribution upsert.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/orchestrator/internal/daemon"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/provider"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/synth"
)

// DaemonClient is the subset of internal/daemon.Client the runner needs,
// narrowed so tests can substitute a fake (spec's daemon socket is the
// hardest-to-exercise collaborator in the system).
type DaemonClient interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, tag, recipe string, sink daemon.ProgressSink) (string, error)
	CreateAndStart(ctx context.Context, req daemon.CreateContainerRequest) (string, error)
	ExecStream(ctx context.Context, containerID string, req daemon.ExecRequest, sink daemon.FrameSink) (daemon.ExecResult, error)
	StopAndRemove(ctx context.Context, containerID string) error
	ContainerExists(ctx context.Context, containerID string) (bool, error)
}

// ProviderClient is the subset of internal/provider.Client the runner needs.
type ProviderClient interface {
	EnsureFork(ctx context.Context, owner, repoName string) (provider.Fork, error)
	FindOpenPR(ctx context.Context, owner, repoName string, issueNumber int) (provider.OpenPR, bool, error)
}

// RecipeSynthesizer is the subset of internal/synth.Synthesizer the runner needs.
type RecipeSynthesizer interface {
	Synthesize(ctx context.Context, req synth.RecipeRequest) (string, error)
}

const (
	// gracePeriod is how long the runner waits for late exec output before
	// tearing the container down (spec §4.3 step 12).
	gracePeriod = 60 * time.Second
	baseBranch  = "main"
)

var prURLPattern = regexp.MustCompile(`https?://\S+/pull/\d+`)
var prNumberSuffix = regexp.MustCompile(`/pull/(\d+)$`)

// extractPRNumber pulls the trailing PR number off a URL matched by
// prURLPattern, for contributions.pr_number (spec §4.4 "located by PR URL or
// PR number").
func extractPRNumber(prURL string) (int, bool) {
	m := prNumberSuffix.FindStringSubmatch(prURL)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SpawnRequest is the input to Spawn (spec §4.3: "Inputs: {issue id, agent id, timeout minutes}").
type SpawnRequest struct {
	IssueID        string
	AgentID        string
	TimeoutMinutes float64
}

// Runner drives workspaces through their lifecycle. One Runner instance is
// shared across all in-flight workspaces; each Spawn call owns its own
// workspace exclusively from creation to terminal state (spec §3 "Ownership").
type Runner struct {
	Repo      repo.Repo
	Daemon    DaemonClient
	Provider  ProviderClient
	Synth     RecipeSynthesizer
	Completer synth.Completer // reused for the fix prompt, same opaque completion RPC (spec §1)
	Logger    *log.Logger
	Now       func() time.Time

	SSHKeyPath           string
	ProviderAuthFilePath string
	AgentConfigDir       string
	ProviderToken        string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Runner; Logger defaults to log.Default(), Now to time.Now.
func New(r repo.Repo, d DaemonClient, p ProviderClient, s RecipeSynthesizer, completer synth.Completer, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Repo:      r,
		Daemon:    d,
		Provider:  p,
		Synth:     s,
		Completer: completer,
		Logger:    logger,
		Now:       time.Now,
		cancels:   make(map[string]context.CancelFunc),
	}
}

func (rn *Runner) now() time.Time {
	if rn.Now != nil {
		return rn.Now()
	}
	return time.Now()
}

func (rn *Runner) registerCancel(workspaceID string, cancel context.CancelFunc) {
	rn.mu.Lock()
	rn.cancels[workspaceID] = cancel
	rn.mu.Unlock()
}

func (rn *Runner) unregisterCancel(workspaceID string) {
	rn.mu.Lock()
	delete(rn.cancels, workspaceID)
	rn.mu.Unlock()
}

// Spawn runs spec §4.3 steps 1-9 synchronously (load rows, ensure fork,
// detect re-run/open PR, insert the workspace row, ping the daemon, synthesize
// and build the recipe image, create and start the container) and returns the
// persisted workspace row whether it succeeds or fails (SPEC_FULL.md §12's
// "always-return-row-with-error-field" resolution) — only agent execution
// (steps 10-12) continues in the background after Spawn returns.
func (rn *Runner) Spawn(ctx context.Context, req SpawnRequest) (domain.Workspace, error) {
	issue, err := rn.Repo.GetIssue(ctx, req.IssueID)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: load issue %s: %w", req.IssueID, err)
	}
	rep, err := rn.Repo.GetRepository(ctx, issue.RepositoryID)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: load repository %s: %w", issue.RepositoryID, err)
	}
	// environment row is rederived by extraction; the runner only reads it as
	// diagnostic context for the synthesizer prompt, so its absence is not fatal.
	env, _ := rn.Repo.GetRepositoryEnvironment(ctx, rep.ID)

	owner, repoName, ok := provider.SplitFullName(rep.FullName)
	if !ok {
		return domain.Workspace{}, fmt.Errorf("runner: repository full name %q is not owner/repo", rep.FullName)
	}

	branchName, isRerun, priorPRURL, err := rn.resolveBranch(ctx, rep.ID, issue.ID, owner, repoName, issue.Number)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: resolve branch: %w", err)
	}

	fork, err := rn.Provider.EnsureFork(ctx, owner, repoName)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: ensure fork of %s: %w", rep.FullName, err)
	}
	if rep.ForkName == nil || *rep.ForkName != fork.FullName {
		if err := rn.Repo.SetRepositoryFork(ctx, rep.ID, fork.FullName, fork.URL); err != nil {
			return domain.Workspace{}, fmt.Errorf("runner: persist fork: %w", err)
		}
	}

	now := rn.now()
	timeoutMinutes := req.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 60
	}
	ws := domain.Workspace{
		ID:             uuid.New().String(),
		AgentID:        req.AgentID,
		RepositoryID:   rep.ID,
		IssueID:        issue.ID,
		Status:         "building",
		BranchName:     branchName,
		BaseBranch:     baseBranch,
		TimeoutMinutes: timeoutMinutes,
		CreatedAt:      now.UTC().Format(time.RFC3339),
		ExpiresAt:      now.Add(time.Duration(timeoutMinutes * float64(time.Minute))).UTC().Format(time.RFC3339),
	}
	if priorPRURL != "" {
		ws.PRURL = &priorPRURL
	}
	if err := rn.Repo.InsertWorkspace(ctx, nil, ws); err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: insert workspace: %w", err)
	}

	if err := rn.Daemon.Ping(ctx); err != nil {
		return rn.failBuild(ctx, ws, "daemon unreachable: "+err.Error())
	}

	recipe, err := rn.Synth.Synthesize(ctx, synth.RecipeRequest{
		RepositoryFullName: rep.FullName,
		OriginURL:          rep.OriginURL,
		Language:           rep.Language,
		ForkURL:            fork.URL,
	})
	if err != nil {
		return rn.failBuild(ctx, ws, "recipe synthesis failed: "+err.Error())
	}
	if err := rn.Repo.SetWorkspaceRecipe(ctx, ws.ID, recipe); err != nil {
		return domain.Workspace{}, fmt.Errorf("runner: persist recipe: %w", err)
	}
	ws.Recipe = recipe

	tag := fmt.Sprintf("uc-workspace-%s:%d", sanitizeTag(ws.ID), now.UnixNano())
	var buildLog []string
	imageID, err := rn.Daemon.BuildImage(ctx, tag, recipe, func(line string) {
		buildLog = append(buildLog, line)
		if len(buildLog) > 100 {
			buildLog = buildLog[len(buildLog)-100:]
		}
	})
	if err != nil {
		detail := err.Error()
		var buildErr *daemon.BuildError
		if errors.As(err, &buildErr) {
			detail = fmt.Sprintf("%s (last progress: %v)", buildErr.Message, buildErr.LastProgress)
		}
		return rn.failBuild(ctx, ws, "image build failed: "+detail)
	}
	rn.Logger.Printf("runner: built image %s (%s) for workspace %s", tag, imageID, ws.ID)

	containerID, err := rn.Daemon.CreateAndStart(ctx, rn.containerRequest(tag, rep, env))
	if err != nil {
		return rn.failCrash(ctx, ws, "container create/start failed: "+err.Error())
	}

	ws.Status = "running"
	ws.ContainerID = &containerID
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "running", &containerID, nil); err != nil {
		return ws, fmt.Errorf("runner: transition to running: %w", err)
	}
	if err := rn.Repo.UpdateIssueStatus(ctx, nil, issue.ID, "fixing", rn.now().UTC().Format(time.RFC3339)); err != nil {
		rn.Logger.Printf("runner: failed to mark issue %s fixing: %v", issue.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rn.registerCancel(ws.ID, cancel)
	go rn.executeAgent(runCtx, ws, issue, rep, containerID, isRerun)

	return ws, nil
}

// failBuild persists build_failed with a structured error and returns it as
// the workspace row alongside a non-nil error (SPEC_FULL.md §12 resolution).
func (rn *Runner) failBuild(ctx context.Context, ws domain.Workspace, reason string) (domain.Workspace, error) {
	msg := structuredError("build_failed", reason, rn.now())
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "build_failed", nil, &msg); err != nil {
		rn.Logger.Printf("runner: failed to persist build_failed for %s: %v", ws.ID, err)
	}
	ws.Status = "build_failed"
	ws.ErrorMessage = &msg
	return ws, errors.New(reason)
}

func (rn *Runner) failCrash(ctx context.Context, ws domain.Workspace, reason string) (domain.Workspace, error) {
	msg := structuredError("container_crashed", reason, rn.now())
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "container_crashed", nil, &msg); err != nil {
		rn.Logger.Printf("runner: failed to persist container_crashed for %s: %v", ws.ID, err)
	}
	ws.Status = "container_crashed"
	ws.ErrorMessage = &msg
	return ws, errors.New(reason)
}

type structuredErrorDetails struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func structuredError(errType, message string, at time.Time) string {
	b, err := json.Marshal(structuredErrorDetails{Type: errType, Message: message, Timestamp: at.UTC().Format(time.RFC3339)})
	if err != nil {
		return message
	}
	return string(b)
}

// resolveBranch implements spec §4.3 step 1 (re-run detection) and step 3
// (open-PR lookup, whose url is persisted onto the workspace for a re-run).
func (rn *Runner) resolveBranch(ctx context.Context, repositoryID, issueID, owner, repoName string, issueNumber int) (branch string, isRerun bool, priorPRURL string, err error) {
	contribution, err := rn.Repo.GetContributionByIssue(ctx, issueID)
	switch {
	case err == nil:
		branch = contribution.BranchName
		isRerun = true
	case errors.Is(err, repo.ErrNotFound):
		branch = fmt.Sprintf("fix/issue-%d", issueNumber)
	default:
		return "", false, "", err
	}

	openPR, found, err := rn.Provider.FindOpenPR(ctx, owner, repoName, issueNumber)
	if err != nil {
		return "", false, "", err
	}
	if found {
		priorPRURL = openPR.URL
	}
	return branch, isRerun, priorPRURL, nil
}

func (rn *Runner) containerRequest(image string, rep domain.Repository, env domain.RepositoryEnvironment) daemon.CreateContainerRequest {
	var binds []string
	if rn.SSHKeyPath != "" {
		binds = append(binds, rn.SSHKeyPath+":/root/.ssh/id_ed25519:ro")
	}
	if rn.ProviderAuthFilePath != "" {
		binds = append(binds, rn.ProviderAuthFilePath+":/root/.agent/auth.json:ro")
	}
	if rn.AgentConfigDir != "" {
		binds = append(binds, rn.AgentConfigDir+":/root/.agent/config:ro")
	}
	envVars := []string{"PROVIDER_TOKEN=" + rn.ProviderToken}
	return daemon.CreateContainerRequest{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", "tail -f /dev/null"},
		Env:        envVars,
		WorkingDir: "/workspace/" + rep.FullName,
		User:       "agent",
		Tty:        true,
		Labels:     map[string]string{"orchestrator.repository": rep.FullName},
		HostConfig: daemon.HostConfig{Binds: binds, NetworkMode: "host"},
	}
}

func sanitizeTag(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

