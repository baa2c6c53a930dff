package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/orchestrator/internal/daemon"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/repo"
)

// lineBuffer accumulates partial stream output and emits complete lines,
// matching the explicit "last incomplete fragment" buffering spec §9 calls out.
type lineBuffer struct {
	buf bytes.Buffer
}

func (b *lineBuffer) feed(chunk []byte) []string {
	b.buf.Write(chunk)
	var lines []string
	for {
		data := b.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		lines = append(lines, strings.TrimSuffix(line, "\r"))
		b.buf.Next(idx + 1)
	}
	return lines
}

func (b *lineBuffer) flush() (string, bool) {
	if b.buf.Len() == 0 {
		return "", false
	}
	s := b.buf.String()
	b.buf.Reset()
	return s, true
}

// executeAgent runs spec §4.3 steps 10-12: write the fix prompt into the
// container, exec the agent, line-buffer its output into WorkspaceLog rows
// while scanning for a provider pull-request URL, then apply the exit-code
// state transition and tear the container down after a grace period.
func (rn *Runner) executeAgent(ctx context.Context, ws domain.Workspace, issue domain.Issue, rep domain.Repository, containerID string, isRerun bool) {
	defer rn.unregisterCancel(ws.ID)

	runID := uuid.New().String()
	startedAt := rn.now().UTC().Format(time.RFC3339)
	if err := rn.Repo.InsertAgentRun(ctx, nil, domain.AgentRun{
		ID: runID, AgentID: ws.AgentID, WorkspaceID: ws.ID, Status: "running", CreatedAt: startedAt,
	}); err != nil {
		rn.Logger.Printf("runner: insert agent run for workspace %s: %v", ws.ID, err)
	}

	forkURL := ""
	if rep.ForkURL != nil {
		forkURL = *rep.ForkURL
	}
	prompt, err := rn.synthesizeFixPrompt(ctx, issue, rep, forkURL, ws.BranchName, isRerun)
	if err != nil {
		rn.onExecFailure(ctx, ws, runID, "container_crashed", err.Error())
		return
	}

	stdout := &lineBuffer{}
	stderr := &lineBuffer{}
	var latestPRURL string
	var latestPRNumber int

	sink := func(stream daemon.Stream, payload []byte) {
		target := stdout
		tag := "stdout"
		if stream == daemon.StreamStderr {
			target = stderr
			tag = "stderr"
		}
		for _, line := range target.feed(payload) {
			rn.appendLog(ctx, ws.ID, tag, line)
			if stream == daemon.StreamStdout {
				if match := prURLPattern.FindString(line); match != "" {
					latestPRURL = match
					if n, ok := extractPRNumber(match); ok {
						latestPRNumber = n
					}
					if err := rn.Repo.SetWorkspacePR(ctx, nil, ws.ID, match); err != nil {
						rn.Logger.Printf("runner: persist pr_url for workspace %s: %v", ws.ID, err)
					}
				}
			}
		}
	}

	result, execErr := rn.Daemon.ExecStream(ctx, containerID, daemon.ExecRequest{
		Cmd:           writePromptScript(prompt),
		AttachStdout:  true,
		AttachStderr:  true,
		Tty:           true,
		WorkingDir:    "/workspace/" + rep.FullName,
	}, sink)

	for _, flush := range []*lineBuffer{stdout, stderr} {
		if line, ok := flush.flush(); ok {
			tag := "stdout"
			if flush == stderr {
				tag = "stderr"
			}
			rn.appendLog(ctx, ws.ID, tag, line)
		}
	}

	switch {
	case ctx.Err() != nil:
		// cancellation already transitioned the workspace; nothing further to apply.
		return
	case execErr != nil:
		rn.onExecFailure(ctx, ws, runID, "container_crashed", execErr.Error())
	case result.ExitCode != 0:
		rn.onExecFailure(ctx, ws, runID, "container_crashed", fmt.Sprintf("agent exited with status %d", result.ExitCode))
	default:
		rn.onExecSuccess(ctx, ws, runID, latestPRURL, latestPRNumber)
	}

	rn.teardown(ws.ID, containerID)
}

func (rn *Runner) appendLog(ctx context.Context, workspaceID, stream, line string) {
	ts := rn.now().UTC().Format(time.RFC3339)
	if _, err := rn.Repo.AppendWorkspaceLog(ctx, workspaceID, stream, line, ts); err != nil {
		rn.Logger.Printf("runner: append log for workspace %s: %v", workspaceID, err)
	}
}

// onExecSuccess applies spec §4.3 step 11's exit-code-0 branch: upsert the
// contribution and always advance the issue to pr_open, even if no PR URL was
// ever detected (SPEC_FULL.md §12's "PR-URL-absent-is-not-an-error" resolution).
func (rn *Runner) onExecSuccess(ctx context.Context, ws domain.Workspace, runID, prURL string, prNumber int) {
	now := rn.now().UTC().Format(time.RFC3339)
	summary := ""
	if prURL == "" {
		summary = "pr_url_missing"
	}

	existing, err := rn.Repo.GetContributionByIssue(ctx, ws.IssueID)
	contribution := domain.Contribution{
		AgentRunID: runID,
		IssueID:    ws.IssueID,
		PRURL:      prURL,
		PRNumber:   prNumber,
		BranchName: ws.BranchName,
		Status:     "pr_open",
		Summary:    summary,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err == nil {
		contribution.ID = existing.ID
		contribution.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, repo.ErrNotFound) {
		contribution.ID = uuid.New().String()
	} else {
		rn.Logger.Printf("runner: load contribution for issue %s: %v", ws.IssueID, err)
		contribution.ID = uuid.New().String()
	}
	if err := rn.Repo.UpsertContribution(ctx, nil, contribution); err != nil {
		rn.Logger.Printf("runner: upsert contribution for workspace %s: %v", ws.ID, err)
	}
	if err := rn.Repo.UpdateIssueStatus(ctx, nil, ws.IssueID, "pr_open", now); err != nil {
		rn.Logger.Printf("runner: advance issue %s to pr_open: %v", ws.IssueID, err)
	}
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "completed", nil, nil); err != nil {
		rn.Logger.Printf("runner: transition workspace %s to completed: %v", ws.ID, err)
	}
	if err := rn.Repo.UpdateAgentRunStatus(ctx, runID, "completed"); err != nil {
		rn.Logger.Printf("runner: mark agent run %s completed: %v", runID, err)
	}
}

// onExecFailure applies spec §4.3 step 11's non-zero/exception branches and
// advances the issue to error, closing out the fixing branch of the status
// DAG (spec §3).
func (rn *Runner) onExecFailure(ctx context.Context, ws domain.Workspace, runID, status, reason string) {
	now := rn.now().UTC().Format(time.RFC3339)
	msg := structuredError(status, reason, rn.now())
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, status, nil, &msg); err != nil {
		rn.Logger.Printf("runner: transition workspace %s to %s: %v", ws.ID, status, err)
	}
	if err := rn.Repo.UpdateAgentRunStatus(ctx, runID, "failed"); err != nil {
		rn.Logger.Printf("runner: mark agent run %s failed: %v", runID, err)
	}
	if err := rn.Repo.UpdateIssueStatus(ctx, nil, ws.IssueID, "error", now); err != nil {
		rn.Logger.Printf("runner: advance issue %s to error: %v", ws.IssueID, err)
	}
}

// teardown waits the grace period then force-destroys the container (spec §4.3 step 12).
func (rn *Runner) teardown(workspaceID, containerID string) {
	time.Sleep(gracePeriod)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rn.Daemon.StopAndRemove(ctx, containerID); err != nil {
		rn.Logger.Printf("runner: stop/remove container %s for workspace %s: %v", containerID, workspaceID, err)
	}
	now := rn.now().UTC().Format(time.RFC3339)
	ws, err := rn.Repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		rn.Logger.Printf("runner: load workspace %s for teardown stamp: %v", workspaceID, err)
		return
	}
	if err := rn.Repo.DestroyWorkspace(ctx, workspaceID, ws.Status, now); err != nil {
		rn.Logger.Printf("runner: stamp destroyed_at for workspace %s: %v", workspaceID, err)
	}
}

// Cancel implements spec §4.3's cancellation: transitions any non-terminal
// workspace to cancelled, force-removes its container, and resets the issue
// back to open. A workspace that already reached a terminal status but still
// has a live container (within its teardown grace period) has that container
// removed without its status being overwritten. Idempotent once nothing is
// left to destroy.
func (rn *Runner) Cancel(ctx context.Context, workspaceID string) error {
	ws, err := rn.Repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("runner: load workspace %s: %w", workspaceID, err)
	}
	if ws.IsTerminal() {
		if ws.DestroyedAt != nil {
			return nil // already torn down; cancel is idempotent
		}
		// Terminal but still within its teardown grace period: the container
		// may still be live, so destroy still applies without touching the
		// terminal status already recorded.
		if ws.ContainerID != nil {
			if err := rn.Daemon.StopAndRemove(ctx, *ws.ContainerID); err != nil {
				rn.Logger.Printf("runner: force-remove container for terminal workspace %s: %v", workspaceID, err)
			}
		}
		now := rn.now().UTC().Format(time.RFC3339)
		if err := rn.Repo.DestroyWorkspace(ctx, workspaceID, ws.Status, now); err != nil {
			rn.Logger.Printf("runner: stamp destroyed_at for terminal workspace %s: %v", workspaceID, err)
		}
		return nil
	}

	rn.mu.Lock()
	cancel, ok := rn.cancels[workspaceID]
	rn.mu.Unlock()
	if ok {
		cancel()
	}

	now := rn.now().UTC().Format(time.RFC3339)
	if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, workspaceID, "cancelled", nil, nil); err != nil {
		return fmt.Errorf("runner: transition workspace %s to cancelled: %w", workspaceID, err)
	}
	if err := rn.Repo.DestroyWorkspace(ctx, workspaceID, "cancelled", now); err != nil {
		rn.Logger.Printf("runner: stamp destroyed_at on cancel for %s: %v", workspaceID, err)
	}
	if ws.ContainerID != nil {
		if err := rn.Daemon.StopAndRemove(ctx, *ws.ContainerID); err != nil {
			rn.Logger.Printf("runner: force-remove container for cancelled workspace %s: %v", workspaceID, err)
		}
	}
	if err := rn.Repo.UpdateIssueStatus(ctx, nil, ws.IssueID, "open", now); err != nil {
		rn.Logger.Printf("runner: reset issue %s to open after cancel: %v", ws.IssueID, err)
	}
	return nil
}

// SweepTimeouts transitions any running workspace past its expires_at to
// timeout, force-removing its container (spec §4.3 "Timeout"). Intended to be
// called periodically from the serve loop.
func (rn *Runner) SweepTimeouts(ctx context.Context) error {
	now := rn.now().UTC()
	expired, err := rn.Repo.ListExpiredWorkspaces(ctx, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("runner: list expired workspaces: %w", err)
	}
	for _, ws := range expired {
		if ws.Status != "running" {
			// pending/building workspaces expiring is covered by their own synchronous path;
			// only a running exec needs the forced-timeout treatment.
			continue
		}
		elapsed := now.Sub(mustParseTime(ws.ExpiresAt))
		msg := structuredError("timeout", fmt.Sprintf("exceeded timeout by %s", elapsed), now)
		if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "timeout", nil, &msg); err != nil {
			rn.Logger.Printf("runner: transition workspace %s to timeout: %v", ws.ID, err)
			continue
		}
		rn.mu.Lock()
		if cancel, ok := rn.cancels[ws.ID]; ok {
			cancel()
		}
		rn.mu.Unlock()
		if ws.ContainerID != nil {
			if err := rn.Daemon.StopAndRemove(ctx, *ws.ContainerID); err != nil {
				rn.Logger.Printf("runner: force-remove container for timed-out workspace %s: %v", ws.ID, err)
			}
		}
		if err := rn.Repo.DestroyWorkspace(ctx, ws.ID, "timeout", now.Format(time.RFC3339)); err != nil {
			rn.Logger.Printf("runner: stamp destroyed_at for timed-out workspace %s: %v", ws.ID, err)
		}
	}
	return nil
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Reconcile implements SPEC_FULL.md §12's startup reconciliation: every
// workspace not in a terminal status when the process starts is force-failed,
// since a crashed/restarted process never silently resumes driving an
// in-flight container (spec §1 Non-goals).
func (rn *Runner) Reconcile(ctx context.Context) error {
	active, err := rn.Repo.ListAllActiveWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("runner: list active workspaces: %w", err)
	}
	now := rn.now().UTC().Format(time.RFC3339)
	for _, ws := range active {
		if ws.ContainerID != nil {
			if exists, err := rn.Daemon.ContainerExists(ctx, *ws.ContainerID); err == nil && exists {
				if err := rn.Daemon.StopAndRemove(ctx, *ws.ContainerID); err != nil {
					rn.Logger.Printf("runner: reconcile: force-remove container for workspace %s: %v", ws.ID, err)
				}
			}
		}
		msg := structuredError("container_crashed", "process restarted while workspace was in-flight", rn.now())
		if err := rn.Repo.UpdateWorkspaceStatus(ctx, nil, ws.ID, "container_crashed", nil, &msg); err != nil {
			rn.Logger.Printf("runner: reconcile: transition workspace %s: %v", ws.ID, err)
			continue
		}
		if err := rn.Repo.DestroyWorkspace(ctx, ws.ID, "container_crashed", now); err != nil {
			rn.Logger.Printf("runner: reconcile: stamp destroyed_at for workspace %s: %v", ws.ID, err)
		}
	}
	return nil
}
