package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/orchestrator/internal/domain"
)

// synthesizeFixPrompt calls the text-completion RPC (the same opaque
// collaborator the Recipe Synthesizer uses, spec §1) to produce the
// agent-facing fix instructions, then persists it onto the issue for
// diagnostics (domain.Issue.AIFixPrompt).
func (rn *Runner) synthesizeFixPrompt(ctx context.Context, issue domain.Issue, rep domain.Repository, forkURL, branchName string, isRerun bool) (string, error) {
	meta := buildMetaPrompt(issue, rep, forkURL, branchName, isRerun)
	prompt, err := rn.Completer.Complete(ctx, meta)
	if err != nil {
		return "", fmt.Errorf("synthesize fix prompt: %w", err)
	}
	now := rn.now().UTC().Format(time.RFC3339)
	if err := rn.Repo.SetIssueFixPrompt(ctx, issue.ID, prompt, now); err != nil {
		return "", fmt.Errorf("persist fix prompt: %w", err)
	}
	return prompt, nil
}

// buildMetaPrompt is the context-bearing prompt sent to the completion RPC;
// the RPC's response becomes the text the coding agent reads (spec §4.3 step 10).
func buildMetaPrompt(issue domain.Issue, rep domain.Repository, forkURL, branchName string, isRerun bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write fix instructions for a coding agent working on repository %s.\n", rep.FullName)
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n\n", issue.Number, issue.Title, issue.Body)
	fmt.Fprintf(&b, "The agent has a clone of the fork at %s checked out at branch %q.\n", forkURL, branchName)
	if isRerun {
		b.WriteString("This is a RE-RUN: fetch upstream, rebase onto the latest origin default branch, " +
			"reuse the existing branch name, and push to the existing remote. Do NOT open a new pull request " +
			"— pushing to the branch updates the PR already open against it.\n")
	} else {
		b.WriteString("This is a fresh run: create the branch, commit the fix, push it to the fork, " +
			"and open a pull request from the fork back to the origin repository.\n")
	}
	b.WriteString("Report the final pull request URL on its own line once opened or updated.\n")
	return b.String()
}

// writePromptScript wraps prompt in a bounded heredoc write followed by the
// agent invocation, avoiding shell-escaping issues with issue text that may
// contain arbitrary quoting (spec §4.3 step 10).
func writePromptScript(prompt string) []string {
	script := "cat <<'ORC_FIX_PROMPT_EOF' > /tmp/orc-fix-prompt.txt\n" +
		prompt +
		"\nORC_FIX_PROMPT_EOF\nexec agent run --prompt-file /tmp/orc-fix-prompt.txt\n"
	return []string{"/bin/sh", "-c", script}
}
