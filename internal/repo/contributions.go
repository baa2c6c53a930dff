package repo

import (
	"context"
	"database/sql"

	"github.com/example/orchestrator/internal/domain"
)

const contributionColumns = `id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at`

func scanContribution(row interface{ Scan(...any) error }) (domain.Contribution, error) {
	var c domain.Contribution
	var prURL, summary sql.NullString
	var prNumber sql.NullInt64
	err := row.Scan(&c.ID, &c.AgentRunID, &c.IssueID, &prURL, &prNumber, &c.BranchName, &c.Status, &summary, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.PRURL = stringOrEmpty(prURL)
	if prNumber.Valid {
		c.PRNumber = int(prNumber.Int64)
	}
	c.Summary = stringOrEmpty(summary)
	return c, nil
}

// UpsertContribution inserts or updates the single contribution row tracked per issue
// (schema enforces one contribution per issue_id, spec §12 Open Question resolution).
func (r Repo) UpsertContribution(ctx context.Context, tx *sql.Tx, c domain.Contribution) error {
	_, err := r.execer(tx)(ctx, `
INSERT INTO contributions(`+contributionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(issue_id) DO UPDATE SET agent_run_id=excluded.agent_run_id, pr_url=excluded.pr_url,
  pr_number=excluded.pr_number, branch_name=excluded.branch_name, status=excluded.status,
  summary=excluded.summary, updated_at=excluded.updated_at`,
		c.ID, c.AgentRunID, c.IssueID, nullable(c.PRURL), nullableInt(c.PRNumber), c.BranchName, c.Status, nullable(c.Summary), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetContribution returns a contribution by id.
func (r Repo) GetContribution(ctx context.Context, id string) (domain.Contribution, error) {
	return scanContribution(r.DB.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id=?`, id))
}

// GetContributionByIssue returns the (unique) contribution for an issue.
func (r Repo) GetContributionByIssue(ctx context.Context, issueID string) (domain.Contribution, error) {
	return scanContribution(r.DB.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE issue_id=?`, issueID))
}

// GetContributionByPRURL looks up a contribution by PR url, used to reconcile inbound
// webhook deliveries back to the originating contribution.
func (r Repo) GetContributionByPRURL(ctx context.Context, prURL string) (domain.Contribution, error) {
	return scanContribution(r.DB.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE pr_url=?`, prURL))
}

// GetContributionByPRNumber looks up a contribution by PR number, the fallback
// reconciliation path for webhook deliveries that carry no PR URL (spec §4.4
// "located by PR URL or PR number").
func (r Repo) GetContributionByPRNumber(ctx context.Context, prNumber int) (domain.Contribution, error) {
	return scanContribution(r.DB.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE pr_number=?`, prNumber))
}

// ListContributions returns contributions, optionally filtered by status.
func (r Repo) ListContributions(ctx context.Context, status string) ([]domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateContributionStatus advances status within an optional transaction.
func (r Repo) UpdateContributionStatus(ctx context.Context, tx *sql.Tx, id, status, summary, now string) error {
	res, err := r.execer(tx)(ctx, `UPDATE contributions SET status=?, summary=COALESCE(NULLIF(?,''), summary), updated_at=? WHERE id=?`,
		status, summary, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- webhooks ---

// InsertWebhook records a raw inbound delivery with its processed flag, for
// audit. Deliveries are not deduplicated. Returns the assigned id.
func (r Repo) InsertWebhook(ctx context.Context, contributionID *string, eventType, rawPayload, action string, processed bool, createdAt string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO webhooks(contribution_id, event_type, raw_payload, action, processed, created_at)
VALUES (?,?,?,?,?,?)`, nullablePtr(contributionID), eventType, rawPayload, nullable(action), processed, createdAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkWebhookProcessed flips the processed flag after successful reconciliation.
func (r Repo) MarkWebhookProcessed(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET processed=1 WHERE id=?`, id)
	return err
}

// ListUnprocessedWebhooks returns deliveries not yet reconciled, for startup replay.
func (r Repo) ListUnprocessedWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, contribution_id, event_type, raw_payload, action, processed, created_at
FROM webhooks WHERE processed=0 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		var contribID, action sql.NullString
		if err := rows.Scan(&w.ID, &contribID, &w.EventType, &w.RawPayload, &action, &w.Processed, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.ContributionID = ptrOrNil(contribID)
		w.Action = stringOrEmpty(action)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListWebhooks returns delivered webhooks in full, for the operator audit
// surface (spec §6's CRUD line names webhooks alongside every other entity).
func (r Repo) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, contribution_id, event_type, raw_payload, action, processed, created_at
FROM webhooks ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		var w domain.Webhook
		var contribID, action sql.NullString
		if err := rows.Scan(&w.ID, &contribID, &w.EventType, &w.RawPayload, &action, &w.Processed, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.ContributionID = ptrOrNil(contribID)
		w.Action = stringOrEmpty(action)
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWebhook returns a delivered webhook by id.
func (r Repo) GetWebhook(ctx context.Context, id int64) (domain.Webhook, error) {
	var w domain.Webhook
	var contribID, action sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, contribution_id, event_type, raw_payload, action, processed, created_at
FROM webhooks WHERE id=?`, id).Scan(&w.ID, &contribID, &w.EventType, &w.RawPayload, &action, &w.Processed, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ContributionID = ptrOrNil(contribID)
	w.Action = stringOrEmpty(action)
	return w, nil
}
