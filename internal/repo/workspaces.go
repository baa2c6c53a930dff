package repo

import (
	"context"
	"database/sql"

	"github.com/example/orchestrator/internal/domain"
)

const workspaceColumns = `id, agent_id, repository_id, issue_id, container_id, status, branch_name, base_branch,
  timeout_minutes, recipe, pr_url, error_message, created_at, expires_at, destroyed_at`

func scanWorkspace(row interface{ Scan(...any) error }) (domain.Workspace, error) {
	var w domain.Workspace
	var containerID, recipe, prURL, errMsg, destroyedAt sql.NullString
	err := row.Scan(&w.ID, &w.AgentID, &w.RepositoryID, &w.IssueID, &containerID, &w.Status,
		&w.BranchName, &w.BaseBranch, &w.TimeoutMinutes, &recipe, &prURL, &errMsg,
		&w.CreatedAt, &w.ExpiresAt, &destroyedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ContainerID = ptrOrNil(containerID)
	w.Recipe = stringOrEmpty(recipe)
	w.PRURL = ptrOrNil(prURL)
	w.ErrorMessage = ptrOrNil(errMsg)
	w.DestroyedAt = ptrOrNil(destroyedAt)
	return w, nil
}

// InsertWorkspace creates a workspace in the status the caller sets on w.
func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO workspaces(`+workspaceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.AgentID, w.RepositoryID, w.IssueID, nullablePtr(w.ContainerID), w.Status,
		w.BranchName, w.BaseBranch, w.TimeoutMinutes, nullable(w.Recipe), nullablePtr(w.PRURL), nullablePtr(w.ErrorMessage),
		w.CreatedAt, w.ExpiresAt, nullablePtr(w.DestroyedAt))
	return err
}

// GetWorkspace returns a workspace by id.
func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return scanWorkspace(r.DB.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id))
}

// ListWorkspaces returns workspaces, optionally filtered by status and/or agent.
func (r Repo) ListWorkspaces(ctx context.Context, status, agentID string) ([]domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	if agentID != "" {
		query += ` AND agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListExpiredWorkspaces returns non-terminal workspaces past their expires_at, for the
// timeout sweep described in spec §4.3 step 9.
func (r Repo) ListExpiredWorkspaces(ctx context.Context, nowRFC3339 string) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces
WHERE expires_at < ? AND status IN ('pending','building','running')`, nowRFC3339)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListActiveWorkspacesByAgent returns non-terminal workspaces for an agent.
func (r Repo) ListActiveWorkspacesByAgent(ctx context.Context, agentID string) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces
WHERE agent_id=? AND status IN ('pending','building','running')`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListAllActiveWorkspaces returns every non-terminal workspace, used on process start to
// fail stale entries left behind by an unclean shutdown.
func (r Repo) ListAllActiveWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces
WHERE status IN ('pending','building','running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkspaceStatus transitions status within an optional transaction, recording the
// container id and/or error message when provided.
func (r Repo) UpdateWorkspaceStatus(ctx context.Context, tx *sql.Tx, id, status string, containerID, errMsg *string) error {
	res, err := r.execer(tx)(ctx, `UPDATE workspaces SET status=?, container_id=COALESCE(?, container_id), error_message=COALESCE(?, error_message) WHERE id=?`,
		status, nullablePtr(containerID), nullablePtr(errMsg), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkspaceRecipe persists the synthesized container recipe for diagnostics (spec §4.3 step 6).
func (r Repo) SetWorkspaceRecipe(ctx context.Context, id, recipe string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workspaces SET recipe=? WHERE id=?`, nullable(recipe), id)
	return err
}

// SetWorkspacePR records the detected PR url (spec §5: "latest wins").
func (r Repo) SetWorkspacePR(ctx context.Context, tx *sql.Tx, id, prURL string) error {
	_, err := r.execer(tx)(ctx, `UPDATE workspaces SET pr_url=? WHERE id=?`, prURL, id)
	return err
}

// DestroyWorkspace marks a workspace destroyed at the given timestamp.
func (r Repo) DestroyWorkspace(ctx context.Context, id, status, destroyedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workspaces SET status=?, destroyed_at=? WHERE id=?`, status, destroyedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- workspace logs ---

// AppendWorkspaceLog inserts one streamed log line; ids are the monotonically
// increasing AUTOINCREMENT primary key used for after_id pagination (spec §6, §8).
func (r Repo) AppendWorkspaceLog(ctx context.Context, workspaceID, stream, line, ts string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workspace_logs(workspace_id, stream, line, ts) VALUES (?,?,?,?)`,
		workspaceID, stream, line, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWorkspaceLogsAfter returns log lines with id > afterID, ascending, capped at limit.
func (r Repo) ListWorkspaceLogsAfter(ctx context.Context, workspaceID string, afterID int64, limit int) ([]domain.WorkspaceLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, workspace_id, stream, line, ts FROM workspace_logs
WHERE workspace_id=? AND id > ? ORDER BY id ASC LIMIT ?`, workspaceID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkspaceLog
	for rows.Next() {
		var l domain.WorkspaceLog
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &l.Stream, &l.Line, &l.TS); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
