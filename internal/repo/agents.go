package repo

import (
	"context"
	"database/sql"

	"github.com/example/orchestrator/internal/domain"
)

// --- agents ---

// InsertAgent creates an agent identity.
func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id, name, image, created_at) VALUES (?,?,?,?)`,
		a.ID, a.Name, nullable(a.Image), a.CreatedAt)
	return err
}

// GetAgent returns an agent by id.
func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var image sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, image, created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &image, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Image = stringOrEmpty(image)
	return a, nil
}

// UpdateAgentFields applies an operator PATCH of an agent's name/image,
// leaving either untouched when not supplied.
func (r Repo) UpdateAgentFields(ctx context.Context, id, name, image string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET
name=COALESCE(NULLIF(?,''), name), image=COALESCE(NULLIF(?,''), image) WHERE id=?`,
		name, image, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent by id.
func (r Repo) DeleteAgent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns all registered agents.
func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, image, created_at FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var image sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &image, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Image = stringOrEmpty(image)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- agent runs ---

// InsertAgentRun records the start of a run.
func (r Repo) InsertAgentRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	_, err := r.execer(tx)(ctx, `INSERT INTO agent_runs(id, agent_id, workspace_id, status, created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.AgentID, run.WorkspaceID, run.Status, run.CreatedAt)
	return err
}

// UpdateAgentRunStatus advances a run's terminal status.
func (r Repo) UpdateAgentRunStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agent_runs SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgentRun returns a run by id.
func (r Repo) GetAgentRun(ctx context.Context, id string) (domain.AgentRun, error) {
	var run domain.AgentRun
	err := r.DB.QueryRowContext(ctx, `SELECT id, agent_id, workspace_id, status, created_at FROM agent_runs WHERE id=?`, id).
		Scan(&run.ID, &run.AgentID, &run.WorkspaceID, &run.Status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// ListAgentRuns returns agent runs, optionally filtered by agent or workspace.
func (r Repo) ListAgentRuns(ctx context.Context, agentID, workspaceID string) ([]domain.AgentRun, error) {
	query := `SELECT id, agent_id, workspace_id, status, created_at FROM agent_runs WHERE 1=1`
	var args []any
	if agentID != "" {
		query += ` AND agent_id=?`
		args = append(args, agentID)
	}
	if workspaceID != "" {
		query += ` AND workspace_id=?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AgentRun
	for rows.Next() {
		var run domain.AgentRun
		if err := rows.Scan(&run.ID, &run.AgentID, &run.WorkspaceID, &run.Status, &run.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- agent states (suspension / mission-count throttling per spec §4.6) ---

// GetAgentState returns the suspension state for an agent, defaulting to not-suspended if absent.
func (r Repo) GetAgentState(ctx context.Context, agentID string) (domain.AgentState, error) {
	var s domain.AgentState
	var reason sql.NullString
	var runID sql.NullString
	s.AgentID = agentID
	err := r.DB.QueryRowContext(ctx, `SELECT suspended, reason, agent_run_id, updated_at FROM agent_states WHERE agent_id=?`, agentID).
		Scan(&s.Suspended, &reason, &runID, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.AgentState{AgentID: agentID, Suspended: false}, nil
	}
	if err != nil {
		return s, err
	}
	s.Reason = stringOrEmpty(reason)
	s.AgentRunID = ptrOrNil(runID)
	return s, nil
}

// SetAgentSuspended marks an agent suspended or cleared (spec §4.6: repeated-failure backoff).
func (r Repo) SetAgentSuspended(ctx context.Context, agentID string, suspended bool, reason string, agentRunID *string, now string) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO agent_states(agent_id, suspended, reason, agent_run_id, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET suspended=excluded.suspended, reason=excluded.reason,
  agent_run_id=excluded.agent_run_id, updated_at=excluded.updated_at`,
		agentID, suspended, nullable(reason), nullablePtr(agentRunID), now)
	return err
}

// ListSuspendedAgents returns ids of agents currently suspended.
func (r Repo) ListSuspendedAgents(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id FROM agent_states WHERE suspended=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
