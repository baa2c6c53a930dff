// Package repo implements the SQL-backed persistence layer for the orchestrator.
package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/example/orchestrator/internal/domain"
)

// Repo wraps the database handle shared by all entity accessors.
type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned when a lookup by id/key matches no row.
var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func stringOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func ptrOrNil(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// --- repositories ---

func scanRepository(row interface{ Scan(...any) error }) (domain.Repository, error) {
	var r domain.Repository
	var forkName, forkURL, lang sql.NullString
	err := row.Scan(&r.ID, &r.FullName, &r.OriginURL, &forkName, &forkURL, &lang, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.ForkName = ptrOrNil(forkName)
	r.ForkURL = ptrOrNil(forkURL)
	r.Language = stringOrEmpty(lang)
	return r, nil
}

const repositoryColumns = `id, full_name, origin_url, fork_full_name, fork_url, language, created_at`

// InsertRepository creates a repository row.
func (r Repo) InsertRepository(ctx context.Context, rep domain.Repository) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO repositories(`+repositoryColumns+`) VALUES (?,?,?,?,?,?,?)`,
		rep.ID, rep.FullName, rep.OriginURL, nullablePtr(rep.ForkName), nullablePtr(rep.ForkURL), nullable(rep.Language), rep.CreatedAt)
	return err
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetRepository returns a repository by id.
func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=?`, id))
}

// GetRepositoryByFullName returns a repository by its unique full name, used on first reference.
func (r Repo) GetRepositoryByFullName(ctx context.Context, fullName string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE full_name=?`, fullName))
}

// ListRepositories returns all repositories.
func (r Repo) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Repository
	for rows.Next() {
		rep, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// SetRepositoryFork persists lazily-discovered fork details (spec §3: populated on first spawn).
func (r Repo) SetRepositoryFork(ctx context.Context, id, forkFullName, forkURL string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE repositories SET fork_full_name=?, fork_url=? WHERE id=?`, forkFullName, forkURL, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRepositoryLanguage persists the primary language discovered during extraction.
func (r Repo) SetRepositoryLanguage(ctx context.Context, id, language string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE repositories SET language=? WHERE id=?`, nullable(language), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRepository removes a repository by id.
func (r Repo) DeleteRepository(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM repositories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- issues ---

const issueColumns = `id, repository_id, number, title, COALESCE(body,''), labels_json, status, ai_fix_prompt, created_at, updated_at`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var i domain.Issue
	var labels, prompt sql.NullString
	err := row.Scan(&i.ID, &i.RepositoryID, &i.Number, &i.Title, &i.Body, &labels, &i.Status, &prompt, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.LabelsJSON = stringOrEmpty(labels)
	i.AIFixPrompt = ptrOrNil(prompt)
	return i, nil
}

// InsertIssue creates an issue row in the status the caller sets on i.
func (r Repo) InsertIssue(ctx context.Context, i domain.Issue) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO issues(id, repository_id, number, title, body, labels_json, status, ai_fix_prompt, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.RepositoryID, i.Number, i.Title, nullable(i.Body), nullable(i.LabelsJSON), i.Status, nullablePtr(i.AIFixPrompt), i.CreatedAt, i.UpdatedAt)
	return err
}

// GetIssue returns an issue by id.
func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// GetIssueByNumber returns an issue by its (repository, number) unique key.
func (r Repo) GetIssueByNumber(ctx context.Context, repositoryID string, number int) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE repository_id=? AND number=?`, repositoryID, number))
}

// ListIssues returns issues for a repository, optionally filtered by status.
func (r Repo) ListIssues(ctx context.Context, repositoryID, status string) ([]domain.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1=1`
	var args []any
	if repositoryID != "" {
		query += ` AND repository_id=?`
		args = append(args, repositoryID)
	}
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
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// UpdateIssueStatus sets status and updated_at; the fix prompt is written by
// SetIssueFixPrompt.
func (r Repo) UpdateIssueStatus(ctx context.Context, tx *sql.Tx, id, status string, now string) error {
	exec := r.execer(tx)
	res, err := exec(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIssueExtracted persists the scraper's structured record and advances
// status to `extracted` (or `open`, the GLOSSARY's synonym for the same state)
// in one write, per the pending->extracting->{extracted,error} DAG.
func (r Repo) UpdateIssueExtracted(ctx context.Context, id, title, body, labelsJSON, status, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET title=?, body=?, labels_json=?, status=?, updated_at=? WHERE id=?`,
		title, nullable(body), nullable(labelsJSON), status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIssueFixPrompt persists the synthesized prompt for diagnostics.
func (r Repo) SetIssueFixPrompt(ctx context.Context, id, prompt, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE issues SET ai_fix_prompt=?, updated_at=? WHERE id=?`, prompt, now, id)
	return err
}

// UpdateIssueFields applies an operator PATCH of an issue's title/body,
// leaving either untouched (COALESCE against NULLIF-empty) when not supplied.
func (r Repo) UpdateIssueFields(ctx context.Context, id, title, body, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET
title=COALESCE(NULLIF(?,''), title), body=COALESCE(NULLIF(?,''), body), updated_at=? WHERE id=?`,
		title, body, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIssue removes an issue by id.
func (r Repo) DeleteIssue(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) execer(tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return r.DB.ExecContext
}

// --- repository environments ---

const envColumns = `repository_id, runtime, package_manager, COALESCE(setup_command,''), COALESCE(test_command,''), updated_at`

// UpsertRepositoryEnvironment rederives the environment row (spec §3: "rederived on each extraction").
func (r Repo) UpsertRepositoryEnvironment(ctx context.Context, env domain.RepositoryEnvironment) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO repository_environments(repository_id, runtime, package_manager, setup_command, test_command, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(repository_id) DO UPDATE SET runtime=excluded.runtime, package_manager=excluded.package_manager,
  setup_command=excluded.setup_command, test_command=excluded.test_command, updated_at=excluded.updated_at`,
		env.RepositoryID, env.Runtime, env.PackageManager, nullable(env.SetupCommand), nullable(env.TestCommand), env.UpdatedAt)
	return err
}

// GetRepositoryEnvironment returns the environment profile for a repository.
func (r Repo) GetRepositoryEnvironment(ctx context.Context, repositoryID string) (domain.RepositoryEnvironment, error) {
	var e domain.RepositoryEnvironment
	err := r.DB.QueryRowContext(ctx, `SELECT `+envColumns+` FROM repository_environments WHERE repository_id=?`, repositoryID).
		Scan(&e.RepositoryID, &e.Runtime, &e.PackageManager, &e.SetupCommand, &e.TestCommand, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// --- config ---

// GetConfig returns one config entry.
func (r Repo) GetConfig(ctx context.Context, key string) (domain.ConfigEntry, error) {
	var c domain.ConfigEntry
	c.Key = key
	err := r.DB.QueryRowContext(ctx, `SELECT value, updated_at FROM config WHERE key=?`, key).Scan(&c.Value, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListConfig returns all config entries.
func (r Repo) ListConfig(ctx context.Context) ([]domain.ConfigEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, value, updated_at FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ConfigEntry
	for rows.Next() {
		var c domain.ConfigEntry
		if err := rows.Scan(&c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConfig upserts one config entry.
func (r Repo) SetConfig(ctx context.Context, key, value, now string) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO config(key, value, updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}
