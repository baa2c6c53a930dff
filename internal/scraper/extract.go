package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/repo"
)

// Extractor drives one repository through the pending->extracting->{extracted,
// error} status DAG (spec §3 Issue.status), calling the scraper Client and
// persisting whatever it returns through the Store.
type Extractor struct {
	Client Client
	Repo   repo.Repo
	Now    func() time.Time
	Logger *log.Logger
}

// New builds an Extractor; Now defaults to time.Now, Logger to log.Default().
func New(client Client, r repo.Repo, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{Client: client, Repo: r, Now: time.Now, Logger: logger}
}

// Run extracts repository metadata and every tracked issue for repositoryID,
// then marks each returned issue `extracting` and `extracted` (or `error` if
// its final write fails), and rederives the repository's environment row.
func (e *Extractor) Run(ctx context.Context, repositoryID string) error {
	rep, err := e.Repo.GetRepository(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("scraper: load repository %s: %w", repositoryID, err)
	}

	result, err := e.Client.Extract(ctx, rep.OriginURL)
	if err != nil {
		return fmt.Errorf("scraper: extract %s: %w", rep.FullName, err)
	}

	if result.Language != "" {
		if err := e.Repo.SetRepositoryLanguage(ctx, rep.ID, result.Language); err != nil {
			return fmt.Errorf("scraper: persist language for %s: %w", rep.FullName, err)
		}
	}

	now := e.Now().UTC().Format(time.RFC3339)
	env := domain.RepositoryEnvironment{
		RepositoryID:   rep.ID,
		Runtime:        result.Environment.Runtime,
		PackageManager: result.Environment.PackageManager,
		SetupCommand:   result.Environment.SetupCommand,
		TestCommand:    result.Environment.TestCommand,
		UpdatedAt:      now,
	}
	if err := e.Repo.UpsertRepositoryEnvironment(ctx, env); err != nil {
		return fmt.Errorf("scraper: persist environment for %s: %w", rep.FullName, err)
	}

	for _, issueRecord := range result.Issues {
		if err := e.applyIssue(ctx, rep.ID, issueRecord, now); err != nil {
			e.Logger.Printf("scraper: issue #%d on %s: %v", issueRecord.Number, rep.FullName, err)
		}
	}
	return nil
}

// applyIssue upserts a single issue discovered by extraction: existing issues
// (matched by repository+number) are first marked `extracting`, new ones are
// inserted already in `extracting`; both paths are then promoted to
// `extracted`, or to `error` if the final write fails (spec §3 Issue.status).
func (e *Extractor) applyIssue(ctx context.Context, repositoryID string, rec IssueRecord, now string) error {
	labelsJSON, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	var issueID string
	existing, err := e.Repo.GetIssueByNumber(ctx, repositoryID, rec.Number)
	switch {
	case err == nil:
		issueID = existing.ID
		if err := e.Repo.UpdateIssueStatus(ctx, nil, issueID, "extracting", now); err != nil {
			return fmt.Errorf("mark issue #%d extracting: %w", rec.Number, err)
		}
	case err == repo.ErrNotFound:
		issueID = fmt.Sprintf("%s-issue-%d", repositoryID, rec.Number)
		issue := domain.Issue{
			ID:           issueID,
			RepositoryID: repositoryID,
			Number:       rec.Number,
			Title:        rec.Title,
			Body:         rec.Body,
			LabelsJSON:   string(labelsJSON),
			Status:       "extracting",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertIssue(ctx, issue); err != nil {
			return fmt.Errorf("insert issue #%d: %w", rec.Number, err)
		}
	default:
		return fmt.Errorf("lookup issue #%d: %w", rec.Number, err)
	}

	if err := e.Repo.UpdateIssueExtracted(ctx, issueID, rec.Title, rec.Body, string(labelsJSON), "extracted", now); err != nil {
		if markErr := e.Repo.UpdateIssueStatus(ctx, nil, issueID, "error", now); markErr != nil {
			e.Logger.Printf("scraper: mark issue #%d error after extract failure: %v", rec.Number, markErr)
		}
		return fmt.Errorf("apply extracted fields for issue #%d: %w", rec.Number, err)
	}
	return nil
}
