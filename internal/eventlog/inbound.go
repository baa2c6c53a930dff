package eventlog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/orchestrator/internal/repo"
)

// ErrUnauthorized is returned when the inbound signature is missing or wrong.
var ErrUnauthorized = errors.New("eventlog: signature missing or invalid")

// ErrBadPayload is returned when the verified body is not valid JSON.
var ErrBadPayload = errors.New("eventlog: payload is not valid JSON")

// VerifySignature checks the `sha256=<hex>` HMAC-SHA256 signature of rawBody
// against secret in constant time (spec §4.4). The raw body must be the exact
// bytes read off the wire, before any JSON parsing.
func VerifySignature(secret string, signatureHeader string, rawBody []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	expected := hmacHex(secret, rawBody)
	given := strings.TrimPrefix(signatureHeader, prefix)
	return hmac.Equal([]byte(expected), []byte(given))
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// PullRequestEvent is the subset of the provider's `pull_request` webhook
// payload the Integrator reads.
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
}

// Integrator is the Event Integrator (spec §4.4): authenticates inbound
// provider events, stores them for audit, and reconciles contribution/issue
// state per event semantics.
type Integrator struct {
	Repo          repo.Repo
	WebhookSecret string
	Now           func() time.Time
}

// New builds an Integrator; Now defaults to time.Now.
func New(r repo.Repo, webhookSecret string) *Integrator {
	return &Integrator{Repo: r, WebhookSecret: webhookSecret, Now: time.Now}
}

// Receive verifies the signature, persists the raw delivery as a Webhook row,
// and — for `pull_request` events — reconciles contribution/issue state.
// The raw body must be read by the caller BEFORE any JSON parsing so the
// signature covers exactly the bytes that were sent (spec §4.4).
func (in *Integrator) Receive(ctx context.Context, eventType, signatureHeader string, rawBody []byte) error {
	if strings.TrimSpace(in.WebhookSecret) == "" {
		return fmt.Errorf("eventlog: webhook secret not configured")
	}
	if !VerifySignature(in.WebhookSecret, signatureHeader, rawBody) {
		return ErrUnauthorized
	}
	if !json.Valid(rawBody) {
		return ErrBadPayload
	}

	now := in.Now().UTC().Format(time.RFC3339)

	var contributionID *string
	var action string
	matched := eventType != "pull_request" // non-PR events need no reconciliation

	if eventType == "pull_request" {
		var evt PullRequestEvent
		if err := json.Unmarshal(rawBody, &evt); err != nil {
			return ErrBadPayload
		}
		action = evt.Action
		id, err := in.reconcilePullRequest(ctx, evt, now)
		switch {
		case err == nil:
			contributionID = &id
			matched = true
		case errors.Is(err, repo.ErrNotFound):
			matched = false // unroutable: stored but not applied, per spec §4.4
		default:
			return fmt.Errorf("eventlog: reconcile pull_request: %w", err)
		}
	}

	if _, err := in.Repo.InsertWebhook(ctx, contributionID, eventType, string(rawBody), action, matched, now); err != nil {
		return fmt.Errorf("eventlog: store webhook: %w", err)
	}
	return nil
}

// reconcilePullRequest applies the action-specific state transition of spec
// §4.4 and returns the matched contribution id, or repo.ErrNotFound if no
// contribution references this PR (stored for audit but not applied).
func (in *Integrator) reconcilePullRequest(ctx context.Context, evt PullRequestEvent, now string) (string, error) {
	contribution, err := in.Repo.GetContributionByPRURL(ctx, evt.PullRequest.HTMLURL)
	if errors.Is(err, repo.ErrNotFound) {
		// Fallback lookup by PR number (spec §4.4 "located by PR URL or PR
		// number") for deliveries whose URL doesn't match what was persisted.
		contribution, err = in.Repo.GetContributionByPRNumber(ctx, evt.Number)
	}
	if err != nil {
		return "", err
	}

	switch {
	case evt.Action == "closed" && evt.PullRequest.Merged:
		if contribution.Status == "merged" {
			return contribution.ID, nil // idempotent replay: already applied
		}
		if err := in.Repo.UpdateContributionStatus(ctx, nil, contribution.ID, "merged", "", now); err != nil {
			return contribution.ID, err
		}
		if err := in.Repo.UpdateIssueStatus(ctx, nil, contribution.IssueID, "fixed", now); err != nil {
			return contribution.ID, err
		}
	case evt.Action == "closed" && !evt.PullRequest.Merged:
		if contribution.Status == "closed" {
			return contribution.ID, nil
		}
		if err := in.Repo.UpdateContributionStatus(ctx, nil, contribution.ID, "closed", "", now); err != nil {
			return contribution.ID, err
		}
	default:
		// Other actions (opened, synchronize, reopened, ...) are stored for audit only.
	}
	return contribution.ID, nil
}
