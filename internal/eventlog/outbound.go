package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPostTimeout  = 5 * time.Second
)

// OutboundHook is one operator-configured external URL that wants to be told
// about workspace terminal-state transitions, adapted from the teacher's
// per-project WebhookConfig (URL/Secret/Events/Enabled/TimeoutSeconds) but
// pointed at workspace lifecycle events instead of generic project events.
type OutboundHook struct {
	URL            string
	Secret         string
	Events         []string // workspace statuses to notify on; empty means every terminal status
	Enabled        *bool
	TimeoutSeconds int
}

func (h OutboundHook) enabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// OutboundNotifier polls the Store for newly terminal workspaces and POSTs a
// notification to each configured hook, same ticker-driven shape as the
// teacher's webhookDispatcher but without a generic project event log to read
// from — it tracks which workspace ids it has already notified per hook.
type OutboundNotifier struct {
	Repo   repo.Repo
	Hooks  []OutboundHook
	Logger *log.Logger

	client *http.Client
	mu     sync.Mutex
	seen   map[int]map[string]bool // hook index -> workspace id -> notified
}

// NewOutboundNotifier builds a notifier; logger defaults to log.Default() when nil.
func NewOutboundNotifier(r repo.Repo, hooks []OutboundHook, logger *log.Logger) *OutboundNotifier {
	if logger == nil {
		logger = log.Default()
	}
	seen := make(map[int]map[string]bool, len(hooks))
	for i := range hooks {
		seen[i] = make(map[string]bool)
	}
	return &OutboundNotifier{
		Repo:   r,
		Hooks:  hooks,
		Logger: logger,
		client: &http.Client{Timeout: defaultPostTimeout},
		seen:   seen,
	}
}

// Run polls on a ticker until ctx is cancelled. No-op if there are no hooks.
func (n *OutboundNotifier) Run(ctx context.Context) {
	if len(n.Hooks) == 0 {
		return
	}
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *OutboundNotifier) dispatchAll(ctx context.Context) {
	for i, hook := range n.Hooks {
		if !hook.enabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatchHook(ctx, i, hook)
	}
}

func (n *OutboundNotifier) dispatchHook(ctx context.Context, idx int, hook OutboundHook) {
	filter := newStatusFilter(hook.Events)
	for _, status := range terminalStatuses {
		if !filter.match(status) {
			continue
		}
		workspaces, err := n.Repo.ListWorkspaces(ctx, status, "")
		if err != nil {
			n.Logger.Printf("eventlog: outbound: list workspaces %s: %v", status, err)
			continue
		}
		for _, ws := range workspaces {
			if n.alreadyNotified(idx, ws.ID) {
				continue
			}
			if err := n.post(ctx, hook, ws); err != nil {
				n.Logger.Printf("eventlog: outbound: deliver to %s failed: %v", hook.URL, err)
				continue
			}
			n.markNotified(idx, ws.ID)
		}
	}
}

var terminalStatuses = []string{"completed", "build_failed", "container_crashed", "timeout", "destroyed", "cancelled"}

func (n *OutboundNotifier) alreadyNotified(idx int, workspaceID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[idx][workspaceID]
}

func (n *OutboundNotifier) markNotified(idx int, workspaceID string) {
	n.mu.Lock()
	n.seen[idx][workspaceID] = true
	n.mu.Unlock()
}

type outboundPayload struct {
	WorkspaceID string  `json:"workspace_id"`
	Status      string  `json:"status"`
	IssueID     string  `json:"issue_id"`
	PRURL       *string `json:"pr_url,omitempty"`
	ErrorMsg    *string `json:"error_message,omitempty"`
	OccurredAt  string  `json:"occurred_at"`
}

func (n *OutboundNotifier) post(ctx context.Context, hook OutboundHook, ws domain.Workspace) error {
	body, err := json.Marshal(outboundPayload{
		WorkspaceID: ws.ID,
		Status:      ws.Status,
		IssueID:     ws.IssueID,
		PRURL:       ws.PRURL,
		ErrorMsg:    ws.ErrorMessage,
		OccurredAt:  ws.ExpiresAt,
	})
	if err != nil {
		return err
	}
	timeout := defaultPostTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orchestrator-Event", "workspace."+ws.Status)
	req.Header.Set("X-Orchestrator-Workspace", ws.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Orchestrator-Secret", hook.Secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	if len(statuses) == 0 {
		return statusFilter{all: true}
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
