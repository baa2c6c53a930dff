// Package domain models the persisted entities of the Workspace Orchestrator.
package domain

// Repository is a defect tracker repository reference.
type Repository struct {
	ID         string  `json:"id"`
	FullName   string  `json:"full_name"`
	OriginURL  string  `json:"origin_url"`
	ForkName   *string `json:"fork_full_name,omitempty"`
	ForkURL    *string `json:"fork_url,omitempty"`
	Language   string  `json:"language,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Issue tracks a single defect report and its fix lifecycle.
type Issue struct {
	ID           string  `json:"id"`
	RepositoryID string  `json:"repository_id"`
	Number       int     `json:"number"`
	Title        string  `json:"title"`
	Body         string  `json:"body,omitempty"`
	LabelsJSON   string  `json:"labels_json,omitempty"`
	Status       string  `json:"status" enum:"pending,extracting,extracted,open,fixing,pr_open,fixed,error"`
	AIFixPrompt  *string `json:"ai_fix_prompt,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// RepositoryEnvironment is the rederived toolchain profile for a repository.
type RepositoryEnvironment struct {
	RepositoryID   string `json:"repository_id"`
	Runtime        string `json:"runtime"`
	PackageManager string `json:"package_manager"`
	SetupCommand   string `json:"setup_command,omitempty"`
	TestCommand    string `json:"test_command,omitempty"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// Workspace is a single attempt at fixing one issue.
type Workspace struct {
	ID             string  `json:"id"`
	AgentID        string  `json:"agent_id"`
	RepositoryID   string  `json:"repository_id"`
	IssueID        string  `json:"issue_id"`
	ContainerID    *string `json:"container_id,omitempty"`
	Status         string  `json:"status" enum:"pending,building,running,completed,build_failed,container_crashed,timeout,destroyed,cancelled"`
	BranchName     string  `json:"branch_name"`
	BaseBranch     string  `json:"base_branch"`
	TimeoutMinutes float64 `json:"timeout_minutes"`
	Recipe         string  `json:"recipe,omitempty"`
	PRURL          *string `json:"pr_url,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExpiresAt      string  `json:"expires_at" format:"date-time"`
	DestroyedAt    *string `json:"destroyed_at,omitempty" format:"date-time"`
}

// IsTerminal reports whether status is one from which no further transition occurs.
func (w Workspace) IsTerminal() bool {
	switch w.Status {
	case "completed", "build_failed", "container_crashed", "timeout", "destroyed", "cancelled":
		return true
	default:
		return false
	}
}

// WorkspaceLog is one line of captured stdout/stderr output.
type WorkspaceLog struct {
	ID          int64  `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Stream      string `json:"stream" enum:"stdout,stderr"`
	Line        string `json:"line"`
	TS          string `json:"ts" format:"date-time"`
}

// Contribution is the durable record of a produced (or pending) pull request.
type Contribution struct {
	ID         string `json:"id"`
	AgentRunID string `json:"agent_run_id"`
	IssueID    string `json:"issue_id"`
	PRURL      string `json:"pr_url,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	BranchName string `json:"branch_name"`
	Status     string `json:"status" enum:"pending,pr_open,merged,closed"`
	Summary    string `json:"summary,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Webhook is an immutable record of one inbound provider event.
type Webhook struct {
	ID             int64  `json:"id"`
	ContributionID *string `json:"contribution_id,omitempty"`
	EventType      string `json:"event_type"`
	RawPayload     string `json:"raw_payload"`
	Action         string `json:"action,omitempty"`
	Processed      bool   `json:"processed"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Agent is a coding-agent configuration usable by a workspace.
type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AgentRun correlates a workspace execution with an agent and its contribution.
type AgentRun struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// AgentState tracks per-agent suspension (e.g. rate limiting, maintenance).
type AgentState struct {
	AgentID     string  `json:"agent_id"`
	Suspended   bool    `json:"suspended"`
	Reason      string  `json:"reason,omitempty"`
	AgentRunID  *string `json:"agent_run_id,omitempty"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// ConfigEntry is one row of the operator-configurable defaults table.
type ConfigEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
