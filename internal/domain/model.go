// Package domain holds the persistent records shared across the service:
// installations own repositories, reviews belong to repositories, findings
// belong to reviews, and conversation threads hang off posted findings.
package domain

import "time"

// IndexStatus tracks repository-wide indexing progress.
type IndexStatus string

const (
	IndexPending  IndexStatus = "pending"
	IndexIndexing IndexStatus = "indexing"
	IndexReady    IndexStatus = "ready"
	IndexFailed   IndexStatus = "failed"
)

// ReviewStatus is the review lifecycle state. queued and processing are
// non-terminal; completed and failed are terminal.
type ReviewStatus string

const (
	ReviewQueued     ReviewStatus = "queued"
	ReviewProcessing ReviewStatus = "processing"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewFailed     ReviewStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewCompleted || s == ReviewFailed
}

// Severity orders findings for synthesis and display.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a sortable weight, highest severity first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Category classifies what a finding is about.
type Category string

const (
	CategoryDefect         Category = "defect"
	CategorySecurity       Category = "security"
	CategoryStyle          Category = "style"
	CategoryPerformance    Category = "performance"
	CategoryDocs           Category = "docs"
	CategoryBreakingChange Category = "breaking-change"
)

// Installation is one tenant: a forge-side authorization over a set of
// repositories. Its id partitions credentials, queue entries and records.
type Installation struct {
	ID           int64     `json:"id"`
	AccountLogin string    `json:"account_login"`
	AccountKind  string    `json:"account_kind"`
	Config       string    `json:"config"` // schema-flexible tenant document, JSON
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repository belongs to exactly one installation.
type Repository struct {
	ID             int64       `json:"id"`
	InstallationID int64       `json:"installation_id"`
	FullName       string      `json:"full_name"` // owner/name
	DefaultBranch  string      `json:"default_branch"`
	IndexStatus    IndexStatus `json:"index_status"`
	LastIndexedSHA string      `json:"last_indexed_sha,omitempty"`
}

// Review is one attempt to analyze a specific (repo, pr, head).
type Review struct {
	ID           string       `json:"id"`
	RepoID       int64        `json:"repo_id"`
	PRNumber     int          `json:"pr_number"`
	BaseSHA      string       `json:"base_sha"`
	HeadSHA      string       `json:"head_sha"`
	Status       ReviewStatus `json:"status"`
	Stage        string       `json:"stage"`
	FindingCount int          `json:"finding_count"`
	CostCents    int64        `json:"cost_cents"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Finding is one inline comment candidate produced by a review.
type Finding struct {
	ID         string   `json:"id"`
	ReviewID   string   `json:"review_id"`
	Path       string   `json:"path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Position   int      `json:"position"` // forge diff-position; 0 means unmapped
	Severity   Severity `json:"severity"`
	Category   Category `json:"category"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Suggestion string   `json:"suggestion,omitempty"`
	CommentID  int64    `json:"comment_id,omitempty"` // set only after the forge confirms
	Applied    bool     `json:"applied"`
	Dismissed  bool     `json:"dismissed"`
	Confidence float64  `json:"confidence"`
}

// Message is one turn of a conversation thread.
type Message struct {
	Role    string    `json:"role"` // user, assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Thread tracks the conversation under one posted finding, looked up by the
// forge comment id.
type Thread struct {
	CommentID   int64     `json:"comment_id"`
	FindingID   string    `json:"finding_id"`
	RepoID      int64     `json:"repo_id"`
	PRNumber    int       `json:"pr_number"`
	Path        string    `json:"path"`
	Line        int       `json:"line"`
	CommitSHA   string    `json:"commit_sha"`   // head at time of review
	FileContent string    `json:"file_content"` // cached at CommitSHA
	History     []Message `json:"history"`
	CreatedAt   time.Time `json:"created_at"`
}
