package domain

import "fmt"

// Run statuses. Transitions are monotonic: pending -> processing -> success|failed.
const (
	RunPending    = "pending"
	RunProcessing = "processing"
	RunSuccess    = "success"
	RunFailed     = "failed"
)

// Terminal failure reasons that are not upstream errors.
const (
	ReasonNoBilling = "no_billing"
	ReasonNoCredits = "no_credits"
)

type Run struct {
	ID          string  `json:"id"`
	AccountID   int64   `json:"account_id"`
	RepoID      int64   `json:"repo_id"`
	RepoName    string  `json:"repo_name"`
	Number      int     `json:"number"`
	HeadSHA     string  `json:"head_sha"`
	Status      string  `json:"status" enum:"pending,processing,success,failed"`
	ArtifactURL *string `json:"artifact_url,omitempty"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// StepResult is a checkpointed step output for a run.
type StepResult struct {
	RunID       string `json:"run_id"`
	Step        string `json:"step"`
	OutputJSON  string `json:"output_json"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

type ChangedFile struct {
	Name  string `json:"name"`
	Patch string `json:"patch,omitempty"`
}

// InboundEvent is the accepted view of a provider webhook delivery.
// Immutable once parsed.
type InboundEvent struct {
	AccountID   int64  `json:"account_id"`
	RepoID      int64  `json:"repo_id"`
	RepoName    string `json:"repo_name"`
	Number      int    `json:"number"`
	HeadSHA     string `json:"head_sha"`
	Action      string `json:"action"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Key derives the idempotency key for the event. Identical logical events
// always map to the same key; a re-push (new head SHA) maps to a new one.
func (e InboundEvent) Key() string {
	return fmt.Sprintf("%d:%d:%d:%s", e.AccountID, e.RepoID, e.Number, e.HeadSHA)
}

// ShortSHA returns the 7-character revision used in rendered comments.
func (e InboundEvent) ShortSHA() string {
	return ShortSHA(e.HeadSHA)
}

func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// EntitlementState is owned by the billing collaborator; fetched fresh per run.
type EntitlementState struct {
	AccountID  int64   `json:"account_id"`
	HasBalance bool    `json:"has_balance"`
	Balance    float64 `json:"balance"`
}

// HistoryEntry is one artifact reference in a comment thread, newest first.
type HistoryEntry struct {
	RevisionShort string `json:"revision_short"`
	ArtifactURL   string `json:"artifact_url"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
