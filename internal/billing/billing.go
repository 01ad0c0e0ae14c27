// Package billing is the entitlement and usage-reporting collaborator
// boundary. Entitlement is fetched fresh per run and never cached.
package billing

import (
	"context"
	"errors"

	"sketchline/internal/domain"
)

// ErrUnknownAccount means the account has no billing relationship at all.
var ErrUnknownAccount = errors.New("unknown billing account")

// Usage describes one completed run for reporting.
type Usage struct {
	AccountID   int64   `json:"account_id"`
	RepoID      int64   `json:"repo_id"`
	Number      int     `json:"number"`
	HeadSHA     string  `json:"head_sha"`
	ArtifactURL string  `json:"artifact_url"`
	Cost        float64 `json:"cost"`
}

type Client interface {
	// Lookup returns the account's entitlement state or ErrUnknownAccount.
	Lookup(ctx context.Context, accountID int64) (domain.EntitlementState, error)
	// Report records usage for a finished run. Best effort; callers log
	// failures without reverting the run.
	Report(ctx context.Context, usage Usage) error
}
