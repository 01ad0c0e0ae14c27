package engine

import (
	"sketchline/internal/domain"
)

// Step names in execution order. Each completed step is checkpointed under its
// name so a restarted run resumes after the last durable result.
const (
	StepAccept      = "accept"
	StepEntitlement = "entitlement"
	StepAssemble    = "assemble"
	StepBrief       = "brief"
	StepArtifact    = "artifact"
	StepStore       = "store"
	StepPublish     = "publish"
	StepReport      = "report"
)

// runState carries step outputs forward. Every step receives the accumulated
// state and appends its own result; the snapshot after each step is the
// checkpoint payload for that step.
type runState struct {
	Event       domain.InboundEvent     `json:"event"`
	Entitlement domain.EntitlementState `json:"entitlement,omitempty"`
	Context     string                  `json:"context,omitempty"`
	Brief       string                  `json:"brief,omitempty"`
	Image       []byte                  `json:"image,omitempty"`
	ContentType string                  `json:"content_type,omitempty"`
	ArtifactURL string                  `json:"artifact_url,omitempty"`
	CommentID   int64                   `json:"comment_id,omitempty"`
	Reported    bool                    `json:"reported,omitempty"`
}
