// Package engine runs the event-to-comment pipeline as an ordered list of
// named, retryable, checkpointed steps over a durable run record.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sketchline/internal/artifact"
	"sketchline/internal/assemble"
	"sketchline/internal/billing"
	"sketchline/internal/config"
	"sketchline/internal/domain"
	"sketchline/internal/events"
	"sketchline/internal/generate"
	"sketchline/internal/logger"
	"sketchline/internal/repo"
	"sketchline/internal/scm"
	"sketchline/internal/thread"
)

// Collaborators are the external systems one engine instance calls. They are
// constructed per process and injected; the engine owns retry and timeout
// policy around them, not their internals.
type Collaborators struct {
	Billing   billing.Client
	Changes   scm.ChangeReader
	Generator generate.Adapter
	Artifacts artifact.Store
	Comments  scm.CommentPublisher
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Collab Collaborators
	Log    logger.Logger
	Now    func() time.Time
	// Sleep is the backoff hook; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(db *sql.DB, cfg *config.Config, collab Collaborators) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Collab: collab,
		Log:    logger.With("engine"),
		Now:    time.Now,
		Sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Submit atomically creates the run record for the event's idempotency key.
// It returns accepted=false when a record already exists, which is the
// duplicate-delivery case for at-least-once transports: a no-op, not an error.
func (e Engine) Submit(ctx context.Context, evt domain.InboundEvent) (bool, error) {
	if e.Config == nil {
		return false, errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        evt.Key(),
		AccountID: evt.AccountID,
		RepoID:    evt.RepoID,
		RepoName:  evt.RepoName,
		Number:    evt.Number,
		HeadSHA:   evt.HeadSHA,
		Status:    domain.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.CreateRun(ctx, tx, run)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	if !inserted {
		return false, nil
	}
	// The accepted payload is checkpointed so a restarted process can resume
	// the run without the original delivery.
	payload, err := json.Marshal(runState{Event: evt})
	if err != nil {
		return false, err
	}
	if err := e.Repo.SaveStepResultTx(ctx, tx, domain.StepResult{
		RunID:       run.ID,
		Step:        StepAccept,
		OutputJSON:  string(payload),
		CompletedAt: now,
	}); err != nil {
		return false, fmt.Errorf("checkpoint accept: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.accepted", run.ID, events.EventPayload{
		"action": evt.Action, "head_sha": evt.HeadSHA,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

type step struct {
	name string
	fn   func(ctx context.Context, state *runState) error
}

func (e Engine) steps() []step {
	return []step{
		{StepEntitlement, e.stepEntitlement},
		{StepAssemble, e.stepAssemble},
		{StepBrief, e.stepBrief},
		{StepArtifact, e.stepArtifact},
		{StepStore, e.stepStore},
		{StepPublish, e.stepPublish},
		{StepReport, e.stepReport},
	}
}

// Run drives the run with the given id to a terminal state. Steps already
// checkpointed are loaded, not re-executed; remaining steps run in order with
// bounded retries. A step that exhausts its attempts (or fails permanently)
// marks the whole run failed and later steps never execute.
func (e Engine) Run(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunSuccess || run.Status == domain.RunFailed {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkProcessing(ctx, runID, now); err != nil {
		return err
	}

	var state runState
	accept, err := e.Repo.GetStepResult(ctx, runID, StepAccept)
	if err != nil {
		return fmt.Errorf("load accepted payload: %w", err)
	}
	if err := json.Unmarshal([]byte(accept.OutputJSON), &state); err != nil {
		return fmt.Errorf("decode accepted payload: %w", err)
	}

	for _, st := range e.steps() {
		done, err := e.loadCheckpoint(ctx, runID, st.name, &state)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := e.runStep(ctx, runID, st, &state); err != nil {
			return e.fail(ctx, runID, err)
		}
		if err := e.checkpoint(ctx, runID, st.name, state); err != nil {
			return err
		}
	}
	return e.succeed(ctx, runID, state.ArtifactURL)
}

func (e Engine) loadCheckpoint(ctx context.Context, runID, name string, state *runState) (bool, error) {
	sr, err := e.Repo.GetStepResult(ctx, runID, name)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(sr.OutputJSON), state); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return true, nil
}

func (e Engine) checkpoint(ctx context.Context, runID, name string, state runState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveStepResultTx(ctx, tx, domain.StepResult{
		RunID:       runID,
		Step:        name,
		OutputJSON:  string(payload),
		CompletedAt: e.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if err := e.Events.Append(ctx, tx, "run.step_completed", runID, events.EventPayload{"step": name}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return nil
}

// runStep executes one step with per-attempt timeout and exponential backoff.
// Permanent errors short-circuit the retry loop.
func (e Engine) runStep(ctx context.Context, runID string, st step, state *runState) error {
	maxAttempts := e.Config.Engine.MaxAttempts
	delay := time.Duration(e.Config.Engine.BackoffSeconds) * time.Second
	timeout := time.Duration(e.Config.Engine.CallTimeoutSec) * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := st.fn(callCtx, state)
		cancel()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return err
		}
		lastErr = err
		e.Log.Warn().Str("run_id", runID).Str("step", st.name).Int("attempt", attempt).
			Err(err).Msg("step attempt failed")
		if attempt < maxAttempts {
			if err := e.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("step %s: %w", st.name, err)
			}
			delay *= 2
		}
	}
	return fmt.Errorf("step %s: %w", st.name, lastErr)
}

func (e Engine) fail(ctx context.Context, runID string, cause error) error {
	reason := cause.Error()
	var pe *PermanentError
	if errors.As(cause, &pe) && pe.Reason != "" {
		reason = pe.Reason
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkFailed(ctx, tx, runID, reason, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.failed", runID, events.EventPayload{"error": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Error().Str("run_id", runID).Str("error", reason).Msg("run failed")
	return nil
}

func (e Engine) succeed(ctx context.Context, runID, artifactURL string) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkSuccess(ctx, tx, runID, artifactURL, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.succeeded", runID, events.EventPayload{"artifact_url": artifactURL}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info().Str("run_id", runID).Str("artifact_url", artifactURL).Msg("run succeeded")
	return nil
}

// stepEntitlement gates the run on billing state before any costed call.
// Denials are terminal, not retried, and incur no generation cost.
func (e Engine) stepEntitlement(ctx context.Context, state *runState) error {
	ent, err := e.Collab.Billing.Lookup(ctx, state.Event.AccountID)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownAccount) {
			return Permanent(domain.ReasonNoBilling, err)
		}
		return fmt.Errorf("entitlement lookup: %w", err)
	}
	if !ent.HasBalance || ent.Balance <= 0 {
		return Permanent(domain.ReasonNoCredits, nil)
	}
	state.Entitlement = ent
	return nil
}

func (e Engine) stepAssemble(ctx context.Context, state *runState) error {
	files, err := e.Collab.Changes.ListChangedFiles(ctx, state.Event.RepoName, state.Event.Number)
	if err != nil {
		return fmt.Errorf("fetch changed files: %w", err)
	}
	a := assemble.Assembler{
		MaxBytes:         e.Config.Content.MaxBytes,
		LockfileSuffixes: e.Config.Content.LockfileSuffixes,
	}
	state.Context = a.Build(state.Event.Title, state.Event.Description, files)
	return nil
}

func (e Engine) stepBrief(ctx context.Context, state *runState) error {
	brief, err := e.Collab.Generator.ProduceBrief(ctx, state.Context)
	if err != nil {
		return err
	}
	state.Brief = brief
	return nil
}

func (e Engine) stepArtifact(ctx context.Context, state *runState) error {
	img, contentType, err := e.Collab.Generator.ProduceArtifact(ctx, state.Brief)
	if err != nil {
		return err
	}
	state.Image = img
	state.ContentType = contentType
	return nil
}

// stepStore persists the binary under a fresh random key. A retried attempt
// generates a new key, so a partially failed upload never collides; once the
// step is checkpointed it is never re-run.
func (e Engine) stepStore(ctx context.Context, state *runState) error {
	url, err := e.Collab.Artifacts.Put(ctx, state.Image, state.ContentType)
	if err != nil {
		return err
	}
	state.ArtifactURL = url
	// The binary is no longer needed once stored; keep checkpoints small.
	state.Image = nil
	return nil
}

// stepPublish threads the new artifact into the existing comment, or creates
// the comment on first run. The marker token keeps later runs updating the
// same comment instead of posting duplicates.
func (e Engine) stepPublish(ctx context.Context, state *runState) error {
	existing, err := e.Collab.Comments.FindExisting(ctx, state.Event.RepoName, state.Event.Number, thread.Marker)
	if err != nil {
		return fmt.Errorf("find comment: %w", err)
	}
	var prev thread.History
	var existingID int64
	if existing != nil {
		prev = thread.Parse(existing.Body)
		existingID = existing.ID
	}
	merged := thread.Merge(prev, domain.HistoryEntry{
		RevisionShort: state.Event.ShortSHA(),
		ArtifactURL:   state.ArtifactURL,
	})
	if err := e.Collab.Comments.Upsert(ctx, state.Event.RepoName, state.Event.Number, existingID, thread.Render(merged)); err != nil {
		return fmt.Errorf("publish comment: %w", err)
	}
	state.CommentID = existingID
	return nil
}

// stepReport is best effort: the artifact and comment are already delivered,
// so a reporting failure is logged and the run still succeeds.
func (e Engine) stepReport(ctx context.Context, state *runState) error {
	usage := billing.Usage{
		AccountID:   state.Event.AccountID,
		RepoID:      state.Event.RepoID,
		Number:      state.Event.Number,
		HeadSHA:     state.Event.HeadSHA,
		ArtifactURL: state.ArtifactURL,
		Cost:        e.Config.Billing.RunCost,
	}
	if err := e.Collab.Billing.Report(ctx, usage); err != nil {
		e.Log.Warn().Int64("account_id", usage.AccountID).Err(err).Msg("usage report failed")
		return nil
	}
	state.Reported = true
	return nil
}
