package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sketchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// CreateRun inserts a pending run keyed by its idempotency key inside tx. The
// insert is atomic: if a row for the key already exists it reports
// inserted=false and leaves the existing row untouched. This is the
// duplicate-delivery guard.
func (r Repo) CreateRun(ctx context.Context, tx *sql.Tx, run domain.Run) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(id,account_id,repo_id,repo_name,number,head_sha,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		run.ID, run.AccountID, run.RepoID, run.RepoName, run.Number, run.HeadSHA, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var artifactURL, runErr sql.NullString
	err := scan(&run.ID, &run.AccountID, &run.RepoID, &run.RepoName, &run.Number, &run.HeadSHA,
		&run.Status, &artifactURL, &runErr, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if artifactURL.Valid {
		run.ArtifactURL = &artifactURL.String
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	return run, nil
}

const runColumns = `id,account_id,repo_id,repo_name,number,head_sha,status,artifact_url,error,created_at,updated_at`

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ListRuns returns runs newest first with optional keyset cursor.
func (r Repo) ListRuns(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// MarkProcessing moves a pending run to processing. Terminal rows are left
// alone so a redelivered or restarted run never regresses.
func (r Repo) MarkProcessing(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET status=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.RunProcessing, now, id, domain.RunPending, domain.RunProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSuccess records terminal success inside tx.
func (r Repo) MarkSuccess(ctx context.Context, tx *sql.Tx, id, artifactURL, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, artifact_url=?, error=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.RunSuccess, artifactURL, now, id, domain.RunProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records terminal failure with the captured error inside tx.
func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, error=?, updated_at=? WHERE id=? AND status=?`,
		domain.RunFailed, reason, now, id, domain.RunProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStepResult returns the checkpointed output of a completed step.
func (r Repo) GetStepResult(ctx context.Context, runID, step string) (domain.StepResult, error) {
	var sr domain.StepResult
	err := r.DB.QueryRowContext(ctx,
		`SELECT run_id,step,output_json,completed_at FROM run_steps WHERE run_id=? AND step=?`, runID, step).
		Scan(&sr.RunID, &sr.Step, &sr.OutputJSON, &sr.CompletedAt)
	if err == sql.ErrNoRows {
		return sr, ErrNotFound
	}
	return sr, err
}

// SaveStepResult checkpoints a step output. Re-saving the same step keeps the
// first completed result.
func (r Repo) SaveStepResult(ctx context.Context, sr domain.StepResult) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO run_steps(run_id,step,output_json,completed_at) VALUES (?,?,?,?)
ON CONFLICT(run_id,step) DO NOTHING`,
		sr.RunID, sr.Step, sr.OutputJSON, sr.CompletedAt)
	return err
}

// SaveStepResultTx is SaveStepResult inside the caller's transaction.
func (r Repo) SaveStepResultTx(ctx context.Context, tx *sql.Tx, sr domain.StepResult) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO run_steps(run_id,step,output_json,completed_at) VALUES (?,?,?,?)
ON CONFLICT(run_id,step) DO NOTHING`,
		sr.RunID, sr.Step, sr.OutputJSON, sr.CompletedAt)
	return err
}

// ListStepResults returns the checkpointed steps of a run in completion order.
func (r Repo) ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT run_id,step,output_json,completed_at FROM run_steps WHERE run_id=? ORDER BY completed_at, step`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepResult
	for rows.Next() {
		var sr domain.StepResult
		if err := rows.Scan(&sr.RunID, &sr.Step, &sr.OutputJSON, &sr.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than the cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, runID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.RunID, &evt.Payload); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events in chronological order.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.RunID, &evt.Payload); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// ListUnfinishedRuns returns runs still pending or processing, oldest first.
// Used on startup to resume runs interrupted by a restart.
func (r Repo) ListUnfinishedRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (?,?) ORDER BY created_at ASC`,
		domain.RunPending, domain.RunProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
