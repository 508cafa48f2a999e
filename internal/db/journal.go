package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Instance statuses that can be picked up again by a trigger.
const (
	instanceRunning = "running"
	instancePaused  = "paused"
)

const instanceColumns = `id, status, wake_at, error_message, created_at, updated_at`

func scanInstance(s rowScanner) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	var wake sql.NullTime
	var errMsg sql.NullString
	if err := s.Scan(&inst.ID, &inst.Status, &wake, &errMsg, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.WakeAt = timePtr(wake)
	inst.ErrorMessage = errMsg.String
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

// CreateInstance registers a new workflow instance
func (db *DB) CreateInstance(ctx context.Context, id, status string, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO workflow_instances (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, id, status, now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", id, err)
	}
	return nil
}

// GetInstance returns a workflow instance by id
func (db *DB) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	inst, err := scanInstance(db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// LatestInstance returns the most recently created instance
func (db *DB) LatestInstance(ctx context.Context) (*WorkflowInstance, error) {
	inst, err := scanInstance(db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances ORDER BY created_at DESC, id DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// SetInstanceStatus moves an instance to a new status
func (db *DB) SetInstanceStatus(ctx context.Context, id, status string, wakeAt *time.Time, errMsg string, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE workflow_instances SET
		status = ?, wake_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`, status, nullTime(wakeAt), nullString(errMsg), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchInstance refreshes the heartbeat of a running instance
func (db *DB) TouchInstance(ctx context.Context, id string, now time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE workflow_instances SET updated_at = ? WHERE id = ? AND status = ?",
		now.UTC(), id, instanceRunning)
	return err
}

// ClaimInstance atomically moves a resumable instance to running. It reports
// false when another trigger claimed it first or it is no longer resumable.
func (db *DB) ClaimInstance(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE workflow_instances SET
		status = ?, wake_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?
		  AND ((status = ? AND (wake_at IS NULL OR wake_at <= ?))
		    OR (status = ? AND updated_at < ?))`,
		instanceRunning, now.UTC(), id,
		instancePaused, now.UTC(), instanceRunning, staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim instance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NextResumableInstance returns the oldest instance that should be resumed:
// a paused instance whose wake time has passed, or a running instance whose
// heartbeat is older than staleBefore.
func (db *DB) NextResumableInstance(ctx context.Context, now, staleBefore time.Time) (*WorkflowInstance, error) {
	inst, err := scanInstance(db.QueryRowContext(ctx, "SELECT "+instanceColumns+` FROM workflow_instances
		WHERE (status = ? AND (wake_at IS NULL OR wake_at <= ?))
		   OR (status = ? AND updated_at < ?)
		ORDER BY created_at ASC LIMIT 1`,
		instancePaused, now.UTC(), instanceRunning, staleBefore.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// NextWake returns the earliest wake time among paused instances
func (db *DB) NextWake(ctx context.Context) (*time.Time, error) {
	var wake sql.NullTime
	err := db.QueryRowContext(ctx, `SELECT wake_at FROM workflow_instances
		WHERE status = ? AND wake_at IS NOT NULL
		ORDER BY wake_at ASC LIMIT 1`, instancePaused).Scan(&wake)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return timePtr(wake), nil
}

// PruneInstances deletes finished instances (and their journals) last updated before cutoff
func (db *DB) PruneInstances(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM workflow_instances
		WHERE status NOT IN (?, ?, 'queued') AND updated_at < ?`,
		instanceRunning, instancePaused, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ═══════════════════════════════════════════════════════════════
// STEP JOURNAL
// ═══════════════════════════════════════════════════════════════

// GetStepResult returns the journaled result of a completed step
func (db *DB) GetStepResult(ctx context.Context, instanceID, name string) ([]byte, error) {
	var result string
	err := db.QueryRowContext(ctx, `SELECT result FROM workflow_steps
		WHERE instance_id = ? AND name = ?`, instanceID, name).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(result), nil
}

// SaveStepResult journals a completed step. The first result wins.
func (db *DB) SaveStepResult(ctx context.Context, instanceID, name string, result []byte, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO workflow_steps (instance_id, name, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, name) DO NOTHING`, instanceID, name, string(result), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to journal step %s: %w", name, err)
	}
	_, err = db.ExecContext(ctx, "UPDATE workflow_instances SET updated_at = ? WHERE id = ?", now.UTC(), instanceID)
	return err
}

// CountSteps returns how many steps an instance has journaled
func (db *DB) CountSteps(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_steps WHERE instance_id = ?", instanceID).Scan(&n)
	return n, err
}
