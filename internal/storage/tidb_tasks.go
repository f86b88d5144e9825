package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const taskColumns = `id, fingerprint, owner_id, display_name, total_parts, status, subject, grade, resource_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.UploadTask, error) {
	var (
		task       models.UploadTask
		resourceID sql.NullString
	)
	err := row.Scan(
		&task.ID,
		&task.Fingerprint,
		&task.OwnerID,
		&task.DisplayName,
		&task.TotalParts,
		&task.Status,
		&task.Classification.Subject,
		&task.Classification.Grade,
		&resourceID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.ResourceID = resourceID.String
	return &task, nil
}

// GetTask retrieves a task and its received part indexes
func (tc *TiDBClient) GetTask(ctx context.Context, ownerID, fingerprint string) (*models.UploadTask, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_task",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("fingerprint", fingerprint),
		),
	)
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM upload_tasks WHERE fingerprint = ? AND owner_id = ?`
	task, err := scanTask(tc.db.QueryRowContext(ctx, query, fingerprint, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rows, err := tc.db.QueryContext(ctx,
		`SELECT part_index FROM upload_task_parts WHERE task_id = ? ORDER BY part_index ASC`, task.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query parts: %w", err)
	}
	defer rows.Close()

	task.ReceivedParts = []int{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		task.ReceivedParts = append(task.ReceivedParts, idx)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating parts: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.Int("received_count", len(task.ReceivedParts)),
	)
	return task, nil
}

// CreateTask inserts a new in-progress task
func (tc *TiDBClient) CreateTask(ctx context.Context, task *models.UploadTask) error {
	ctx, span := tracer.Start(ctx, "tidb.create_task",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.Int("total_parts", task.TotalParts),
		),
	)
	defer span.End()

	query := `INSERT INTO upload_tasks (` + taskColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query,
		task.ID, task.Fingerprint, task.OwnerID, task.DisplayName, task.TotalParts, task.Status,
		task.Classification.Subject, task.Classification.Grade, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: task already exists", models.ErrConflict)
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert task: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// RecordPart adds a part under a row lock on its task, so concurrent writers of the
// same task serialize and exactly one of them observes the set becoming complete.
func (tc *TiDBClient) RecordPart(ctx context.Context, taskID string, part models.Part) (models.PartReceipt, error) {
	ctx, span := tracer.Start(ctx, "tidb.record_part",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.Int("part_index", part.Index),
		),
	)
	defer span.End()

	var receipt models.PartReceipt
	err := tc.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT status, total_parts FROM upload_tasks WHERE id = ? FOR UPDATE`, taskID,
		).Scan(&receipt.Status, &receipt.TotalParts)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to lock task: %w", err)
		}

		if receipt.Status == models.TaskInProgress {
			now := tc.now()
			res, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO upload_task_parts (task_id, part_index, size, checksum, created_at) VALUES (?, ?, ?, ?, ?)`,
				taskID, part.Index, part.Size, part.Checksum, now)
			if err != nil {
				return fmt.Errorf("failed to insert part: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			receipt.Added = n == 1

			if receipt.Added {
				if _, err := tx.ExecContext(ctx, `UPDATE upload_tasks SET updated_at = ? WHERE id = ?`, now, taskID); err != nil {
					return fmt.Errorf("failed to touch task: %w", err)
				}
			}
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM upload_task_parts WHERE task_id = ?`, taskID,
		).Scan(&receipt.ReceivedCount); err != nil {
			return fmt.Errorf("failed to count parts: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			span.RecordError(err)
		}
		return models.PartReceipt{}, err
	}

	span.SetAttributes(
		attribute.Bool("added", receipt.Added),
		attribute.Int("received_count", receipt.ReceivedCount),
	)
	return receipt, nil
}

// CompleteTask publishes res and completes the task atomically
func (tc *TiDBClient) CompleteTask(ctx context.Context, taskID string, res *models.Resource) error {
	ctx, span := tracer.Start(ctx, "tidb.complete_task",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("resource_id", res.ID),
		),
	)
	defer span.End()

	err := tc.inTx(ctx, func(tx *sql.Tx) error {
		var status models.TaskStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM upload_tasks WHERE id = ? FOR UPDATE`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to lock task: %w", err)
		}
		if status != models.TaskInProgress {
			return fmt.Errorf("%w: task is %s", models.ErrConflict, status)
		}

		if err := insertResource(ctx, tx, res); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE upload_tasks SET status = ?, resource_id = ?, updated_at = ? WHERE id = ?`,
			models.TaskCompleted, res.ID, tc.now(), taskID)
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("complete_success", true))
	return nil
}

// AttachResource completes an in-progress task against an existing resource
func (tc *TiDBClient) AttachResource(ctx context.Context, taskID, resourceID string) error {
	return tc.transition(ctx, "tidb.attach_resource", taskID, models.TaskInProgress,
		`UPDATE upload_tasks SET status = ?, resource_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskCompleted, resourceID, tc.now(), taskID, models.TaskInProgress)
}

// MarkFailed fails an in-progress task
func (tc *TiDBClient) MarkFailed(ctx context.Context, taskID string) error {
	return tc.transition(ctx, "tidb.mark_failed", taskID, models.TaskInProgress,
		`UPDATE upload_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskFailed, tc.now(), taskID, models.TaskInProgress)
}

// ExpireTask fails an in-progress task whose last modification is older than before
func (tc *TiDBClient) ExpireTask(ctx context.Context, taskID string, before time.Time) error {
	return tc.transition(ctx, "tidb.expire_task", taskID, models.TaskInProgress,
		`UPDATE upload_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND updated_at < ?`,
		models.TaskFailed, tc.now(), taskID, models.TaskInProgress, before)
}

func (tc *TiDBClient) transition(ctx context.Context, op, taskID string, from models.TaskStatus, query string, args ...any) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	res, err := tc.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s is not %s", models.ErrConflict, taskID, from)
	}
	return nil
}

// ResetTask moves a failed task back to in progress and forgets its parts
func (tc *TiDBClient) ResetTask(ctx context.Context, taskID string) error {
	ctx, span := tracer.Start(ctx, "tidb.reset_task", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	err := tc.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE upload_tasks SET status = ?, resource_id = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			models.TaskInProgress, tc.now(), taskID, models.TaskFailed)
		if err != nil {
			return fmt.Errorf("failed to reset task: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: task %s is not failed", models.ErrConflict, taskID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_task_parts WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to clear parts: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ListStaleTasks returns in-progress tasks untouched since before, oldest first.
// Received parts are not loaded.
func (tc *TiDBClient) ListStaleTasks(ctx context.Context, before time.Time, limit int) ([]*models.UploadTask, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_stale_tasks",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM upload_tasks
			  WHERE status = ? AND updated_at < ?
			  ORDER BY updated_at ASC
			  LIMIT ?`

	rows, err := tc.db.QueryContext(ctx, query, models.TaskInProgress, before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.UploadTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	span.SetAttributes(attribute.Int("task_count", len(tasks)))
	return tasks, nil
}
