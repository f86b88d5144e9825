package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const resourceColumns = `id, display_name, fingerprint, artifact_location, size, owner_id, school, subject, grade,
	version, audit_status, recall_reason, likes, downloads, created_at`

func scanResource(row rowScanner) (*models.Resource, error) {
	var r models.Resource
	err := row.Scan(
		&r.ID,
		&r.DisplayName,
		&r.Fingerprint,
		&r.ArtifactLocation,
		&r.Size,
		&r.OwnerID,
		&r.School,
		&r.Classification.Subject,
		&r.Classification.Grade,
		&r.Version,
		&r.AuditStatus,
		&r.RecallReason,
		&r.Likes,
		&r.Downloads,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func insertResource(ctx context.Context, tx *sql.Tx, r *models.Resource) error {
	query := `INSERT INTO resources (` + resourceColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		r.ID, r.DisplayName, r.Fingerprint, r.ArtifactLocation, r.Size, r.OwnerID, r.School,
		r.Classification.Subject, r.Classification.Grade, r.Version, r.AuditStatus, r.RecallReason,
		r.Likes, r.Downloads, r.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: fingerprint already registered", models.ErrConflict)
		}
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by ID
func (tc *TiDBClient) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_resource",
		trace.WithAttributes(attribute.String("resource_id", id)),
	)
	defer span.End()

	return tc.queryResource(ctx, span, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
}

// GetResourceByFingerprint retrieves the resource published for a content fingerprint
func (tc *TiDBClient) GetResourceByFingerprint(ctx context.Context, fingerprint string) (*models.Resource, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_resource_by_fingerprint",
		trace.WithAttributes(attribute.String("fingerprint", fingerprint)),
	)
	defer span.End()

	return tc.queryResource(ctx, span, `SELECT `+resourceColumns+` FROM resources WHERE fingerprint = ?`, fingerprint)
}

func (tc *TiDBClient) queryResource(ctx context.Context, span trace.Span, query string, arg string) (*models.Resource, error) {
	res, err := scanResource(tc.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query resource: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return res, nil
}

// ListResourcesByOwner pages through an owner's resources, newest first
func (tc *TiDBClient) ListResourcesByOwner(ctx context.Context, ownerID string, status models.AuditStatus, limit, offset int) ([]*models.Resource, int, error) {
	ctx, span := tracer.Start(ctx, "tidb.list_resources_by_owner",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("audit_status", string(status)),
			attribute.Int("limit", limit),
			attribute.Int("offset", offset),
		),
	)
	defer span.End()

	where := `WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		where += ` AND audit_status = ?`
		args = append(args, status)
	}

	var total int
	if err := tc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources `+where, args...).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to count resources: %w", err)
	}

	query := `SELECT ` + resourceColumns + ` FROM resources ` + where + `
			  ORDER BY created_at DESC
			  LIMIT ? OFFSET ?`
	rows, err := tc.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	results := []*models.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			span.RecordError(err)
			return nil, 0, fmt.Errorf("failed to scan resource: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("error iterating resources: %w", err)
	}

	span.SetAttributes(attribute.Int("total", total), attribute.Int("returned", len(results)))
	return results, total, nil
}

// UpdateAuditStatus moves a resource from one audit status to another
func (tc *TiDBClient) UpdateAuditStatus(ctx context.Context, id string, from, to models.AuditStatus, reason string) error {
	ctx, span := tracer.Start(ctx, "tidb.update_audit_status",
		trace.WithAttributes(
			attribute.String("resource_id", id),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx,
		`UPDATE resources SET audit_status = ?, recall_reason = ? WHERE id = ? AND audit_status = ?`,
		to, reason, id, from)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update audit status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 1 {
		return nil
	}

	var current models.AuditStatus
	err = tc.db.QueryRowContext(ctx, `SELECT audit_status FROM resources WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to query resource: %w", err)
	}
	return fmt.Errorf("%w: resource is %s", models.ErrConflict, current)
}

// IncrementDownloads bumps the download counter of a resource
func (tc *TiDBClient) IncrementDownloads(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.increment_downloads",
		trace.WithAttributes(attribute.String("resource_id", id)),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx, `UPDATE resources SET downloads = downloads + 1 WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}
