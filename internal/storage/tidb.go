package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/edushare/internal/models"
	"github.com/maneesh/edushare/internal/storage/migrations"
	"github.com/pressly/goose/v3"
)

const mysqlDuplicateEntry = 1062

// TiDBClient keeps upload tasks, their parts, resources and the user directory
type TiDBClient struct {
	db  *sql.DB
	now func() time.Time
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(ctx context.Context, dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewTiDBClientFromDB(db), nil
}

// NewTiDBClientFromDB wraps an already opened handle
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Ping checks the connection
func (tc *TiDBClient) Ping(ctx context.Context) error {
	return tc.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, tc.db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil
func (tc *TiDBClient) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// SchoolOf returns the school recorded for a user
func (tc *TiDBClient) SchoolOf(ctx context.Context, ownerID string) (string, error) {
	ctx, span := tracer.Start(ctx, "tidb.school_of")
	defer span.End()

	var school string
	err := tc.db.QueryRowContext(ctx, `SELECT school FROM users WHERE id = ?`, ownerID).Scan(&school)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to query user: %w", err)
	}
	return school, nil
}
