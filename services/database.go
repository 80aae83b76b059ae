package services

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"convertstep/models"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrStepConflict      = errors.New("convert step changed since it was read")
	ErrInvalidTransition = errors.New("invalid convert step transition")
)

type DatabaseService struct {
	db      *sql.DB
	dialect string
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db, dialect: "postgres"}, nil
}

// Migrate applies the embedded schema migrations.
func (d *DatabaseService) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(d.dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// FindOwnedRecord matches on both file and owner. A wrong owner and a missing
// file are both reported as ErrRecordNotFound.
func (d *DatabaseService) FindOwnedRecord(ctx context.Context, fileID, ownerID string) (*models.OwnedRecord, error) {
	query := `SELECT file_uuid, user_uuid FROM cloud_storage_user_files WHERE file_uuid = $1 AND user_uuid = $2`

	var rec models.OwnedRecord
	err := d.db.QueryRowContext(ctx, query, fileID, ownerID).Scan(&rec.FileID, &rec.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user file: %w", err)
	}
	return &rec, nil
}

func (d *DatabaseService) FindConversionRecord(ctx context.Context, fileID string) (*models.ConvertRecord, error) {
	query := `SELECT file_uuid, file_url, convert_step, task_uuid, region FROM cloud_storage_files WHERE file_uuid = $1`

	var (
		rec  models.ConvertRecord
		step string
	)
	err := d.db.QueryRowContext(ctx, query, fileID).Scan(
		&rec.FileID,
		&rec.ResourceLocation,
		&step,
		&rec.TaskID,
		&rec.Region,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	rec.ConvertStep = models.ConvertStep(step)
	if !rec.ConvertStep.Valid() {
		return nil, fmt.Errorf("file %s has unknown convert step %q", fileID, step)
	}
	return &rec, nil
}

// AdvanceStep moves convert_step from `from` to `to`. The update only applies
// while the stored step still equals `from`; otherwise ErrStepConflict.
func (d *DatabaseService) AdvanceStep(ctx context.Context, fileID string, from, to models.ConvertStep) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE cloud_storage_files SET convert_step = $1, updated_at = $2 WHERE file_uuid = $3 AND convert_step = $4`
	result, err := d.db.ExecContext(ctx, query, string(to), time.Now().UTC(), fileID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update convert step: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrStepConflict
	}
	return nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
