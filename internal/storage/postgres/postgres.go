package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
)

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the PostgreSQL journal options.
type Config struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Journal implements types.Journal using PostgreSQL
type Journal struct {
	db    *sql.DB
	table string // Table name for upload records
}

var _ types.Journal = (*Journal)(nil)

// New connects to PostgreSQL and creates the journal table if needed.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	table := cfg.Table
	if table == "" {
		table = "s3wofs_uploads"
	}
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	j := &Journal{
		db:    db,
		table: table,
	}

	// Initialize schema
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

// initSchema creates the necessary tables
func (p *Journal) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			upload_id VARCHAR(1024) PRIMARY KEY,
			bucket VARCHAR(255) NOT NULL,
			mount_id VARCHAR(4096) NOT NULL DEFAULT '',
			key VARCHAR(4096) NOT NULL,
			status VARCHAR(16) NOT NULL,
			parts INTEGER NOT NULL DEFAULT 0,
			size BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		ALTER TABLE %s ADD COLUMN IF NOT EXISTS mount_id VARCHAR(4096) NOT NULL DEFAULT '';
		DROP INDEX IF EXISTS idx_%s_pending;
		CREATE INDEX IF NOT EXISTS idx_%s_pending_mount ON %s(bucket, mount_id, status);
	`, p.table, p.table, p.table, p.table, p.table)

	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *Journal) Put(ctx context.Context, rec types.Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (upload_id, bucket, mount_id, key, status, parts, size, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (upload_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			parts = EXCLUDED.parts,
			size = EXCLUDED.size,
			updated_at = EXCLUDED.updated_at
	`, p.table)

	_, err := p.db.ExecContext(ctx, query,
		rec.UploadID, rec.Bucket, rec.MountID, rec.Key, string(rec.Status),
		rec.Parts, rec.Size, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (p *Journal) Get(ctx context.Context, uploadID string) (types.Record, error) {
	query := fmt.Sprintf(`
		SELECT upload_id, bucket, mount_id, key, status, parts, size, started_at, updated_at
		FROM %s WHERE upload_id = $1
	`, p.table)

	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, uploadID))
	if err == sql.ErrNoRows {
		return types.Record{}, types.ErrRecordNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (p *Journal) Pending(ctx context.Context, bucket, mountID string) ([]types.Record, error) {
	query := fmt.Sprintf(`
		SELECT upload_id, bucket, mount_id, key, status, parts, size, started_at, updated_at
		FROM %s WHERE bucket = $1 AND mount_id = $2 AND status IN ($3, $4)
		ORDER BY started_at
	`, p.table)

	rows, err := p.db.QueryContext(ctx, query, bucket, mountID, string(types.StatusOpen), string(types.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Journal) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.Record, error) {
	var rec types.Record
	var status string
	err := row.Scan(&rec.UploadID, &rec.Bucket, &rec.MountID, &rec.Key, &status,
		&rec.Parts, &rec.Size, &rec.StartedAt, &rec.UpdatedAt)
	rec.Status = types.Status(status)
	return rec, err
}
