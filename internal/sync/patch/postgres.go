package patch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed primary store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the record and snapshot version tables if absent.
// A no-op on subsequent runs.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			fields JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS snapshot_versions (
			version TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			record_count INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			blob_path TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create snapshot_versions table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_snapshot_versions_created
		ON snapshot_versions (created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create snapshot_versions index: %w", err)
	}

	return nil
}

// Apply applies operations in ordered batches, one transaction per batch.
// Inserts are upserts so that a retry of a partially applied run is
// conflict-free.
func (s *PostgresStore) Apply(ctx context.Context, ops []Operation, batchSize int) (*ApplyResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	result := &ApplyResult{FailedBatch: -1}
	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}
		batchIdx := start / batchSize
		result.BatchCount++

		if err := s.applyBatch(ctx, ops[start:end]); err != nil {
			result.FailedBatch = batchIdx
			return result, fmt.Errorf("%w: batch %d: %v", ErrPartialApply, batchIdx, err)
		}
		result.AppliedCount += end - start
	}

	return result, nil
}

func (s *PostgresStore) applyBatch(ctx context.Context, ops []Operation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		switch op.Type {
		case OpInsert, OpUpdate:
			fields, err := json.Marshal(op.Fields)
			if err != nil {
				return fmt.Errorf("failed to serialize fields for %q: %w", op.Key, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO records (key, fields, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (key) DO UPDATE
				SET fields = EXCLUDED.fields, updated_at = now()
			`, op.Key, fields)
			if err != nil {
				return fmt.Errorf("failed to upsert %q: %w", op.Key, err)
			}
		case OpDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM records WHERE key = $1`, op.Key); err != nil {
				return fmt.Errorf("failed to delete %q: %w", op.Key, err)
			}
		default:
			return fmt.Errorf("unknown operation type %q for %q", op.Type, op.Key)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordVersion upserts one snapshot version entry.
func (s *PostgresStore) RecordVersion(ctx context.Context, v VersionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshot_versions (version, created_at, record_count, content_hash, blob_path)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (version) DO UPDATE
		SET created_at = EXCLUDED.created_at,
		    record_count = EXCLUDED.record_count,
		    content_hash = EXCLUDED.content_hash,
		    blob_path = EXCLUDED.blob_path
	`, v.Version, v.Timestamp, v.RecordCount, v.Hash, v.BlobPath)
	if err != nil {
		return fmt.Errorf("failed to record snapshot version: %w", err)
	}
	return nil
}

// ListVersions returns the most recent snapshot versions, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, limit int) ([]VersionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, created_at, record_count, content_hash, blob_path
		FROM snapshot_versions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot versions: %w", err)
	}
	defer rows.Close()

	var versions []VersionRecord
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.Version, &v.Timestamp, &v.RecordCount, &v.Hash, &v.BlobPath); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot versions: %w", err)
	}

	return versions, nil
}
