package patch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPartialApply indicates a batch failed mid-run; the ApplyResult carries
// the count of operations committed before the failure. Callers retry the
// unapplied suffix on a later run rather than reprocessing from scratch.
var ErrPartialApply = errors.New("patch: batch apply failed partway")

// DefaultBatchSize is the number of operations applied per transaction.
const DefaultBatchSize = 100

// VersionRecord is one snapshot version entry, used for rollback target
// selection.
type VersionRecord struct {
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	RecordCount int       `json:"recordCount"`
	Hash        string    `json:"hash"`
	BlobPath    string    `json:"blobPath"`
}

// ApplyResult reports how far a batched apply got.
type ApplyResult struct {
	AppliedCount int
	BatchCount   int
	// FailedBatch is the zero-based index of the batch that failed, or -1.
	FailedBatch int
}

// Store is the primary store the patcher targets.
type Store interface {
	// EnsureSchema bootstraps the record and version tables. Idempotent.
	EnsureSchema(ctx context.Context) error
	// Apply applies operations in fixed-size ordered batches, one atomic
	// unit per batch. On a batch failure no further batches are attempted.
	Apply(ctx context.Context, ops []Operation, batchSize int) (*ApplyResult, error)
	// RecordVersion upserts one snapshot version entry.
	RecordVersion(ctx context.Context, v VersionRecord) error
	// ListVersions returns the most recent version entries, newest first.
	ListVersions(ctx context.Context, limit int) ([]VersionRecord, error)
}

// MemoryStore is an in-memory primary store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string]string
	versions []VersionRecord

	// FailOnBatch, when >= 0, makes Apply fail at that batch index.
	FailOnBatch int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]map[string]string),
		FailOnBatch: -1,
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) Apply(ctx context.Context, ops []Operation, batchSize int) (*ApplyResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ApplyResult{FailedBatch: -1}
	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}
		batchIdx := start / batchSize
		result.BatchCount++

		if s.FailOnBatch >= 0 && batchIdx == s.FailOnBatch {
			result.FailedBatch = batchIdx
			return result, ErrPartialApply
		}

		for _, op := range ops[start:end] {
			switch op.Type {
			case OpInsert, OpUpdate:
				s.records[op.Key] = op.Fields
			case OpDelete:
				delete(s.records, op.Key)
			}
		}
		result.AppliedCount += end - start
	}

	return result, nil
}

func (s *MemoryStore) RecordVersion(ctx context.Context, v VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.versions {
		if existing.Version == v.Version {
			s.versions[i] = v
			return nil
		}
	}
	s.versions = append(s.versions, v)
	return nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, limit int) ([]VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]VersionRecord, 0, limit)
	for i := len(s.versions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.versions[i])
	}
	return out, nil
}

// Records returns a copy of the current record set.
func (s *MemoryStore) Records() map[string]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]string, len(s.records))
	for k, v := range s.records {
		fields := make(map[string]string, len(v))
		for fk, fv := range v {
			fields[fk] = fv
		}
		out[k] = fields
	}
	return out
}
