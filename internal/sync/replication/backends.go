package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/licensedb/engine/internal/config"
	"github.com/licensedb/engine/internal/sync/patch"
)

// replicaSchema bootstraps a relational replica. Applied once per endpoint.
const replicaSchema = `
CREATE TABLE IF NOT EXISTS records (
	key TEXT PRIMARY KEY,
	fields TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteBackend replicates operations into file-addressed SQLite databases
// (edge-replica style secondary stores). The target endpoint is the DSN.
type SQLiteBackend struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLiteBackend creates a SQLite replication backend.
func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{dbs: make(map[string]*sql.DB)}
}

func (b *SQLiteBackend) db(endpoint string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if db, ok := b.dbs[endpoint]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica %q: %w", endpoint, err)
	}
	if _, err := db.Exec(replicaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap replica %q: %w", endpoint, err)
	}

	b.dbs[endpoint] = db
	return db, nil
}

// Apply upserts and deletes records in one transaction per call.
func (b *SQLiteBackend) Apply(ctx context.Context, target config.Target, ops []patch.Operation) (int, error) {
	db, err := b.db(target.Endpoint)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin replica transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	applied := 0
	for _, op := range ops {
		switch op.Type {
		case patch.OpInsert, patch.OpUpdate:
			fields, err := json.Marshal(op.Fields)
			if err != nil {
				return applied, fmt.Errorf("failed to serialize fields for %q: %w", op.Key, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO records (key, fields, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at
			`, op.Key, string(fields), now)
			if err != nil {
				return applied, fmt.Errorf("failed to upsert %q: %w", op.Key, err)
			}
		case patch.OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, op.Key); err != nil {
				return applied, fmt.Errorf("failed to delete %q: %w", op.Key, err)
			}
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit replica transaction: %w", err)
	}
	return applied, nil
}

// Close closes all open replica connections.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for endpoint, db := range b.dbs {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(b.dbs, endpoint)
	}
	return lastErr
}

// RedisBackend replicates records into cache targets. Record fields are
// stored as JSON under "record:<key>" with the target's configured TTL.
type RedisBackend struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewRedisBackend creates a Redis replication backend.
func NewRedisBackend() *RedisBackend {
	return &RedisBackend{clients: make(map[string]*redis.Client)}
}

func (b *RedisBackend) client(endpoint string) *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[endpoint]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{Addr: endpoint})
	b.clients[endpoint] = c
	return c
}

// Apply pipelines the whole batch to the cache target.
func (b *RedisBackend) Apply(ctx context.Context, target config.Target, ops []patch.Operation) (int, error) {
	client := b.client(target.Endpoint)

	ttl := time.Duration(target.TTL) * time.Second
	pipe := client.Pipeline()
	for _, op := range ops {
		key := "record:" + op.Key
		switch op.Type {
		case patch.OpInsert, patch.OpUpdate:
			fields, err := json.Marshal(op.Fields)
			if err != nil {
				return 0, fmt.Errorf("failed to serialize fields for %q: %w", op.Key, err)
			}
			pipe.Set(ctx, key, fields, ttl)
		case patch.OpDelete:
			pipe.Del(ctx, key)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to apply cache pipeline: %w", err)
	}
	return len(ops), nil
}

// Close closes all open cache connections.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for endpoint, c := range b.clients {
		if err := c.Close(); err != nil {
			lastErr = err
		}
		delete(b.clients, endpoint)
	}
	return lastErr
}

// MemoryBackend is an in-memory backend for tests. It applies operations to
// a per-endpoint record map and can be told to fail.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]map[string]map[string]string // endpoint -> key -> fields

	// FailEndpoints lists endpoints whose Apply always errors.
	FailEndpoints map[string]bool
	// PanicEndpoints lists endpoints whose Apply panics.
	PanicEndpoints map[string]bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:        make(map[string]map[string]map[string]string),
		FailEndpoints:  make(map[string]bool),
		PanicEndpoints: make(map[string]bool),
	}
}

func (b *MemoryBackend) Apply(ctx context.Context, target config.Target, ops []patch.Operation) (int, error) {
	if b.PanicEndpoints[target.Endpoint] {
		panic("backend panic for " + target.Endpoint)
	}
	if b.FailEndpoints[target.Endpoint] {
		return 0, fmt.Errorf("replica %q unavailable", target.Endpoint)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	store, ok := b.records[target.Endpoint]
	if !ok {
		store = make(map[string]map[string]string)
		b.records[target.Endpoint] = store
	}

	for _, op := range ops {
		switch op.Type {
		case patch.OpInsert, patch.OpUpdate:
			fields := make(map[string]string, len(op.Fields))
			for k, v := range op.Fields {
				fields[k] = v
			}
			store[op.Key] = fields
		case patch.OpDelete:
			delete(store, op.Key)
		}
	}
	return len(ops), nil
}

// Records returns a copy of one endpoint's record set.
func (b *MemoryBackend) Records(endpoint string) map[string]map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]map[string]string)
	for key, fields := range b.records[endpoint] {
		copied := make(map[string]string, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		out[key] = copied
	}
	return out
}
