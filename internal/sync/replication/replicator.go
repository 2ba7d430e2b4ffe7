// Package replication fans patch operations out to configured secondary
// targets with best-effort semantics: one target's failure never aborts or
// delays the others, and replication failures never fail the overall run.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/licensedb/engine/internal/config"
	"github.com/licensedb/engine/internal/store/kv"
	"github.com/licensedb/engine/internal/sync/patch"
)

const healthKeyPrefix = "sync:health:"

// HealthStatus is the derived per-target health state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// failedThreshold is the consecutive-failure count at which a target is
// considered failed.
const failedThreshold = 3

// Health is the persisted per-target health record.
type Health struct {
	TargetID            string       `json:"targetId"`
	Kind                string       `json:"kind"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastSyncTimestamp   time.Time    `json:"lastSyncTimestamp"`
	LastError           string       `json:"lastError,omitempty"`
}

// Backend applies a batch of operations to one replication target. Implement
// this to add a new target kind; Apply must be safe for concurrent use across
// distinct targets.
type Backend interface {
	Apply(ctx context.Context, target config.Target, ops []patch.Operation) (applied int, err error)
}

// TargetResult is the outcome of one target's sync attempt.
type TargetResult struct {
	TargetID          string `json:"targetId"`
	Kind              string `json:"kind"`
	Success           bool   `json:"success"`
	Skipped           bool   `json:"skipped,omitempty"`
	AppliedOperations int    `json:"appliedOperations"`
	Error             string `json:"error,omitempty"`
	DurationMs        int64  `json:"durationMs"`
}

// SyncResult aggregates one fan-out.
type SyncResult struct {
	TotalSlaves  int            `json:"totalSlaves"`
	SuccessCount int            `json:"successCount"`
	FailureCount int            `json:"failureCount"`
	Results      []TargetResult `json:"results"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Config holds replicator settings.
type Config struct {
	// Enabled mirrors the externalSync feature flag.
	Enabled bool
	// CanaryEnabled gates whether targets with priority > 1 receive real
	// operations.
	CanaryEnabled bool
	// HealthTTL bounds persisted health records.
	HealthTTL time.Duration
}

// DefaultConfig returns default replicator settings.
func DefaultConfig() Config {
	return Config{HealthTTL: 7 * 24 * time.Hour}
}

// Replicator fans operations out to secondary targets and tracks per-target
// consecutive-failure health in the KV store, so health is consistent across
// concurrent instances rather than per-process.
type Replicator struct {
	config   Config
	backends map[string]Backend
	kv       kv.Store
	logger   *slog.Logger
}

// New creates a replicator. backends maps target kind to implementation.
func New(cfg Config, backends map[string]Backend, kvStore kv.Store, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		config:   cfg,
		backends: backends,
		kv:       kvStore,
		logger:   logger,
	}
}

// Sync replicates ops to every enabled target concurrently. No-ops at zero
// cost when replication is disabled, there are no operations, or no targets
// are enabled.
func (r *Replicator) Sync(ctx context.Context, targets []config.Target, ops []patch.Operation) *SyncResult {
	result := &SyncResult{Timestamp: time.Now().UTC(), Results: []TargetResult{}}

	if !r.config.Enabled || len(ops) == 0 || len(targets) == 0 {
		return result
	}

	result.TotalSlaves = len(targets)
	results := make([]TargetResult, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(idx int, t config.Target) {
			defer wg.Done()
			results[idx] = r.syncTarget(ctx, t, ops)
		}(i, target)
	}
	wg.Wait()

	for _, tr := range results {
		result.Results = append(result.Results, tr)
		if tr.Success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}

	if result.FailureCount > 0 {
		r.logger.Warn("some replication targets failed",
			slog.Int("failed", result.FailureCount),
			slog.Int("total", result.TotalSlaves),
		)
	} else {
		r.logger.Debug("replication complete",
			slog.Int("targets", result.TotalSlaves),
			slog.Int("operations", len(ops)),
		)
	}

	return result
}

// syncTarget runs one attempt. A backend panic is captured as a failure for
// that target only.
func (r *Replicator) syncTarget(ctx context.Context, target config.Target, ops []patch.Operation) (tr TargetResult) {
	start := time.Now()
	tr = TargetResult{TargetID: target.ID, Kind: target.Kind}

	defer func() {
		if rec := recover(); rec != nil {
			tr.Success = false
			tr.Error = fmt.Sprintf("panic: %v", rec)
		}
		tr.DurationMs = time.Since(start).Milliseconds()
		r.updateHealth(ctx, target, tr)
	}()

	// Canary gating: without canary enabled, only priority-1 (or unset)
	// targets receive real operations.
	if !r.config.CanaryEnabled && target.Priority > 1 {
		tr.Success = true
		tr.Skipped = true
		tr.AppliedOperations = 0
		return tr
	}

	backend, ok := r.backends[target.Kind]
	if !ok {
		tr.Success = false
		tr.Error = fmt.Sprintf("no backend registered for kind %q", target.Kind)
		return tr
	}

	applied, err := backend.Apply(ctx, target, ops)
	tr.AppliedOperations = applied
	if err != nil {
		tr.Success = false
		tr.Error = err.Error()
		return tr
	}

	tr.Success = true
	return tr
}

// updateHealth applies the status-transition rule: success resets the
// consecutive-failure count, failure increments it; status is failed at
// three or more, degraded below that, healthy at zero.
func (r *Replicator) updateHealth(ctx context.Context, target config.Target, tr TargetResult) {
	if r.kv == nil {
		return
	}

	key := healthKeyPrefix + target.ID
	health := Health{TargetID: target.ID, Kind: target.Kind}
	if value, err := r.kv.Get(ctx, key); err == nil {
		json.Unmarshal([]byte(value), &health)
	}

	if tr.Success {
		health.ConsecutiveFailures = 0
		health.LastError = ""
	} else {
		health.ConsecutiveFailures++
		health.LastError = tr.Error
	}
	health.LastSyncTimestamp = time.Now().UTC()
	health.Status = statusFor(health.ConsecutiveFailures)
	health.Kind = target.Kind

	value, err := json.Marshal(health)
	if err != nil {
		return
	}
	if err := r.kv.Put(ctx, key, string(value), r.config.HealthTTL); err != nil {
		r.logger.Warn("failed to persist replication health",
			slog.String("target_id", target.ID),
			slog.String("error", err.Error()),
		)
	}
}

// TargetHealth reads the persisted health record for one target.
func (r *Replicator) TargetHealth(ctx context.Context, targetID string) (*Health, error) {
	value, err := r.kv.Get(ctx, healthKeyPrefix+targetID)
	if err != nil {
		return nil, err
	}
	var health Health
	if err := json.Unmarshal([]byte(value), &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func statusFor(consecutiveFailures int) HealthStatus {
	switch {
	case consecutiveFailures >= failedThreshold:
		return HealthFailed
	case consecutiveFailures > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
