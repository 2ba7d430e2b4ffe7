// Package pipeline sequences one synchronization run: fetch, extract,
// validate, diff, patch, fallback bookkeeping and best-effort replication.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/licensedb/engine/internal/audit"
	"github.com/licensedb/engine/internal/config"
	"github.com/licensedb/engine/internal/store/blob"
	"github.com/licensedb/engine/internal/store/kv"
	"github.com/licensedb/engine/internal/sync/archive"
	"github.com/licensedb/engine/internal/sync/diff"
	"github.com/licensedb/engine/internal/sync/fallback"
	"github.com/licensedb/engine/internal/sync/fetch"
	"github.com/licensedb/engine/internal/sync/patch"
	"github.com/licensedb/engine/internal/sync/replication"
	"github.com/licensedb/engine/internal/sync/validate"
)

// RunStatus is the terminal state of one run.
type RunStatus string

const (
	StatusSkipped      RunStatus = "skipped"
	StatusCompleted    RunStatus = "completed"
	StatusFallbackUsed RunStatus = "fallback_used"
	StatusFailed       RunStatus = "failed"
)

const (
	lastFetchKey         = "sync:last_fetch"
	validationKeyPrefix  = "sync:validation:"
	defaultMaxAgeSeconds = 24 * 60 * 60
)

// Options triggers one run.
type Options struct {
	OnDemand       bool
	MaxAgeSeconds  int
	SkipValidation bool
}

// RunResult is the single structured result of one run.
type RunResult struct {
	RunID        string                  `json:"runId"`
	Status       RunStatus               `json:"status"`
	Version      string                  `json:"version,omitempty"`
	RecordCount  int                     `json:"recordCount"`
	Diff         *diff.Summary           `json:"diff,omitempty"`
	AppliedCount int                     `json:"appliedCount"`
	Replication  *replication.SyncResult `json:"replication,omitempty"`
	Warnings     []string                `json:"warnings,omitempty"`
	Error        string                  `json:"error,omitempty"`
	DurationMs   int64                   `json:"durationMs"`
}

// Orchestrator runs the synchronization pipeline. Collaborators other than
// the fallback manager are optional; an absent one degrades the run per the
// availability rules rather than failing it.
type Orchestrator struct {
	cfg        *config.Config
	fetcher    *fetch.Fetcher
	fallback   *fallback.Manager
	primary    patch.Store
	replicator *replication.Replicator
	blobs      blob.Store
	kv         kv.Store
	auditLog   *audit.Logger
	logger     *slog.Logger

	// group coalesces overlapping triggers so concurrent runs cannot race on
	// the current-snapshot and last-good pointers.
	group singleflight.Group
}

// New creates an orchestrator.
func New(
	cfg *config.Config,
	fetcher *fetch.Fetcher,
	fallbackMgr *fallback.Manager,
	primary patch.Store,
	replicator *replication.Replicator,
	blobs blob.Store,
	kvStore kv.Store,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		fallback:   fallbackMgr,
		primary:    primary,
		replicator: replicator,
		blobs:      blobs,
		kv:         kvStore,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// Run executes one pipeline run. Overlapping invocations share a single run.
// No error ever crosses this boundary; every failure is folded into the
// result.
func (o *Orchestrator) Run(ctx context.Context, opts Options) *RunResult {
	v, _, _ := o.group.Do("run", func() (interface{}, error) {
		return o.run(ctx, opts), nil
	})
	return v.(*RunResult)
}

func (o *Orchestrator) run(ctx context.Context, opts Options) (result *RunResult) {
	start := time.Now()
	result = &RunResult{RunID: uuid.NewString()}

	defer func() {
		if rec := recover(); rec != nil {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("pipeline panic: %v", rec)
			o.emitError(result.Error + "\n" + string(debug.Stack()))
		}
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	// Staleness gate.
	if !opts.OnDemand && !o.isStale(ctx, opts.MaxAgeSeconds) {
		result.Status = StatusSkipped
		return result
	}

	// Configuration.
	if o.cfg == nil {
		result.Status = StatusFailed
		result.Error = "configuration unavailable"
		o.emitError(result.Error)
		return result
	}
	if err := o.cfg.Validate(); err != nil {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("invalid configuration: %v", err)
		o.emitError(result.Error)
		return result
	}
	ds := o.cfg.DataSource

	// Fetch.
	fetchResult := o.fetcher.Fetch(ctx, ds.OriginZipURL)
	if !fetchResult.Success {
		result.Status = StatusFailed
		result.Error = fetchResult.Error
		return result
	}

	// Extract.
	content, err := o.extract(fetchResult.Data, ds.ExtractedFileName)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}

	version := start.UTC().Format("20060102T150405Z")
	result.Version = version

	// Validate, falling back to the last-good snapshot on failure.
	if !opts.SkipValidation && !o.cfg.Features.SkipValidation {
		valResult := validate.Validate(validate.Input{
			Content:        content,
			Delimiter:      ds.ExpectedSchema.Delimiter,
			HasHeader:      ds.ExpectedSchema.HasHeader,
			ExpectedFields: ds.ExpectedSchema.Fields,
		})
		o.recordValidation(ctx, version, valResult)

		if !valResult.Success {
			decision, err := o.fallback.HandleValidationFailure(ctx, valResult.Errors, version)
			if err != nil {
				result.Status = StatusFailed
				result.Error = fmt.Sprintf("fallback lookup failed: %v", err)
				o.emitError(result.Error)
				return result
			}
			if !decision.UseFallback {
				result.Status = StatusFailed
				result.Error = fmt.Sprintf("validation failed and %s", decision.Reason)
				return result
			}

			result.Status = StatusFallbackUsed
			result.Version = decision.Metadata.Version
			result.RecordCount = decision.Metadata.RecordCount
			result.Warnings = append(result.Warnings, decision.Reason)
			return result
		}

		result.RecordCount = valResult.Metadata.RecordCount
		result.Warnings = append(result.Warnings, valResult.Warnings...)
	}

	// Diff against the previously retained snapshot; absent on the first run
	// means every record is added.
	var oldContent, oldVersion, oldHash string
	if prevContent, prevMeta, err := o.fallback.Retrieve(ctx); err == nil && prevMeta != nil {
		oldContent = string(prevContent)
		oldVersion = prevMeta.Version
		oldHash = prevMeta.ContentHash
	} else if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("previous snapshot unavailable: %v", err))
	}

	diffResult := diff.Compute(oldContent, content, diff.Options{
		Delimiter:  ds.ExpectedSchema.Delimiter,
		SkipHeader: ds.ExpectedSchema.HasHeader,
		OldVersion: oldVersion,
		NewVersion: version,
		OldHash:    oldHash,
	})
	result.Diff = &diffResult.Summary
	if result.RecordCount == 0 {
		result.RecordCount = diffResult.Summary.Added + diffResult.Summary.Modified + diffResult.Summary.Unchanged
	}

	ops := patch.Generate(diffResult, oldContent, content,
		ds.ExpectedSchema.Delimiter, ds.ExpectedSchema.Fields, ds.ExpectedSchema.HasHeader)

	// Apply to the primary store when there are changes. An absent relational
	// store skips patching and replication without failing the run.
	patched := false
	if diffResult.HasChanges() {
		if o.primary == nil {
			result.Warnings = append(result.Warnings, "relational store unavailable, patch skipped")
		} else {
			applied, err := o.applyPrimary(ctx, ops)
			result.AppliedCount = applied
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"patch partially applied (%d/%d operations): %v", applied, len(ops), err))
				o.emitError(fmt.Sprintf("patch apply failed after %d operations: %v", applied, err))
				// Keep the previous last-good pointer so the next run rediffs
				// and regenerates the unapplied suffix.
				result.Status = StatusCompleted
				result.DurationMs = time.Since(start).Milliseconds()
				o.finishRun(ctx, result)
				return result
			}
			patched = true
		}
	}

	// Persist the new snapshot as last-good.
	if err := o.fallback.Store(ctx, []byte(content), fallback.Metadata{
		Version:     version,
		Timestamp:   start.UTC(),
		ContentHash: diffResult.Metadata.NewHash,
		RecordCount: result.RecordCount,
		Reason:      "sync completed",
	}); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("failed to store last-good snapshot: %v", err))
	}

	// Rollback bookkeeping and replication only after a real primary patch.
	if patched {
		if err := o.primary.RecordVersion(ctx, patch.VersionRecord{
			Version:     version,
			Timestamp:   start.UTC(),
			RecordCount: result.RecordCount,
			Hash:        diffResult.Metadata.NewHash,
			BlobPath:    fallback.BlobPath(version),
		}); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to record snapshot version: %v", err))
		}

		if o.replicator != nil {
			syncResult := o.replicator.Sync(ctx, o.cfg.EnabledTargets(), ops)
			result.Replication = syncResult
			if syncResult.FailureCount > 0 {
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"replication failed for %d of %d target(s)", syncResult.FailureCount, syncResult.TotalSlaves))
			}
		}
	}

	if pruned, err := o.fallback.Prune(ctx); err == nil && pruned > 0 {
		o.logger.Info("pruned expired snapshots", slog.Int("deleted", pruned))
	}

	result.Status = StatusCompleted
	result.DurationMs = time.Since(start).Milliseconds()
	o.finishRun(ctx, result)
	return result
}

// extract locates and decodes the target entry, emitting an extract audit
// event either way.
func (o *Orchestrator) extract(data []byte, entryName string) (string, error) {
	reader := archive.NewReader(data)

	names, err := reader.ListNames()
	if err != nil {
		o.emitExtract(audit.StatusFailure, err.Error(), 0)
		return "", fmt.Errorf("archive unreadable: %w", err)
	}

	found := false
	for _, name := range names {
		if name == entryName {
			found = true
			break
		}
	}
	if !found {
		msg := fmt.Sprintf("entry %q not found in archive (%d entries)", entryName, len(names))
		o.emitExtract(audit.StatusFailure, msg, 0)
		return "", errors.New(msg)
	}

	raw, err := reader.Extract(entryName)
	if err != nil {
		o.emitExtract(audit.StatusFailure, err.Error(), 0)
		return "", fmt.Errorf("extraction failed: %w", err)
	}

	o.emitExtract(audit.StatusSuccess, fmt.Sprintf("extracted %q", entryName), int64(len(raw)))
	return string(raw), nil
}

func (o *Orchestrator) applyPrimary(ctx context.Context, ops []patch.Operation) (int, error) {
	if err := o.primary.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	applyResult, err := o.primary.Apply(ctx, ops, patch.DefaultBatchSize)
	if applyResult == nil {
		return 0, err
	}
	return applyResult.AppliedCount, err
}

// isStale reports whether the last successful fetch is older than maxAge.
// A missing KV store or pointer counts as stale.
func (o *Orchestrator) isStale(ctx context.Context, maxAgeSeconds int) bool {
	if o.kv == nil {
		return true
	}
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = defaultMaxAgeSeconds
	}

	value, err := o.kv.Get(ctx, lastFetchKey)
	if err != nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return true
	}
	return time.Since(last) > time.Duration(maxAgeSeconds)*time.Second
}

// finishRun persists run metadata and advances the last-fetch timestamp.
// The result must carry its terminal status and duration before this call;
// the persisted artifact is what operators read after the fact.
func (o *Orchestrator) finishRun(ctx context.Context, result *RunResult) {
	if o.kv != nil {
		if err := o.kv.Put(ctx, lastFetchKey, time.Now().UTC().Format(time.RFC3339), 0); err != nil {
			o.logger.Warn("failed to update last-fetch timestamp", slog.String("error", err.Error()))
		}
	}

	if o.blobs == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	key := "runs/" + result.Version + ".json"
	if err := o.blobs.Put(ctx, key, data, "application/json", nil); err != nil {
		o.logger.Warn("failed to persist run metadata",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordValidation(ctx context.Context, version string, valResult *validate.Result) {
	if o.auditLog != nil {
		status := audit.StatusSuccess
		message := "validation passed"
		if !valResult.Success {
			status = audit.StatusFailure
			message = fmt.Sprintf("validation failed: %d error(s)", len(valResult.Errors))
		} else if len(valResult.Warnings) > 0 {
			status = audit.StatusWarning
			message = fmt.Sprintf("validation passed with %d warning(s)", len(valResult.Warnings))
		}
		o.auditLog.Log(&audit.Event{
			Type:   audit.EventTypeValidate,
			Status: status,
			Details: audit.Details{
				Message:     message,
				RecordCount: valResult.Metadata.RecordCount,
				Metadata:    map[string]string{"version": version},
			},
		})
	}

	if o.kv == nil {
		return
	}
	data, err := json.Marshal(valResult)
	if err != nil {
		return
	}
	ttl := o.cfg.Retention.ValidationMetaTTL
	if err := o.kv.Put(ctx, validationKeyPrefix+version, string(data), ttl); err != nil {
		o.logger.Warn("failed to persist validation metadata", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) emitExtract(status audit.Status, message string, size int64) {
	if o.auditLog == nil {
		return
	}
	o.auditLog.Log(&audit.Event{
		Type:    audit.EventTypeExtract,
		Status:  status,
		Details: audit.Details{Message: message, DataSize: size},
	})
}

func (o *Orchestrator) emitError(message string) {
	o.logger.Error("pipeline error", slog.String("error", message))
	if o.auditLog == nil {
		return
	}
	o.auditLog.Log(&audit.Event{
		Type:    audit.EventTypeError,
		Status:  audit.StatusFailure,
		Details: audit.Details{Message: message},
	})
}
