// Package fallback persists the last accepted snapshot and serves it when a
// freshly fetched dataset fails validation.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/licensedb/engine/internal/audit"
	"github.com/licensedb/engine/internal/crypto"
	"github.com/licensedb/engine/internal/store/blob"
	"github.com/licensedb/engine/internal/store/kv"
)

// ErrBlobMissing indicates the last-good pointer exists but the snapshot
// blob it references is gone. Distinct from "no fallback ever stored".
var ErrBlobMissing = errors.New("fallback: pointer exists but snapshot blob is missing")

const (
	lastGoodKey    = "sync:last_good"
	snapshotPrefix = "snapshots/"
)

// Metadata describes one stored snapshot.
type Metadata struct {
	Version     string    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"contentHash"`
	RecordCount int       `json:"recordCount"`
	Reason      string    `json:"reason"`
}

// pointer is the persisted last-good record.
type pointer struct {
	Metadata
	BlobPath  string `json:"blobPath"`
	Encrypted bool   `json:"encrypted"`
}

// Decision is the outcome of a validation-failure fallback check.
type Decision struct {
	UseFallback bool
	Content     []byte
	Metadata    *Metadata
	Reason      string
}

// Config holds fallback manager settings.
type Config struct {
	// PointerTTL bounds the last-good pointer only, not the blob.
	PointerTTL time.Duration
	// Retention bounds how long versioned snapshot blobs are kept.
	Retention time.Duration
}

// DefaultConfig returns the default fallback policy.
func DefaultConfig() Config {
	return Config{
		PointerTTL: 90 * 24 * time.Hour,
		Retention:  90 * 24 * time.Hour,
	}
}

// Manager stores and retrieves last-good snapshots. It depends only on blob
// and key-value storage.
type Manager struct {
	blobs     blob.Store
	kv        kv.Store
	encryptor *crypto.Encryptor
	config    Config
	auditLog  *audit.Logger
	logger    *slog.Logger
}

// New creates a fallback manager. The encryptor is optional; when set,
// snapshot blobs are encrypted at rest.
func New(blobs blob.Store, kvStore kv.Store, encryptor *crypto.Encryptor, config Config, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		blobs:     blobs,
		kv:        kvStore,
		encryptor: encryptor,
		config:    config,
		auditLog:  auditLog,
		logger:    logger,
	}
}

// BlobPath returns the version-qualified blob key for a snapshot.
func BlobPath(version string) string {
	return snapshotPrefix + version + ".dat"
}

// Store writes the snapshot blob at a version-qualified path and overwrites
// the single last-good pointer. Called on every successful run.
func (m *Manager) Store(ctx context.Context, content []byte, meta Metadata) error {
	data := content
	encrypted := false
	if m.encryptor != nil {
		var err error
		data, err = m.encryptor.Encrypt(content)
		if err != nil {
			return fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
		encrypted = true
	}

	path := BlobPath(meta.Version)
	if err := m.blobs.Put(ctx, path, data, "text/plain", map[string]string{
		"version":      meta.Version,
		"content_hash": meta.ContentHash,
	}); err != nil {
		return fmt.Errorf("failed to store snapshot blob: %w", err)
	}

	ptr := pointer{Metadata: meta, BlobPath: path, Encrypted: encrypted}
	value, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("failed to serialize last-good pointer: %w", err)
	}
	if err := m.kv.Put(ctx, lastGoodKey, string(value), m.config.PointerTTL); err != nil {
		return fmt.Errorf("failed to store last-good pointer: %w", err)
	}

	m.logger.Info("last-good snapshot stored",
		slog.String("version", meta.Version),
		slog.Int("record_count", meta.RecordCount),
	)
	return nil
}

// Retrieve reads the last-good pointer and the referenced blob. Returns
// (nil, nil, nil) when no fallback was ever stored; returns ErrBlobMissing
// when the pointer exists but the blob does not.
func (m *Manager) Retrieve(ctx context.Context) ([]byte, *Metadata, error) {
	value, err := m.kv.Get(ctx, lastGoodKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			m.logger.Debug("no last-good pointer stored")
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read last-good pointer: %w", err)
	}

	var ptr pointer
	if err := json.Unmarshal([]byte(value), &ptr); err != nil {
		return nil, nil, fmt.Errorf("failed to parse last-good pointer: %w", err)
	}

	data, err := m.blobs.Get(ctx, ptr.BlobPath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			m.logger.Error("last-good blob missing",
				slog.String("blob_path", ptr.BlobPath),
				slog.String("version", ptr.Version),
			)
			return nil, nil, ErrBlobMissing
		}
		return nil, nil, fmt.Errorf("failed to read snapshot blob: %w", err)
	}

	if ptr.Encrypted {
		if m.encryptor == nil {
			return nil, nil, errors.New("fallback: snapshot is encrypted but no encryptor is configured")
		}
		data, err = m.encryptor.Decrypt(data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt snapshot: %w", err)
		}
	}

	meta := ptr.Metadata
	return data, &meta, nil
}

// HandleValidationFailure decides whether the last-good snapshot can stand in
// for a dataset that failed validation. Every decision emits an audit event.
func (m *Manager) HandleValidationFailure(ctx context.Context, validationErrors []string, newVersion string) (*Decision, error) {
	content, meta, err := m.Retrieve(ctx)
	if err != nil && !errors.Is(err, ErrBlobMissing) {
		return nil, err
	}

	if content == nil || meta == nil {
		decision := &Decision{
			UseFallback: false,
			Reason:      "No fallback data available",
		}
		m.emitAudit(audit.StatusFailure, decision.Reason, newVersion, 0)
		return decision, nil
	}

	reason := fmt.Sprintf("validation failed for version %s: %s",
		newVersion, strings.Join(validationErrors, "; "))
	decision := &Decision{
		UseFallback: true,
		Content:     content,
		Metadata:    meta,
		Reason:      reason,
	}
	m.emitAudit(audit.StatusWarning, reason, meta.Version, meta.RecordCount)

	m.logger.Warn("falling back to last-good snapshot",
		slog.String("fallback_version", meta.Version),
		slog.String("rejected_version", newVersion),
	)
	return decision, nil
}

// Prune deletes versioned snapshot blobs older than the retention period,
// keeping the blob the last-good pointer references. Returns the number of
// blobs deleted.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.config.Retention == 0 {
		return 0, nil
	}

	var keep string
	if value, err := m.kv.Get(ctx, lastGoodKey); err == nil {
		var ptr pointer
		if json.Unmarshal([]byte(value), &ptr) == nil {
			keep = ptr.BlobPath
		}
	}

	cutoff := time.Now().Add(-m.config.Retention)
	infos, err := m.blobs.List(ctx, snapshotPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshot blobs: %w", err)
	}

	deleted := 0
	for _, info := range infos {
		if info.Key == keep || !info.UploadedAt.Before(cutoff) {
			continue
		}
		if err := m.blobs.Delete(ctx, info.Key); err != nil {
			m.logger.Warn("failed to delete expired snapshot",
				slog.String("key", info.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	return deleted, nil
}

func (m *Manager) emitAudit(status audit.Status, message, version string, recordCount int) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Log(&audit.Event{
		Type:   audit.EventTypeFallback,
		Status: status,
		Details: audit.Details{
			Message:     message,
			RecordCount: recordCount,
			Metadata:    map[string]string{"version": version},
		},
	})
}
