package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/licensedb/engine/internal/crypto"
	"github.com/licensedb/engine/internal/store/blob"
	"github.com/licensedb/engine/internal/store/kv"
)

func newManager(t *testing.T, enc *crypto.Encryptor) (*Manager, blob.Store, kv.Store) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	kvStore := kv.NewMemoryStore()
	return New(blobs, kvStore, enc, DefaultConfig(), nil, nil), blobs, kvStore
}

func TestStoreAndRetrieve(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()

	content := []byte("AA1AA|John Doe|Extra\n")
	meta := Metadata{
		Version:     "v1",
		Timestamp:   time.Now().UTC(),
		ContentHash: crypto.HashSHA256(content),
		RecordCount: 1,
		Reason:      "sync completed",
	}
	if err := m.Store(ctx, content, meta); err != nil {
		t.Fatalf("Store error = %v", err)
	}

	got, gotMeta, err := m.Retrieve(ctx)
	if err != nil {
		t.Fatalf("Retrieve error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
	if gotMeta.Version != "v1" || gotMeta.RecordCount != 1 {
		t.Errorf("metadata = %+v", gotMeta)
	}
}

func TestRetrieve_NothingStored(t *testing.T) {
	m, _, _ := newManager(t, nil)

	content, meta, err := m.Retrieve(context.Background())
	if err != nil || content != nil || meta != nil {
		t.Errorf("Retrieve = (%v, %v, %v), want all nil", content, meta, err)
	}
}

func TestRetrieve_PointerWithoutBlob(t *testing.T) {
	m, blobs, _ := newManager(t, nil)
	ctx := context.Background()

	if err := m.Store(ctx, []byte("data"), Metadata{Version: "v1"}); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	if err := blobs.Delete(ctx, BlobPath("v1")); err != nil {
		t.Fatalf("Delete error = %v", err)
	}

	_, _, err := m.Retrieve(ctx)
	if !errors.Is(err, ErrBlobMissing) {
		t.Errorf("Retrieve error = %v, want ErrBlobMissing", err)
	}
}

func TestEncryptedAtRest(t *testing.T) {
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEncryptor error = %v", err)
	}
	m, blobs, _ := newManager(t, enc)
	ctx := context.Background()

	content := []byte("AA1AA|John Doe|Extra\n")
	if err := m.Store(ctx, content, Metadata{Version: "v1"}); err != nil {
		t.Fatalf("Store error = %v", err)
	}

	raw, err := blobs.Get(ctx, BlobPath("v1"))
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if string(raw) == string(content) {
		t.Error("blob stored in plaintext despite encryptor")
	}

	got, _, err := m.Retrieve(ctx)
	if err != nil {
		t.Fatalf("Retrieve error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("round-tripped content = %q, want %q", got, content)
	}
}

func TestHandleValidationFailure(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()

	// No fallback stored: terminal for the caller.
	decision, err := m.HandleValidationFailure(ctx, []string{"schema mismatch"}, "v2")
	if err != nil {
		t.Fatalf("HandleValidationFailure error = %v", err)
	}
	if decision.UseFallback {
		t.Error("UseFallback = true with nothing stored")
	}
	if decision.Reason != "No fallback data available" {
		t.Errorf("Reason = %q", decision.Reason)
	}

	// With a stored snapshot the decision degrades instead of failing.
	if err := m.Store(ctx, []byte("good data"), Metadata{Version: "v1", RecordCount: 1}); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	decision, err = m.HandleValidationFailure(ctx, []string{"schema mismatch"}, "v2")
	if err != nil {
		t.Fatalf("HandleValidationFailure error = %v", err)
	}
	if !decision.UseFallback {
		t.Fatal("UseFallback = false with fallback stored")
	}
	if string(decision.Content) != "good data" {
		t.Errorf("Content = %q", decision.Content)
	}
	if decision.Metadata.Version != "v1" {
		t.Errorf("Metadata.Version = %q, want v1", decision.Metadata.Version)
	}
}

func TestPrune_KeepsLastGood(t *testing.T) {
	blobs := blob.NewMemoryStore()
	kvStore := kv.NewMemoryStore()
	m := New(blobs, kvStore, nil, Config{PointerTTL: time.Hour, Retention: time.Nanosecond}, nil, nil)
	ctx := context.Background()

	if err := m.Store(ctx, []byte("old"), Metadata{Version: "v1"}); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	if err := m.Store(ctx, []byte("current"), Metadata{Version: "v2"}); err != nil {
		t.Fatalf("Store error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	deleted, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	// The pointer's blob survives pruning.
	if _, _, err := m.Retrieve(ctx); err != nil {
		t.Errorf("Retrieve after prune error = %v", err)
	}
}
