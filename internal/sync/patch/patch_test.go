package patch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/licensedb/engine/internal/sync/diff"
)

var schema = []string{"callsign", "name", "class"}

func TestGenerate_TypesPerDiffBucket(t *testing.T) {
	oldContent := "AA1AA|John Doe|Extra\nBB2BB|Jane Smith|General\n"
	newContent := "AA1AA|John Doe|General\nCC3CC|Sam Lee|Technician\n"

	d := diff.Compute(oldContent, newContent, diff.Options{Delimiter: "|"})
	ops := Generate(d, oldContent, newContent, "|", schema, false)

	byKey := make(map[string]Operation)
	for _, op := range ops {
		if _, dup := byKey[op.Key]; dup {
			t.Errorf("duplicate operation for key %q", op.Key)
		}
		byKey[op.Key] = op
	}

	if op := byKey["CC3CC"]; op.Type != OpInsert {
		t.Errorf("CC3CC op = %v, want insert", op.Type)
	}
	if op := byKey["AA1AA"]; op.Type != OpUpdate {
		t.Errorf("AA1AA op = %v, want update", op.Type)
	}
	if op := byKey["BB2BB"]; op.Type != OpDelete {
		t.Errorf("BB2BB op = %v, want delete", op.Type)
	}

	want := map[string]string{"callsign": "AA1AA", "name": "John Doe", "class": "General"}
	if !reflect.DeepEqual(byKey["AA1AA"].Fields, want) {
		t.Errorf("AA1AA fields = %v, want %v", byKey["AA1AA"].Fields, want)
	}

	// Deleted ops carry the old line's fields.
	if byKey["BB2BB"].Fields["name"] != "Jane Smith" {
		t.Errorf("BB2BB fields = %v, want old-content fields", byKey["BB2BB"].Fields)
	}
}

func TestGenerate_TruncatesToShorterLength(t *testing.T) {
	oldContent := ""
	newContent := "AA1AA|John Doe\n"

	d := diff.Compute(oldContent, newContent, diff.Options{Delimiter: "|"})
	ops := Generate(d, oldContent, newContent, "|", schema, false)

	if len(ops) != 1 {
		t.Fatalf("ops = %v, want one", ops)
	}
	if len(ops[0].Fields) != 2 {
		t.Errorf("fields = %v, want 2 entries (missing column truncated)", ops[0].Fields)
	}
}

// Applying the generated patch to a copy of the old record set reproduces,
// key for key, the record set parsed from the new content.
func TestPatchRoundTrip(t *testing.T) {
	oldContent := "AA1AA|John Doe|Extra\nBB2BB|Jane Smith|General\nDD4DD|Ann Wu|Extra\n"
	newContent := "AA1AA|John Doe|General\nCC3CC|Sam Lee|Technician\nDD4DD|Ann Wu|Extra\n"

	store := NewMemoryStore()
	ctx := context.Background()

	// Seed the store with the old record set.
	seed := diff.Compute("", oldContent, diff.Options{Delimiter: "|"})
	seedOps := Generate(seed, "", oldContent, "|", schema, false)
	if _, err := store.Apply(ctx, seedOps, 2); err != nil {
		t.Fatalf("seed Apply error = %v", err)
	}

	d := diff.Compute(oldContent, newContent, diff.Options{Delimiter: "|"})
	ops := Generate(d, oldContent, newContent, "|", schema, false)
	if _, err := store.Apply(ctx, ops, 2); err != nil {
		t.Fatalf("Apply error = %v", err)
	}

	got := store.Records()
	want := make(map[string]map[string]string)
	for key, line := range diff.ParseRecords(newContent, "|", false) {
		fields := parseFields(line, "|", schema)
		want[key] = fields
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("records after patch = %v, want %v", got, want)
	}
}

func TestApply_BatchOrderAndPartialFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailOnBatch = 2

	ops := make([]Operation, 0, 25)
	for i := 0; i < 25; i++ {
		ops = append(ops, Operation{
			Type:   OpInsert,
			Key:    fmt.Sprintf("K%02d", i),
			Fields: map[string]string{"callsign": fmt.Sprintf("K%02d", i)},
		})
	}

	result, err := store.Apply(context.Background(), ops, 10)
	if !errors.Is(err, ErrPartialApply) {
		t.Fatalf("Apply error = %v, want ErrPartialApply", err)
	}
	if result.AppliedCount != 20 {
		t.Errorf("AppliedCount = %d, want 20 (two full batches)", result.AppliedCount)
	}
	if result.FailedBatch != 2 {
		t.Errorf("FailedBatch = %d, want 2", result.FailedBatch)
	}

	// No operation after the failed batch may have landed.
	records := store.Records()
	if _, ok := records["K20"]; ok {
		t.Error("operation from failed batch was applied")
	}
	if _, ok := records["K19"]; !ok {
		t.Error("operation from committed batch is missing")
	}
}

func TestMemoryStore_VersionUpsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	v := VersionRecord{Version: "v1", RecordCount: 10, Hash: "h1", BlobPath: "snapshots/v1.dat"}
	if err := store.RecordVersion(ctx, v); err != nil {
		t.Fatalf("RecordVersion error = %v", err)
	}
	v.RecordCount = 12
	if err := store.RecordVersion(ctx, v); err != nil {
		t.Fatalf("RecordVersion error = %v", err)
	}

	versions, err := store.ListVersions(ctx, 10)
	if err != nil {
		t.Fatalf("ListVersions error = %v", err)
	}
	if len(versions) != 1 || versions[0].RecordCount != 12 {
		t.Errorf("versions = %v, want one upserted entry", versions)
	}
}
