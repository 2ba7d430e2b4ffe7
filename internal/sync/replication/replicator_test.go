package replication

import (
	"context"
	"testing"

	"github.com/licensedb/engine/internal/config"
	"github.com/licensedb/engine/internal/store/kv"
	"github.com/licensedb/engine/internal/sync/patch"
)

var testOps = []patch.Operation{
	{Type: patch.OpInsert, Key: "AA1AA", Fields: map[string]string{"callsign": "AA1AA", "class": "Extra"}},
	{Type: patch.OpDelete, Key: "BB2BB"},
}

func target(id, endpoint string, priority int) config.Target {
	return config.Target{ID: id, Kind: "relational", Endpoint: endpoint, Enabled: true, Priority: priority}
}

func newReplicator(cfg Config, backend Backend) (*Replicator, kv.Store) {
	kvStore := kv.NewMemoryStore()
	r := New(cfg, map[string]Backend{"relational": backend}, kvStore, nil)
	return r, kvStore
}

func TestSync_DisabledIsZeroCost(t *testing.T) {
	r, _ := newReplicator(Config{Enabled: false}, NewMemoryBackend())

	result := r.Sync(context.Background(), []config.Target{target("t1", "a", 1)}, testOps)
	if result.TotalSlaves != 0 || result.SuccessCount != 0 || result.FailureCount != 0 {
		t.Errorf("result = %+v, want all zero", result)
	}
}

func TestSync_NoOpsOrNoTargets(t *testing.T) {
	r, _ := newReplicator(Config{Enabled: true}, NewMemoryBackend())

	if result := r.Sync(context.Background(), []config.Target{target("t1", "a", 1)}, nil); result.TotalSlaves != 0 {
		t.Errorf("TotalSlaves = %d with no ops, want 0", result.TotalSlaves)
	}
	if result := r.Sync(context.Background(), nil, testOps); result.TotalSlaves != 0 {
		t.Errorf("TotalSlaves = %d with no targets, want 0", result.TotalSlaves)
	}
}

func TestSync_BestEffortFanOut(t *testing.T) {
	backend := NewMemoryBackend()
	backend.FailEndpoints["bad"] = true
	r, _ := newReplicator(Config{Enabled: true}, backend)

	targets := []config.Target{
		target("good", "good", 1),
		target("bad", "bad", 1),
	}
	result := r.Sync(context.Background(), targets, testOps)

	if result.TotalSlaves != 2 || result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Errorf("result = %+v, want 2/1/1", result)
	}

	// The failing sibling must not prevent the healthy target from applying.
	records := backend.Records("good")
	if _, ok := records["AA1AA"]; !ok {
		t.Error("healthy target missing applied record")
	}
}

func TestSync_PanicIsolatedToTarget(t *testing.T) {
	backend := NewMemoryBackend()
	backend.PanicEndpoints["boom"] = true
	r, _ := newReplicator(Config{Enabled: true}, backend)

	targets := []config.Target{
		target("ok", "ok", 1),
		target("boom", "boom", 1),
	}
	result := r.Sync(context.Background(), targets, testOps)

	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Errorf("result = %+v, want one success one failure", result)
	}
	for _, tr := range result.Results {
		if tr.TargetID == "boom" && tr.Error == "" {
			t.Error("panicking target should carry an error")
		}
	}
}

func TestSync_CanaryGating(t *testing.T) {
	backend := NewMemoryBackend()
	r, _ := newReplicator(Config{Enabled: true}, backend)

	targets := []config.Target{
		target("primary", "p", 1),
		target("canary", "c", 2),
	}
	result := r.Sync(context.Background(), targets, testOps)

	if result.SuccessCount != 2 {
		t.Fatalf("SuccessCount = %d, want 2", result.SuccessCount)
	}
	for _, tr := range result.Results {
		switch tr.TargetID {
		case "primary":
			if tr.AppliedOperations != len(testOps) || tr.Skipped {
				t.Errorf("primary = %+v, want full apply", tr)
			}
		case "canary":
			if tr.AppliedOperations != 0 || !tr.Skipped {
				t.Errorf("canary = %+v, want simulated skip with zero ops", tr)
			}
		}
	}

	// With canary enabled every target applies everything.
	r2, _ := newReplicator(Config{Enabled: true, CanaryEnabled: true}, backend)
	result = r2.Sync(context.Background(), targets, testOps)
	for _, tr := range result.Results {
		if tr.AppliedOperations != len(testOps) {
			t.Errorf("%s applied %d ops with canary enabled, want %d", tr.TargetID, tr.AppliedOperations, len(testOps))
		}
	}
}

func TestHealthTransitions(t *testing.T) {
	backend := NewMemoryBackend()
	backend.FailEndpoints["flaky"] = true
	r, _ := newReplicator(Config{Enabled: true}, backend)

	ctx := context.Background()
	targets := []config.Target{target("flaky", "flaky", 1)}

	// One failure: degraded.
	r.Sync(ctx, targets, testOps)
	health, err := r.TargetHealth(ctx, "flaky")
	if err != nil {
		t.Fatalf("TargetHealth error = %v", err)
	}
	if health.Status != HealthDegraded || health.ConsecutiveFailures != 1 {
		t.Errorf("health = %+v, want degraded/1", health)
	}

	// Third consecutive failure: failed.
	r.Sync(ctx, targets, testOps)
	r.Sync(ctx, targets, testOps)
	health, _ = r.TargetHealth(ctx, "flaky")
	if health.Status != HealthFailed || health.ConsecutiveFailures != 3 {
		t.Errorf("health = %+v, want failed/3", health)
	}
	if health.LastError == "" {
		t.Error("LastError should be recorded")
	}

	// Success resets to healthy.
	delete(backend.FailEndpoints, "flaky")
	r.Sync(ctx, targets, testOps)
	health, _ = r.TargetHealth(ctx, "flaky")
	if health.Status != HealthHealthy || health.ConsecutiveFailures != 0 {
		t.Errorf("health = %+v, want healthy/0", health)
	}
	if health.LastError != "" {
		t.Errorf("LastError = %q, want cleared", health.LastError)
	}
}

func TestSync_UnknownKindFailsThatTargetOnly(t *testing.T) {
	r, _ := newReplicator(Config{Enabled: true}, NewMemoryBackend())

	targets := []config.Target{
		target("ok", "ok", 1),
		{ID: "weird", Kind: "graph", Endpoint: "g", Enabled: true},
	}
	result := r.Sync(context.Background(), targets, testOps)

	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Errorf("result = %+v, want 1/1", result)
	}
}
