package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_RequiresOriginURL(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingDataSource) {
		t.Errorf("Validate error = %v, want ErrMissingDataSource", err)
	}

	cfg.DataSource.OriginZipURL = "https://example.com/l_amat.zip"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate error = %v, want nil", err)
	}
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_source:
  origin_zip_url: https://example.com/l_amat.zip
fetch:
  max_retries: 5
features:
  external_sync: true
external_sync:
  sql:
    enabled: true
    endpoints:
      - id: replica-1
        endpoint: /var/lib/sync/replica.db
        enabled: true
        priority: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	if cfg.Fetch.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want override 5", cfg.Fetch.MaxRetries)
	}
	// Untouched fields keep their defaults.
	if cfg.Fetch.TimeoutMs != 30000 {
		t.Errorf("TimeoutMs = %d, want default 30000", cfg.Fetch.TimeoutMs)
	}
	if cfg.DataSource.ExtractedFileName != "AM.dat" {
		t.Errorf("ExtractedFileName = %q, want default", cfg.DataSource.ExtractedFileName)
	}
	if !cfg.Features.ExternalSync {
		t.Error("Features.ExternalSync = false, want true")
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_source:\n  origin_zip_url: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted a config without an origin URL")
	}
}

func TestEnabledTargets_StampsKindAndFilters(t *testing.T) {
	cfg := Default()
	cfg.ExternalSync.SQL = TargetGroup{
		Enabled: true,
		Endpoints: []Target{
			{ID: "sql-1", Endpoint: "a.db", Enabled: true},
			{ID: "sql-off", Endpoint: "b.db", Enabled: false},
		},
	}
	cfg.ExternalSync.Cache = TargetGroup{
		Enabled: true,
		Endpoints: []Target{
			{ID: "cache-1", Endpoint: "localhost:6379", Enabled: true, TTL: 3600},
		},
	}

	targets := cfg.EnabledTargets()
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2", targets)
	}
	kinds := map[string]string{}
	for _, tgt := range targets {
		kinds[tgt.ID] = tgt.Kind
	}
	if kinds["sql-1"] != "relational" || kinds["cache-1"] != "cache" {
		t.Errorf("kinds = %v", kinds)
	}

	// A disabled group contributes nothing even with enabled endpoints.
	cfg.ExternalSync.Cache.Enabled = false
	if targets := cfg.EnabledTargets(); len(targets) != 1 {
		t.Errorf("targets with cache group off = %v, want sql only", targets)
	}
}
