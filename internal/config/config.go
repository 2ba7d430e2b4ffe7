package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrMissingDataSource = errors.New("config: data source origin URL is required")

// Config is the full daemon configuration.
type Config struct {
	DataSource   DataSource   `yaml:"data_source"`
	Fetch        Fetch        `yaml:"fetch"`
	ExternalSync ExternalSync `yaml:"external_sync"`
	Features     Features     `yaml:"features"`
	Retention    Retention    `yaml:"retention"`
	Stores       Stores       `yaml:"stores"`
}

// DataSource describes the origin archive and the expected file schema.
type DataSource struct {
	OriginZipURL      string `yaml:"origin_zip_url"`
	ZipFileName       string `yaml:"zip_file_name"`
	ExtractedFileName string `yaml:"extracted_file_name"`
	ExpectedSchema    Schema `yaml:"expected_schema"`
}

// Schema is the declared shape of the delimited flat file.
type Schema struct {
	Fields    []string `yaml:"fields"`
	Delimiter string   `yaml:"delimiter"`
	HasHeader bool     `yaml:"has_header"`
}

// Fetch tunes the origin fetcher.
type Fetch struct {
	TimeoutMs    int     `yaml:"timeout_ms"`
	MaxRetries   int     `yaml:"max_retries"`
	RetryDelayMs int     `yaml:"retry_delay_ms"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
}

// ExternalSync configures best-effort secondary replication.
type ExternalSync struct {
	SQL   TargetGroup `yaml:"sql"`
	Cache TargetGroup `yaml:"cache"`
}

// TargetGroup is one kind of replication targets.
type TargetGroup struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoints []Target `yaml:"endpoints"`
}

// Target is one secondary replication endpoint.
type Target struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"` // relational | cache
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority,omitempty"`
	TTL      int    `yaml:"ttl,omitempty"` // seconds, cache targets only
}

// Features holds feature flags.
type Features struct {
	ExternalSync     bool `yaml:"external_sync"`
	CanaryDeployment bool `yaml:"canary_deployment"`
	SkipValidation   bool `yaml:"skip_validation"`
}

// Retention bounds stored state.
type Retention struct {
	FallbackPointerTTL time.Duration `yaml:"fallback_pointer_ttl"`
	SnapshotRetention  time.Duration `yaml:"snapshot_retention"`
	HealthTTL          time.Duration `yaml:"health_ttl"`
	ValidationMetaTTL  time.Duration `yaml:"validation_meta_ttl"`
}

// Stores holds collaborator connection settings. Empty values mean the
// collaborator is absent; the pipeline degrades per its availability rules.
type Stores struct {
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	BlobDir       string `yaml:"blob_dir"`
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// Default returns a runnable configuration for the amateur license dataset.
func Default() *Config {
	return &Config{
		DataSource: DataSource{
			ZipFileName:       "l_amat.zip",
			ExtractedFileName: "AM.dat",
			ExpectedSchema: Schema{
				Fields:    []string{"callsign", "name", "class"},
				Delimiter: "|",
				HasHeader: false,
			},
		},
		Fetch: Fetch{
			TimeoutMs:    30000,
			MaxRetries:   3,
			RetryDelayMs: 1000,
			RatePerSec:   1,
		},
		Features: Features{
			ExternalSync:     false,
			CanaryDeployment: false,
		},
		Retention: Retention{
			FallbackPointerTTL: 90 * 24 * time.Hour,
			SnapshotRetention:  90 * 24 * time.Hour,
			HealthTTL:          7 * 24 * time.Hour,
			ValidationMetaTTL:  30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DataSource.OriginZipURL == "" {
		return ErrMissingDataSource
	}
	if c.DataSource.ExtractedFileName == "" {
		return errors.New("config: extracted file name is required")
	}
	if len(c.DataSource.ExpectedSchema.Fields) == 0 {
		return errors.New("config: expected schema fields are required")
	}
	if c.DataSource.ExpectedSchema.Delimiter == "" {
		return errors.New("config: schema delimiter is required")
	}
	return nil
}

// EnabledTargets returns all enabled targets across both kinds, with the
// group kind stamped onto each target.
func (c *Config) EnabledTargets() []Target {
	var targets []Target
	if c.ExternalSync.SQL.Enabled {
		for _, t := range c.ExternalSync.SQL.Endpoints {
			if t.Enabled {
				if t.Kind == "" {
					t.Kind = "relational"
				}
				targets = append(targets, t)
			}
		}
	}
	if c.ExternalSync.Cache.Enabled {
		for _, t := range c.ExternalSync.Cache.Endpoints {
			if t.Enabled {
				if t.Kind == "" {
					t.Kind = "cache"
				}
				targets = append(targets, t)
			}
		}
	}
	return targets
}
