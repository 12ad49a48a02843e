// Package config loads ringside configuration from YAML.
//
// Files are checked against an embedded CUE schema before decoding, so
// unknown keys and malformed durations are rejected with a path to the
// offending field. Missing values fall back to the replica and store
// package defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ringside/internal/metrics"
	"github.com/roach88/ringside/internal/remote/pgremote"
	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

//go:embed schema.cue
var schemaCUE string

// Environment overrides applied after the file is read.
const (
	EnvDatabase  = "RINGSIDE_DB"
	EnvRemoteDSN = "RINGSIDE_REMOTE_DSN"
)

// DefaultPath is the database file used when none is configured.
const DefaultPath = "ringside.db"

// Config is the complete ringside configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Notify  NotifyConfig  `yaml:"notify"`
	Query   QueryConfig   `yaml:"query"`
	Remote  RemoteConfig  `yaml:"remote"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// StorageConfig controls the local SQLite file.
type StorageConfig struct {
	Path             string        `yaml:"path"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// CacheConfig controls expiry and eviction.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxBytes        int64         `yaml:"max_bytes"`
	FrequencyWeight float64       `yaml:"frequency_weight"`
	RecencyWeight   float64       `yaml:"recency_weight"`
}

// SyncConfig controls pulls from the remote.
type SyncConfig struct {
	Tenant     string        `yaml:"tenant"`
	SkewBuffer time.Duration `yaml:"skew_buffer"`
	ChunkSize  int           `yaml:"chunk_size"`
	Interval   time.Duration `yaml:"interval"`
}

// NotifyConfig controls change notification.
type NotifyConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// QueryConfig bounds read operations.
type QueryConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	GetAllTimeout   time.Duration `yaml:"get_all_timeout"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
}

// RemoteConfig locates the authoritative Postgres database.
type RemoteConfig struct {
	DSN      string `yaml:"dsn"`
	PageSize int    `yaml:"page_size"`
}

// HTTPConfig controls the status server started by `ringside serve`.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:             DefaultPath,
			OpenTimeout:      store.DefaultOpenTimeout,
			AdmissionTimeout: store.DefaultAdmissionTimeout,
		},
		Cache: CacheConfig{
			TTL:             replica.DefaultTTL,
			FrequencyWeight: replica.DefaultScorer.FrequencyWeight,
			RecencyWeight:   replica.DefaultScorer.RecencyWeight,
		},
		Sync: SyncConfig{
			SkewBuffer: replica.DefaultSkewBuffer,
			ChunkSize:  replica.DefaultChunkSize,
			Interval:   time.Minute,
		},
		Notify: NotifyConfig{
			DebounceWindow: replica.DefaultDebounceWindow,
		},
		Query: QueryConfig{
			Timeout:         replica.DefaultQueryTimeout,
			GetAllTimeout:   replica.DefaultGetAllTimeout,
			MetadataTimeout: replica.DefaultMetaTimeout,
		},
		Remote: RemoteConfig{
			PageSize: pgremote.DefaultPageSize,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8686",
		},
	}
}

// Load reads the file at path. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(raw) > 0 {
		if err := checkSchema(raw); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func checkSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	doc := ctx.Encode(pruneNulls(raw))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// pruneNulls drops keys left empty in YAML, such as a bare `remote:`.
func pruneNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case nil:
			continue
		case map[string]any:
			out[k] = pruneNulls(vv)
		default:
			out[k] = v
		}
	}
	return out
}

// setDefaults fills zero values an explicit YAML null may have cleared.
func (c *Config) setDefaults() {
	d := Default()
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Storage.OpenTimeout == 0 {
		c.Storage.OpenTimeout = d.Storage.OpenTimeout
	}
	if c.Storage.AdmissionTimeout == 0 {
		c.Storage.AdmissionTimeout = d.Storage.AdmissionTimeout
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Cache.FrequencyWeight == 0 && c.Cache.RecencyWeight == 0 {
		c.Cache.FrequencyWeight = d.Cache.FrequencyWeight
		c.Cache.RecencyWeight = d.Cache.RecencyWeight
	}
	if c.Sync.ChunkSize == 0 {
		c.Sync.ChunkSize = d.Sync.ChunkSize
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = d.Sync.Interval
	}
	if c.Notify.DebounceWindow == 0 {
		c.Notify.DebounceWindow = d.Notify.DebounceWindow
	}
	if c.Query.Timeout == 0 {
		c.Query.Timeout = d.Query.Timeout
	}
	if c.Query.GetAllTimeout == 0 {
		c.Query.GetAllTimeout = d.Query.GetAllTimeout
	}
	if c.Query.MetadataTimeout == 0 {
		c.Query.MetadataTimeout = d.Query.MetadataTimeout
	}
	if c.Remote.PageSize == 0 {
		c.Remote.PageSize = d.Remote.PageSize
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvRemoteDSN); v != "" {
		c.Remote.DSN = v
	}
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Storage.OpenTimeout < 0 || c.Storage.AdmissionTimeout < 0 {
		return errors.New("storage timeouts must not be negative")
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl must not be negative")
	}
	if w := c.Cache.FrequencyWeight + c.Cache.RecencyWeight; w <= 0 {
		return errors.New("cache weights must sum to a positive value")
	}
	if c.Sync.SkewBuffer < 0 {
		return errors.New("sync.skew_buffer must not be negative")
	}
	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}
	return nil
}

// ManagerOptions returns the store options this configuration implies.
func (c *Config) ManagerOptions(logger *slog.Logger, m *metrics.Metrics) []store.ManagerOption {
	return []store.ManagerOption{
		store.WithOpenTimeout(c.Storage.OpenTimeout),
		store.WithAdmissionTimeout(c.Storage.AdmissionTimeout),
		store.WithLogger(logger),
		store.WithMetrics(m),
	}
}

// TableOptions returns the replica options this configuration implies.
func (c *Config) TableOptions(logger *slog.Logger, m *metrics.Metrics) []replica.Option {
	return []replica.Option{
		replica.WithTTL(c.Cache.TTL),
		replica.WithScorer(replica.HybridScorer{
			FrequencyWeight: c.Cache.FrequencyWeight,
			RecencyWeight:   c.Cache.RecencyWeight,
		}),
		replica.WithDebounceWindow(c.Notify.DebounceWindow),
		replica.WithQueryTimeout(c.Query.Timeout),
		replica.WithGetAllTimeout(c.Query.GetAllTimeout),
		replica.WithMetadataTimeout(c.Query.MetadataTimeout),
		replica.WithChunkSize(c.Sync.ChunkSize),
		replica.WithSkewBuffer(c.Sync.SkewBuffer),
		replica.WithLogger(logger),
		replica.WithMetrics(m),
	}
}
