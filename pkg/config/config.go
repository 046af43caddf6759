package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dynamo/pkg/detox"
	"dynamo/pkg/inventory"
	"dynamo/pkg/shared"
	"dynamo/pkg/store"
	"dynamo/pkg/supply"
	"dynamo/pkg/utils"
)

type Config struct {
	DataDir    string            `json:"data_dir"`
	Store      StoreConfig       `json:"store"`
	Inventory  InventoryConfig   `json:"inventory"`
	Partitions []PartitionConfig `json:"partitions,omitempty"`
	// Quotas maps site -> partition -> bytes. Negative is unlimited.
	Quotas  map[string]map[string]int64 `json:"quotas,omitempty"`
	Detox   DetoxConfig                 `json:"detox"`
	Retry   shared.RetryConfig          `json:"retry"`
	Metrics MetricsConfig               `json:"metrics"`
}

type StoreConfig struct {
	// Path defaults to <data_dir>/store.
	Path        string        `json:"path"`
	SnapshotDir string        `json:"snapshot_dir,omitempty"`
	LockTimeout time.Duration `json:"lock_timeout"`
	LockTTL     time.Duration `json:"lock_ttl"`
}

type InventoryConfig struct {
	FileCacheSize int  `json:"file_cache_size"`
	CheckFiles    bool `json:"check_files"`
}

type PartitionConfig struct {
	Name          string   `json:"name"`
	Groups        []string `json:"groups,omitempty"`
	StorageTypes  []string `json:"storage_types,omitempty"`
	Subpartitions []string `json:"subpartitions,omitempty"`
}

type DetoxConfig struct {
	PolicyFile string `json:"policy_file"`
	detox.Config
}

type MetricsConfig struct {
	// Port of the /metrics endpoint. Zero disables it.
	Port int `json:"port"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Store: StoreConfig{
			LockTimeout: store.DefaultOptions().LockTimeout,
			LockTTL:     store.DefaultOptions().LockTTL,
		},
		Inventory: InventoryConfig{FileCacheSize: 1024},
		Detox:     DetoxConfig{Config: detox.DefaultConfig()},
		Retry:     shared.DefaultRetryConfig(),
	}
}

// LoadConfig reads a JSON configuration file. Missing settings keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Detox.PolicyFile != "" && !filepath.IsAbs(cfg.Detox.PolicyFile) {
		cfg.Detox.PolicyFile = filepath.Join(filepath.Dir(path), cfg.Detox.PolicyFile)
	}
	return cfg, nil
}

// LoadFromEnv builds a configuration from DYNAMO_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.DataDir = getEnv("DYNAMO_DATA_DIR", cfg.DataDir)
	cfg.Store.Path = getEnv("DYNAMO_STORE_PATH", "")
	cfg.Detox.PolicyFile = getEnv("DYNAMO_POLICY_FILE", "")
	cfg.Detox.Mode = detox.Mode(getEnv("DYNAMO_DETOX_MODE", string(cfg.Detox.Mode)))
	cfg.Detox.DryRun = getEnv("DYNAMO_DRY_RUN", "") == "true"

	if v := os.Getenv("DYNAMO_DELETION_PER_ITERATION"); v != "" {
		size, err := utils.ParseDataSize(v)
		if err != nil {
			return nil, fmt.Errorf("DYNAMO_DELETION_PER_ITERATION: %w", err)
		}
		cfg.Detox.DeletionPerIteration = size
	}
	if v := os.Getenv("DYNAMO_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DYNAMO_METRICS_PORT: %w", err)
		}
		cfg.Metrics.Port = port
	}
	if v := os.Getenv("DYNAMO_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DYNAMO_LOCK_TIMEOUT: %w", err)
		}
		cfg.Store.LockTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate fills derived defaults and checks the settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "store")
	}
	if c.Inventory.FileCacheSize < 0 {
		return fmt.Errorf("inventory.file_cache_size must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if err := c.Detox.Config.Validate(); err != nil {
		return fmt.Errorf("detox: %w", err)
	}

	names := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.Name == "" {
			return fmt.Errorf("partition without a name")
		}
		if names[p.Name] {
			return fmt.Errorf("partition %s is defined twice", p.Name)
		}
		names[p.Name] = true
		for _, st := range p.StorageTypes {
			if _, err := inventory.ParseStorageType(st); err != nil {
				return fmt.Errorf("partition %s: %w", p.Name, err)
			}
		}
	}
	for _, p := range c.Partitions {
		for _, sub := range p.Subpartitions {
			if !names[sub] {
				return fmt.Errorf("partition %s: unknown subpartition %s", p.Name, sub)
			}
		}
	}
	for site, quotas := range c.Quotas {
		for part := range quotas {
			if len(c.Partitions) > 0 && !names[part] {
				return fmt.Errorf("quota of %s: unknown partition %s", site, part)
			}
		}
	}
	return nil
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		LockTimeout: c.Store.LockTimeout,
		LockTTL:     c.Store.LockTTL,
		SnapshotDir: c.Store.SnapshotDir,
	}
}

// Document returns the configured partitions and quotas as a supplier
// document, so they are merged like any other supplier output.
func (c *Config) Document() *supply.Document {
	doc := &supply.Document{}
	for _, p := range c.Partitions {
		spec := supply.PartitionSpec{
			Name:          p.Name,
			Groups:        p.Groups,
			Subpartitions: p.Subpartitions,
		}
		for _, st := range p.StorageTypes {
			// checked by Validate
			t, _ := inventory.ParseStorageType(st)
			spec.StorageTypes = append(spec.StorageTypes, t)
		}
		doc.Partitions = append(doc.Partitions, spec)
	}
	if len(c.Quotas) > 0 {
		doc.Quotas = make(map[string]map[string]interface{}, len(c.Quotas))
		for site, quotas := range c.Quotas {
			doc.Quotas[site] = make(map[string]interface{}, len(quotas))
			for part, quota := range quotas {
				doc.Quotas[site][part] = quota
			}
		}
	}
	return doc
}
