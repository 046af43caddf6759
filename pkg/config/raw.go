package config

import (
	"encoding/json"
	"fmt"
	"time"

	"dynamo/pkg/detox"
	"dynamo/pkg/utils"
)

// configRaw is the JSON layout with flexible types: sizes may be numbers or
// strings like "100TB", durations are strings like "30s".
type configRaw struct {
	DataDir    string                            `json:"data_dir"`
	Store      storeRaw                          `json:"store"`
	Inventory  *InventoryConfig                  `json:"inventory"`
	Partitions []PartitionConfig                 `json:"partitions"`
	Quotas     map[string]map[string]interface{} `json:"quotas"`
	Detox      detoxRaw                          `json:"detox"`
	Retry      retryRaw                          `json:"retry"`
	Metrics    MetricsConfig                     `json:"metrics"`
}

type storeRaw struct {
	Path        string `json:"path"`
	SnapshotDir string `json:"snapshot_dir"`
	LockTimeout string `json:"lock_timeout"`
	LockTTL     string `json:"lock_ttl"`
}

type detoxRaw struct {
	PolicyFile           string              `json:"policy_file"`
	Mode                 detox.Mode          `json:"mode"`
	DeletionPerIteration interface{}         `json:"deletion_per_iteration"` // Can be string or number
	SiteSelection        detox.SiteSelection `json:"site_selection"`
	Seed                 int64               `json:"seed"`
	Workers              int                 `json:"workers"`
	DryRun               bool                `json:"dry_run"`
}

type retryRaw struct {
	MaxAttempts     int    `json:"max_attempts"`
	InitialInterval string `json:"initial_interval"`
	MaxInterval     string `json:"max_interval"`
}

// Parse decodes a JSON configuration on top of the defaults and validates
// it.
func Parse(data []byte) (*Config, error) {
	var raw configRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if raw.DataDir != "" {
		cfg.DataDir = raw.DataDir
	}
	cfg.Store.Path = raw.Store.Path
	cfg.Store.SnapshotDir = raw.Store.SnapshotDir
	if err := parseDuration(raw.Store.LockTimeout, &cfg.Store.LockTimeout); err != nil {
		return nil, fmt.Errorf("store.lock_timeout: %w", err)
	}
	if err := parseDuration(raw.Store.LockTTL, &cfg.Store.LockTTL); err != nil {
		return nil, fmt.Errorf("store.lock_ttl: %w", err)
	}

	if raw.Inventory != nil {
		cfg.Inventory = *raw.Inventory
	}
	cfg.Partitions = raw.Partitions

	if len(raw.Quotas) > 0 {
		cfg.Quotas = make(map[string]map[string]int64, len(raw.Quotas))
		for site, quotas := range raw.Quotas {
			cfg.Quotas[site] = make(map[string]int64, len(quotas))
			for part, v := range quotas {
				quota, err := utils.ParseSizeValue(v, 0)
				if err != nil {
					return nil, fmt.Errorf("invalid quota of %s/%s: %w", site, part, err)
				}
				cfg.Quotas[site][part] = quota
			}
		}
	}

	d := &cfg.Detox
	d.PolicyFile = raw.Detox.PolicyFile
	if raw.Detox.Mode != "" {
		d.Mode = raw.Detox.Mode
	}
	if raw.Detox.SiteSelection != "" {
		d.SiteSelection = raw.Detox.SiteSelection
	}
	if raw.Detox.Workers != 0 {
		d.Workers = raw.Detox.Workers
	}
	d.Seed = raw.Detox.Seed
	d.DryRun = raw.Detox.DryRun
	volume, err := utils.ParseSizeValue(raw.Detox.DeletionPerIteration, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid detox.deletion_per_iteration: %w", err)
	}
	if volume < 0 {
		volume = 0
	}
	d.DeletionPerIteration = volume

	if raw.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if err := parseDuration(raw.Retry.InitialInterval, &cfg.Retry.InitialInterval); err != nil {
		return nil, fmt.Errorf("retry.initial_interval: %w", err)
	}
	if err := parseDuration(raw.Retry.MaxInterval, &cfg.Retry.MaxInterval); err != nil {
		return nil, fmt.Errorf("retry.max_interval: %w", err)
	}
	cfg.Metrics = raw.Metrics

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration leaves dst alone when s is empty.
func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
