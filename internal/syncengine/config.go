package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
)

// PullKey is the config and checkpoint key for the pull direction.
func PullKey(model string) string { return "odoo_to_sb:" + model }

// PushKey is the config key for the push direction.
func PushKey(model string) string { return "sb_to_odoo:" + model }

// PullConfig is stored under PullKey.
type PullConfig struct {
	Domain   []any    `json:"domain"`
	Fields   []string `json:"fields"`
	PageSize int      `json:"page_size"`
	// Incremental restricts each cycle to records written after the last
	// completed scan.
	Incremental bool `json:"incremental"`
}

// PushConfig is stored under PushKey.
type PushConfig struct {
	MaxBatch           int     `json:"max_batch"`
	MaxAttempts        int     `json:"max_attempts"`
	BaseBackoffSeconds float64 `json:"base_backoff_seconds"`
}

func defaultPullConfig() PullConfig {
	return PullConfig{Domain: []any{}, Fields: []string{"id"}, PageSize: 200}
}

func defaultPushConfig() PushConfig {
	return PushConfig{MaxBatch: 50, MaxAttempts: 5, BaseBackoffSeconds: 10}
}

func (e *Engine) loadPullConfig(ctx context.Context, model string) (PullConfig, error) {
	cfg := defaultPullConfig()
	raw, found, err := e.store.GetSyncConfig(ctx, PullKey(model))
	if err != nil {
		return cfg, fmt.Errorf("load pull config: %w", err)
	}
	if found {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode pull config: %w", err)
		}
	}
	if cfg.Domain == nil {
		cfg.Domain = []any{}
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = []string{"id"}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return cfg, nil
}

func (e *Engine) loadPushConfig(ctx context.Context, model string) (PushConfig, error) {
	cfg := defaultPushConfig()
	raw, found, err := e.store.GetSyncConfig(ctx, PushKey(model))
	if err != nil {
		return cfg, fmt.Errorf("load push config: %w", err)
	}
	if found {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode push config: %w", err)
		}
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoffSeconds <= 0 {
		cfg.BaseBackoffSeconds = 10
	}
	return cfg, nil
}
