// Package config loads the on-disk YAML configuration shared by the
// safekeeper and pageserver daemons, with a --set key=value override layer
// folded in after parsing (the CLI's equivalent of the source project's
// `-c <toml-override>` flag).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Safekeeper holds daemon configuration for a safekeeper node.
type Safekeeper struct {
	NodeID       uint64 `yaml:"node_id"`
	WorkDir      string `yaml:"workdir"`
	ListenAddr   string `yaml:"listen_addr"`
	BrokerAddr   string `yaml:"broker_addr"`
	WalSegSizeMB int    `yaml:"wal_seg_size_mb"`
	MaxOffloaderLagMB int `yaml:"max_offloader_lag_mb"`
}

// Pageserver holds daemon configuration for a pageserver node.
type Pageserver struct {
	WorkDir              string `yaml:"workdir"`
	ListenAddr           string `yaml:"listen_addr"`
	PageCacheSizeMB      int    `yaml:"page_cache_size_mb"`
	EvictionPeriodSec    int    `yaml:"eviction_period_sec"`
	EvictionThresholdSec int    `yaml:"eviction_threshold_sec"`
	WalRedoIdleSec       int    `yaml:"walredo_idle_sec"`
}

func DefaultSafekeeper() Safekeeper {
	return Safekeeper{
		ListenAddr:        ":7676",
		BrokerAddr:        ":7677",
		WalSegSizeMB:      16,
		MaxOffloaderLagMB: 64,
	}
}

func DefaultPageserver() Pageserver {
	return Pageserver{
		ListenAddr:           ":9898",
		PageCacheSizeMB:      128,
		EvictionPeriodSec:    60,
		EvictionThresholdSec: 3600,
		WalRedoIdleSec:       300,
	}
}

// WriteYAML serializes cfg as YAML to path, creating or truncating it.
func WriteYAML(path string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Load reads a YAML file into cfg (a pointer to Safekeeper or Pageserver) and
// then applies any "key=value" overrides naming a top-level YAML key (e.g.
// "eviction_period_sec=30"), mirroring repeated `-c` flags.
func Load(path string, cfg interface{}, overrides []string) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	for _, o := range overrides {
		if err := applyOverride(cfg, o); err != nil {
			return err
		}
	}
	return nil
}

// applyOverride re-marshals cfg to a generic map, sets one top-level key
// (a dot in the key is not treated as a path separator), and unmarshals
// back. This is simple rather than fast; config loading happens
// once at startup.
func applyOverride(cfg interface{}, override string) error {
	parts := strings.SplitN(override, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("config: invalid override %q, expected key=value", override)
	}
	key, raw := parts[0], parts[1]

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling for override: %w", err)
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("config: unmarshaling for override: %w", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	m[key] = coerce(raw)

	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("config: remarshaling override: %w", err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return fmt.Errorf("config: applying override %q: %w", override, err)
	}
	return nil
}

func coerce(raw string) interface{} {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return raw
}

// AuthTokenEnvVar is the environment variable supplying the credential used
// when one strata daemon calls another, the equivalent of NEON_AUTH_TOKEN.
const AuthTokenEnvVar = "STRATA_AUTH_TOKEN"

func AuthToken() string {
	return os.Getenv(AuthTokenEnvVar)
}
