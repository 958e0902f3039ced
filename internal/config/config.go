// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the sensor's configuration exactly once at
// startup. It is deliberately thin: a YAML file decoded with
// gopkg.in/yaml.v3 plus NETINSIGHT_*-prefixed environment overrides.
// CLI flags, .env handling and Docker/systemd glue remain the external
// adapter's job; this package only produces the immutable Config value
// every core component is constructed from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables the sensor reads at startup.
type Config struct {
	Interface   string `yaml:"interface"`
	BPFFilter   string `yaml:"bpf_filter"`
	SamplingRate float64 `yaml:"sampling_rate"`

	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`

	MaxActiveFlows        int `yaml:"max_active_flows"`
	MaxDNSCacheEntries     int `yaml:"max_dns_cache_entries"`
	MaxRTTTrackerEntries   int `yaml:"max_rtt_tracker_entries"`
	MaxRetransTrackerEntries int `yaml:"max_retransmission_tracker_entries"`
	PacketQueueDepth       int `yaml:"packet_queue_depth"`
	SubscriberQueueDepth   int `yaml:"subscriber_queue_depth"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`

	DataRetentionDays   int           `yaml:"data_retention_days"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	ShutdownDeadline    time.Duration `yaml:"shutdown_deadline"`

	EnableDNSTracking bool `yaml:"enable_dns_tracking"`
	EnableReverseDNS  bool `yaml:"enable_reverse_dns"`
	EnableDPI         bool `yaml:"enable_dpi"`
	EnableFingerprint bool `yaml:"enable_fingerprint"`
	EnableSNI         bool `yaml:"enable_sni"`
	EnableALPN        bool `yaml:"enable_alpn"`

	ReverseDNSTimeout time.Duration `yaml:"reverse_dns_timeout"`
	ReverseDNSRetries int           `yaml:"reverse_dns_retries"`

	GeoDatabasePath    string `yaml:"geo_database_path"`
	GeoASNDatabasePath string `yaml:"geo_asn_database_path"`
	StorePath          string `yaml:"store_path"`

	StoreRetryAttempts uint          `yaml:"store_retry_attempts"`
	StoreRetryDelay    time.Duration `yaml:"store_retry_delay"`

	HighRiskCountries   []string `yaml:"high_risk_countries"`
	SuspiciousTLDs      []string `yaml:"suspicious_tlds"`

	LogLevel       string `yaml:"log_level"`
	StructuredLogs bool   `yaml:"structured_logs"`
}

// Default returns the sensor's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Interface:    "eth0",
		BPFFilter:    "ip or ip6",
		SamplingRate: 1.0,

		BatchSize:     50,
		BatchInterval: 5 * time.Second,

		MaxActiveFlows:           10_000,
		MaxDNSCacheEntries:       1_000,
		MaxRTTTrackerEntries:     5_000,
		MaxRetransTrackerEntries: 10_000,
		PacketQueueDepth:         2_048,
		SubscriberQueueDepth:     256,

		IdleTimeout: 60 * time.Second,

		DataRetentionDays: 30,
		CleanupInterval:   time.Hour,
		ShutdownDeadline:  10 * time.Second,

		EnableDNSTracking: true,
		EnableReverseDNS:  true,
		EnableDPI:         true,
		EnableFingerprint: true,
		EnableSNI:         true,
		EnableALPN:        true,

		ReverseDNSTimeout: 2 * time.Second,
		ReverseDNSRetries: 1,

		GeoDatabasePath:    "/var/lib/netinsight/GeoLite2-City.mmdb",
		GeoASNDatabasePath: "/var/lib/netinsight/GeoLite2-ASN.mmdb",
		StorePath:          "/var/lib/netinsight/netinsight.db",

		StoreRetryAttempts: 5,
		StoreRetryDelay:    200 * time.Millisecond,

		HighRiskCountries: nil,
		SuspiciousTLDs:    []string{"tk", "ml", "ga", "cf", "gq"},

		LogLevel:       "info",
		StructuredLogs: true,
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// NETINSIGHT_*-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	const prefix = "NETINSIGHT_"
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		switch name {
		case "interface":
			cfg.Interface = val
		case "bpf_filter":
			cfg.BPFFilter = val
		case "sampling_rate":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.SamplingRate = f
			}
		case "max_active_flows":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.MaxActiveFlows = n
			}
		case "geo_database_path":
			cfg.GeoDatabasePath = val
		case "geo_asn_database_path":
			cfg.GeoASNDatabasePath = val
		case "store_path":
			cfg.StorePath = val
		case "log_level":
			cfg.LogLevel = val
		}
	}
}

// Validate rejects configurations that would violate a core invariant.
func (c *Config) Validate() error {
	if c.SamplingRate <= 0 || c.SamplingRate > 1.0 {
		return fmt.Errorf("config: sampling_rate must be in (0,1], got %f", c.SamplingRate)
	}
	if c.MaxActiveFlows <= 0 {
		return fmt.Errorf("config: max_active_flows must be positive")
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	return nil
}
