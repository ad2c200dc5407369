package outbox

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv error: %v", err)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.PollingInterval != time.Second {
		t.Errorf("PollingInterval = %v, want 1s", cfg.PollingInterval)
	}
	if cfg.LeaseDuration != time.Minute {
		t.Errorf("LeaseDuration = %v, want 1m", cfg.LeaseDuration)
	}
	if cfg.Sharding != nil {
		t.Errorf("Sharding = %+v, want nil", cfg.Sharding)
	}
	if cfg.Table.Table != "outbox_event" || cfg.Table.LeaseColumn != "lease_expiration" {
		t.Errorf("Table = %+v", cfg.Table)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvBatchSize, "200")
	t.Setenv(EnvPollingInterval, "250")
	t.Setenv(EnvLeaseDuration, "90000")
	t.Setenv(EnvIDColumn, "event_id")
	t.Setenv(EnvLeaseColumn, "leased_until")
	t.Setenv(EnvIndex, "outbox_by_shard")
	t.Setenv(EnvShardingCount, "8")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv error: %v", err)
	}
	if cfg.BatchSize != 200 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.PollingInterval != 250*time.Millisecond {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
	if cfg.LeaseDuration != 90*time.Second {
		t.Errorf("LeaseDuration = %v", cfg.LeaseDuration)
	}
	if cfg.Table.IDColumn != "event_id" || cfg.Table.LeaseColumn != "leased_until" {
		t.Errorf("Table = %+v", cfg.Table)
	}
	if cfg.Index != "outbox_by_shard" {
		t.Errorf("Index = %q", cfg.Index)
	}
	if cfg.Sharding == nil || cfg.Sharding.Count != 8 || cfg.Sharding.Column != "shard" || !cfg.Sharding.RoundRobin {
		t.Errorf("Sharding = %+v", cfg.Sharding)
	}
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric batch size", EnvBatchSize, "many"},
		{"zero batch size", EnvBatchSize, "0"},
		{"negative polling interval", EnvPollingInterval, "-5"},
		{"non-numeric lease duration", EnvLeaseDuration, "1m"},
		{"non-numeric sharding count", EnvShardingCount, "four"},
		{"zero sharding count", EnvShardingCount, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := ConfigFromEnv(); err == nil {
				t.Errorf("ConfigFromEnv accepted %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestConfigFromEnvShardColumnNeedsCount(t *testing.T) {
	t.Setenv(EnvShardingColumn, "bucket")
	if _, err := ConfigFromEnv(); err == nil {
		t.Error("ConfigFromEnv accepted a sharding column without a count")
	}
}

func TestWithDefaultsFillsConcurrency(t *testing.T) {
	cfg := SenderConfig{BatchSize: 10}.withDefaults()
	if cfg.MaxPublishConcurrency != 10 {
		t.Errorf("MaxPublishConcurrency = %d, want BatchSize", cfg.MaxPublishConcurrency)
	}
	if cfg.Table.Table == "" || cfg.PollingInterval == 0 || cfg.LeaseDuration == 0 {
		t.Errorf("withDefaults left zero values: %+v", cfg)
	}
}
