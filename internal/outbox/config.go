// Package outbox persists staged events next to state mutations and drains
// them to the broker with a leased background sender.
package outbox

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment keys consumed by ConfigFromEnv. All optional.
const (
	EnvBatchSize        = "OUTBOX_BATCH_SIZE"
	EnvPollingInterval  = "OUTBOX_POLLING_INTERVAL"
	EnvLeaseDuration    = "OUTBOX_LEASE_DURATION"
	EnvIDColumn         = "OUTBOX_ID_COLUMN"
	EnvLeaseColumn      = "OUTBOX_LEASE_EXPIRATION_COLUMN"
	EnvIndex            = "OUTBOX_INDEX"
	EnvShardingColumn   = "OUTBOX_SHARDING_COLUMN"
	EnvShardingCount    = "OUTBOX_SHARDING_COUNT"
)

// TableConfig names the outbox table and its columns. Every name the sender
// touches is overridable; defaults match schema/outbox.sql.
type TableConfig struct {
	Table             string
	IDColumn          string
	TopicColumn       string
	DataColumn        string
	AttributesColumn  string
	OrderingKeyColumn string
	LeaseColumn       string
	PublishedAtColumn string
}

// DefaultTableConfig returns the column names from the reference schema.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Table:             "outbox_event",
		IDColumn:          "id",
		TopicColumn:       "topic",
		DataColumn:        "data",
		AttributesColumn:  "attributes",
		OrderingKeyColumn: "ordering_key",
		LeaseColumn:       "lease_expiration",
		PublishedAtColumn: "published_at",
	}
}

// Sharding configures the shard column the sender scans. Count is the
// modulus of the generated column; RoundRobin cycles a random permutation of
// [0, Count) so concurrent senders spread over disjoint shards.
type Sharding struct {
	Column     string
	Count      int
	RoundRobin bool
}

// SenderConfig parameterizes the sender loop.
type SenderConfig struct {
	Table           TableConfig
	BatchSize       int
	PollingInterval time.Duration
	LeaseDuration   time.Duration
	// MaxPublishConcurrency bounds parallel publishes; defaults to BatchSize.
	MaxPublishConcurrency int
	Sharding              *Sharding
	// Index is the scan index name. Postgres chooses indexes itself; the
	// knob is kept for operational parity and logged at startup.
	Index string
	// MarkPublished switches reconciliation from deleting published rows to
	// stamping published_at and pushing the lease a year out, for stores
	// whose row-deletion policy handles removal.
	MarkPublished bool
}

// DefaultSenderConfig returns the documented defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Table:           DefaultTableConfig(),
		BatchSize:       50,
		PollingInterval: time.Second,
		LeaseDuration:   time.Minute,
	}
}

// ConfigFromEnv overlays the OUTBOX_* environment surface onto the defaults.
// Interval and duration values are integer milliseconds.
func ConfigFromEnv() (SenderConfig, error) {
	cfg := DefaultSenderConfig()

	if v := os.Getenv(EnvBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("%s: %q is not a positive integer", EnvBatchSize, v)
		}
		cfg.BatchSize = n
	}
	if d, err := envMillis(EnvPollingInterval); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.PollingInterval = d
	}
	if d, err := envMillis(EnvLeaseDuration); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.LeaseDuration = d
	}
	if v := os.Getenv(EnvIDColumn); v != "" {
		cfg.Table.IDColumn = v
	}
	if v := os.Getenv(EnvLeaseColumn); v != "" {
		cfg.Table.LeaseColumn = v
	}
	if v := os.Getenv(EnvIndex); v != "" {
		cfg.Index = v
	}
	column := os.Getenv(EnvShardingColumn)
	count := os.Getenv(EnvShardingCount)
	if count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("%s: %q is not a positive integer", EnvShardingCount, count)
		}
		if column == "" {
			column = "shard"
		}
		cfg.Sharding = &Sharding{Column: column, Count: n, RoundRobin: true}
	} else if column != "" {
		return cfg, fmt.Errorf("%s is set without %s", EnvShardingColumn, EnvShardingCount)
	}

	return cfg, nil
}

func envMillis(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s: %q is not a positive integer of milliseconds", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.Table.Table == "" {
		c.Table = DefaultTableConfig()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.MaxPublishConcurrency <= 0 {
		c.MaxPublishConcurrency = c.BatchSize
	}
	return c
}
