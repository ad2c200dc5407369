package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erauner12/outbox/internal/publisher"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pool is the slice of pgxpool.Pool the sender needs: plain statements for
// fetch and lease, a transaction for reconciliation.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Sender drains the outbox table: fetch candidates, lease them, publish in
// parallel, reconcile. Multiple sender processes coordinate purely through
// the lease column.
type Sender struct {
	db  Pool
	pub publisher.Publisher
	cfg SenderConfig
	log zerolog.Logger

	wakeCh   chan struct{}
	shardSeq []int
	shardPos int

	fetched   atomic.Int64
	leased    atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

// NewSender creates a sender. The round-robin shard permutation is drawn
// once here and cycled for the sender's lifetime.
func NewSender(db Pool, pub publisher.Publisher, cfg SenderConfig) *Sender {
	cfg = cfg.withDefaults()
	s := &Sender{
		db:     db,
		pub:    pub,
		cfg:    cfg,
		log:    log.With().Str("component", "outbox-sender").Logger(),
		wakeCh: make(chan struct{}, 1),
	}
	if sh := cfg.Sharding; sh != nil && sh.RoundRobin && sh.Count > 1 {
		s.shardSeq = rand.Perm(sh.Count)
	}
	return s
}

// Wake nudges the sender out of its idle sleep. Non-blocking; duplicate
// wakeups coalesce into one.
func (s *Sender) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the sender loop: drain until the table is empty, then idle until
// the polling tick or a wakeup. It returns when ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info().
		Int("batch_size", s.cfg.BatchSize).
		Dur("polling_interval", s.cfg.PollingInterval).
		Dur("lease_duration", s.cfg.LeaseDuration).
		Msg("outbox sender starting")
	if s.cfg.Index != "" {
		// Postgres picks indexes itself; the knob exists for operational
		// parity with stores that take scan hints.
		s.log.Info().Str("index", s.cfg.Index).Msg("outbox scan index configured")
	}

	timer := time.NewTimer(s.cfg.PollingInterval)
	defer timer.Stop()

	for {
		for {
			n, err := s.ProcessOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error().Err(err).Msg("outbox pass failed")
				break
			}
			if n == 0 {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollingInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeCh:
		case <-timer.C:
		}
	}
}

// ProcessOnce runs a single fetch/lease/publish/reconcile pass and returns
// the number of rows it worked on. Zero means the scan came up empty or a
// concurrent sender won the lease.
func (s *Sender) ProcessOnce(ctx context.Context) (int, error) {
	ids, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	s.fetched.Add(int64(len(ids)))

	rows, err := s.lease(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	s.leased.Add(int64(len(rows)))

	outcomes := s.publish(ctx, rows)

	if err := s.reconcile(ctx, rows, outcomes); err != nil {
		// Leases still expire on their own; the rows reappear.
		return 0, err
	}
	return len(rows), nil
}

// Stats is a snapshot of the sender's counters.
type Stats struct {
	Fetched   int64 `json:"fetched"`
	Leased    int64 `json:"leased"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// StatsSnapshot returns the current counters.
func (s *Sender) StatsSnapshot() Stats {
	return Stats{
		Fetched:   s.fetched.Load(),
		Leased:    s.leased.Load(),
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Sender) fetch(ctx context.Context) ([]string, error) {
	t := s.cfg.Table
	var sb strings.Builder
	var args []any

	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE ", t.IDColumn, t.Table)
	if sh := s.cfg.Sharding; sh != nil && sh.Count > 1 {
		if sh.RoundRobin {
			fmt.Fprintf(&sb, "%s = $1 AND ", sh.Column)
			args = append(args, s.nextShard())
		} else {
			fmt.Fprintf(&sb, "%s BETWEEN 0 AND %d AND ", sh.Column, sh.Count-1)
		}
	}
	fmt.Fprintf(&sb, "(%s IS NULL OR %s < now()) LIMIT %d", t.LeaseColumn, t.LeaseColumn, s.cfg.BatchSize)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		id, ok := vals[0].(string)
		if !ok {
			return nil, fmt.Errorf("outbox: id column %s is %T, want string", t.IDColumn, vals[0])
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Sender) nextShard() int {
	shard := s.shardSeq[s.shardPos]
	s.shardPos = (s.shardPos + 1) % len(s.shardSeq)
	return shard
}

type leasedRow struct {
	ID          string
	Topic       string
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// lease claims the candidate set in one statement. The re-applied no-lease
// predicate guards against a concurrent sender; the returned rows are the
// true working set.
func (s *Sender) lease(ctx context.Context, ids []string) ([]leasedRow, error) {
	t := s.cfg.Table
	sql := fmt.Sprintf(
		"UPDATE %s SET %s = now() + $1::interval WHERE %s = ANY($2) AND (%s IS NULL OR %s < now()) RETURNING %s, %s, %s, %s, %s",
		t.Table, t.LeaseColumn, t.IDColumn, t.LeaseColumn, t.LeaseColumn,
		t.IDColumn, t.TopicColumn, t.DataColumn, t.AttributesColumn, t.OrderingKeyColumn,
	)

	rows, err := s.db.Query(ctx, sql, interval(s.cfg.LeaseDuration), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leasedRow
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row, err := scanLeasedRow(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanLeasedRow(vals []any) (leasedRow, error) {
	if len(vals) != 5 {
		return leasedRow{}, fmt.Errorf("outbox: leased row has %d columns, want 5", len(vals))
	}
	row := leasedRow{}
	var ok bool
	if row.ID, ok = vals[0].(string); !ok {
		return leasedRow{}, fmt.Errorf("outbox: id is %T", vals[0])
	}
	if row.Topic, ok = vals[1].(string); !ok {
		return leasedRow{}, fmt.Errorf("outbox: topic is %T", vals[1])
	}
	switch d := vals[2].(type) {
	case []byte:
		row.Data = d
	case string:
		row.Data = []byte(d)
	default:
		return leasedRow{}, fmt.Errorf("outbox: data is %T", vals[2])
	}
	attrs, err := decodeAttributes(vals[3])
	if err != nil {
		return leasedRow{}, err
	}
	row.Attributes = attrs
	if vals[4] != nil {
		if row.OrderingKey, ok = vals[4].(string); !ok {
			return leasedRow{}, fmt.Errorf("outbox: ordering key is %T", vals[4])
		}
	}
	return row, nil
}

func decodeAttributes(v any) (map[string]string, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		var m map[string]string
		if err := json.Unmarshal(a, &m); err != nil {
			return nil, fmt.Errorf("outbox: attributes: %w", err)
		}
		return m, nil
	case string:
		var m map[string]string
		if err := json.Unmarshal([]byte(a), &m); err != nil {
			return nil, fmt.Errorf("outbox: attributes: %w", err)
		}
		return m, nil
	case map[string]any:
		m := make(map[string]string, len(a))
		for k, val := range a {
			sv, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("outbox: attribute %q is %T", k, val)
			}
			m[k] = sv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("outbox: attributes are %T", v)
	}
}

// publish delivers the leased rows in parallel, bounded by
// MaxPublishConcurrency. A failure or panic marks that row failed without
// aborting the batch.
func (s *Sender) publish(ctx context.Context, rows []leasedRow) []error {
	outcomes := make([]error, len(rows))
	sem := make(chan struct{}, s.cfg.MaxPublishConcurrency)
	var wg sync.WaitGroup

	for i, row := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, row leasedRow) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if p := recover(); p != nil {
					outcomes[i] = fmt.Errorf("publisher panic: %v", p)
				}
			}()
			outcomes[i] = s.pub.Publish(ctx, publisher.Message{
				Topic:      row.Topic,
				Key:        row.OrderingKey,
				Data:       row.Data,
				Attributes: row.Attributes,
			})
		}(i, row)
	}
	wg.Wait()
	return outcomes
}

// reconcile partitions the batch by outcome: published rows leave the table
// (or get stamped, with MarkPublished), failed rows drop their lease and
// reappear in the next scan.
func (s *Sender) reconcile(ctx context.Context, rows []leasedRow, outcomes []error) error {
	var succeeded, failed []string
	for i, row := range rows {
		if outcomes[i] == nil {
			succeeded = append(succeeded, row.ID)
			continue
		}
		failed = append(failed, row.ID)
		s.log.Warn().
			Err(outcomes[i]).
			Str("event_id", row.ID).
			Str("topic", row.Topic).
			Msg("publish failed, lease will be cleared")
	}
	s.published.Add(int64(len(succeeded)))
	s.failed.Add(int64(len(failed)))

	t := s.cfg.Table
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if len(succeeded) > 0 {
		if s.cfg.MarkPublished {
			sql := fmt.Sprintf("UPDATE %s SET %s = now(), %s = now() + interval '365 days' WHERE %s = ANY($1)",
				t.Table, t.PublishedAtColumn, t.LeaseColumn, t.IDColumn)
			if _, err := tx.Exec(ctx, sql, succeeded); err != nil {
				return err
			}
		} else {
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", t.Table, t.IDColumn)
			if _, err := tx.Exec(ctx, sql, succeeded); err != nil {
				return err
			}
		}
	}
	if len(failed) > 0 {
		sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ANY($1)", t.Table, t.LeaseColumn, t.IDColumn)
		if _, err := tx.Exec(ctx, sql, failed); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
