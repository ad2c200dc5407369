// Package runner binds a state transaction, a staged-event log, and the
// outbox writer into one managed read-write (or read-only) transaction.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/erauner12/outbox/internal/outbox"
	"github.com/erauner12/outbox/internal/sqlstate"
	"github.com/erauner12/outbox/internal/staged"
	"github.com/erauner12/outbox/internal/txerr"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pool opens store transactions. pgxpool.Pool satisfies it.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Waker is the sender's post-commit nudge.
type Waker interface {
	Wake()
}

// Config bounds the old-timestamp retry policy and names the outbox table.
type Config struct {
	// MaxRetryDelay is the ceiling on a suggested retry delay. A suggestion
	// above the ceiling is not retried; the error surfaces.
	MaxRetryDelay time.Duration
	// MaxOldTimestampRetries caps how many times a run is restarted.
	MaxOldTimestampRetries int
	Outbox                 outbox.TableConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryDelay:          time.Second,
		MaxOldTimestampRetries: 5,
		Outbox:                 outbox.DefaultTableConfig(),
	}
}

// Options parameterize one Run invocation.
type Options struct {
	// Tag labels the transaction in logs.
	Tag string
	// ReadOnly runs the function against a repeatable-read snapshot. Staging
	// fails with InvalidOperation.
	ReadOnly bool
	// Tx reuses an open managed transaction (nested call). The outer Run
	// owns staging, commit, and retry.
	Txn *Txn
}

// Txn is the composite handed to the managed function: typed row operations
// plus event staging against the same store transaction.
type Txn struct {
	*sqlstate.Txn

	tx     pgx.Tx
	events *staged.Log
}

// Stage appends an event to the transaction's staged-event log. The event is
// persisted to the outbox atomically with the transaction's state writes. On
// a read-only transaction it fails with InvalidOperation.
func (t *Txn) Stage(topic string, payload any, opts staged.Options) (staged.Event, error) {
	if t.events == nil {
		return staged.Event{}, &txerr.InvalidOperationError{Message: "stage event on read-only transaction"}
	}
	return t.events.Stage(topic, payload, opts)
}

// StagedEvents returns the events staged so far in this attempt.
func (t *Txn) StagedEvents() []staged.Event {
	if t.events == nil {
		return nil
	}
	return t.events.Events()
}

// Runner opens managed transactions over a pool. A zero waker is allowed;
// commits then rely on the sender's polling tick alone.
type Runner struct {
	db    Pool
	waker Waker
	cfg   Config
	log   zerolog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a runner. waker may be nil.
func New(db Pool, waker Waker, cfg Config) *Runner {
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Second
	}
	if cfg.MaxOldTimestampRetries <= 0 {
		cfg.MaxOldTimestampRetries = 5
	}
	if cfg.Outbox.Table == "" {
		cfg.Outbox = outbox.DefaultTableConfig()
	}
	return &Runner{
		db:    db,
		waker: waker,
		cfg:   cfg,
		log:   log.With().Str("component", "txn-runner").Logger(),
		sleep: sleepCtx,
	}
}

// Run executes fn inside a managed transaction. On success the staged events
// are written to the outbox in the same transaction, the transaction commits,
// and the sender is woken. An OldTimestampError from fn rolls back, sleeps
// the suggested delay, and restarts fn with a fresh staged-event log.
func (r *Runner) Run(ctx context.Context, opts Options, fn func(ctx context.Context, txn *Txn) error) error {
	if opts.Txn != nil {
		// Nested call: the outer Run owns commit, staging, and retry.
		if err := fn(ctx, opts.Txn); err != nil {
			return txerr.Translate(err)
		}
		return nil
	}
	if opts.ReadOnly {
		return r.runReadOnly(ctx, opts, fn)
	}

	for attempt := 0; ; attempt++ {
		err := r.attempt(ctx, opts, fn)
		if err == nil {
			return nil
		}

		var old *txerr.OldTimestampError
		if !errors.As(err, &old) {
			return txerr.Translate(err)
		}
		if old.RetryAfter > r.cfg.MaxRetryDelay {
			return err
		}
		if attempt+1 >= r.cfg.MaxOldTimestampRetries {
			return err
		}
		r.log.Debug().
			Str("tag", opts.Tag).
			Int("attempt", attempt+1).
			Dur("retry_after", old.RetryAfter).
			Msg("stale snapshot, retrying")
		if serr := r.sleep(ctx, old.RetryAfter); serr != nil {
			return txerr.Translate(serr)
		}
	}
}

func (r *Runner) attempt(ctx context.Context, opts Options, fn func(ctx context.Context, txn *Txn) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return txerr.Translate(err)
	}
	defer tx.Rollback(ctx)

	txn := &Txn{Txn: sqlstate.New(tx), tx: tx, events: staged.NewLog()}
	if err := fn(ctx, txn); err != nil {
		return err
	}

	if err := outbox.WriteStaged(ctx, tx, r.cfg.Outbox, txn.events.Events()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return txerr.Translate(err)
	}

	if r.waker != nil && txn.events.Len() > 0 {
		r.waker.Wake()
	}
	return nil
}

func (r *Runner) runReadOnly(ctx context.Context, opts Options, fn func(ctx context.Context, txn *Txn) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return txerr.Translate(err)
	}
	defer tx.Rollback(ctx)

	txn := &Txn{Txn: sqlstate.NewReadOnly(tx), tx: tx}
	if err := fn(ctx, txn); err != nil {
		return txerr.Translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return txerr.Translate(err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
