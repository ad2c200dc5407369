// Package docrunner binds a document state transaction and a staged-event
// log. The document store has no cheap multi-row atomic primitive to carry an
// outbox, so staged events are published directly after commit, in order,
// best effort.
package docrunner

import (
	"context"
	"errors"

	"github.com/erauner12/outbox/internal/docstate"
	"github.com/erauner12/outbox/internal/docstore"
	"github.com/erauner12/outbox/internal/publisher"
	"github.com/erauner12/outbox/internal/staged"
	"github.com/erauner12/outbox/internal/txerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options parameterize one Run invocation.
type Options struct {
	// Tag labels the transaction in logs.
	Tag string
	// ReadOnly rejects writes and staging with InvalidOperation.
	ReadOnly bool
}

// Txn is the composite handed to the managed function: typed document
// operations plus event staging.
type Txn struct {
	*docstate.Txn

	events *staged.Log
}

// Stage appends an event to the transaction's staged-event log. Events are
// published after the store commit succeeds; delivery is at-least-once with
// no rollback of already-published events.
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

// Runner opens managed document transactions over a store.
type Runner struct {
	store docstore.Store
	pub   publisher.Publisher
	log   zerolog.Logger
}

// New creates a runner.
func New(store docstore.Store, pub publisher.Publisher) *Runner {
	return &Runner{
		store: store,
		pub:   pub,
		log:   log.With().Str("component", "doc-runner").Logger(),
	}
}

// Run executes fn inside a managed document transaction. On commit the
// staged events are published in staging order; a publish failure is logged
// and dropped, the committed state stands.
func (r *Runner) Run(ctx context.Context, opts Options, fn func(ctx context.Context, txn *Txn) error) error {
	var events []staged.Event
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Txn) error {
		// A fresh log per invocation: stores may re-run the function on
		// contention, and stale-attempt events must not publish.
		txn := &Txn{}
		if opts.ReadOnly {
			txn.Txn = docstate.NewReadOnly(tx)
		} else {
			txn.Txn = docstate.New(tx)
			txn.events = staged.NewLog()
		}
		if err := fn(ctx, txn); err != nil {
			return err
		}
		events = txn.StagedEvents()
		return nil
	})
	if err != nil {
		if errors.Is(err, docstore.ErrTransient) {
			return &txerr.TemporaryBackendError{Cause: err}
		}
		return txerr.Translate(err)
	}

	for _, ev := range events {
		msg := publisher.Message{
			Topic:      ev.Topic,
			Key:        ev.OrderingKey,
			Data:       ev.Data,
			Attributes: ev.Attributes,
		}
		if perr := r.pub.Publish(ctx, msg); perr != nil {
			r.log.Error().
				Err(perr).
				Str("tag", opts.Tag).
				Str("event_id", ev.ID.String()).
				Str("topic", ev.Topic).
				Msg("post-commit publish failed, event dropped")
		}
	}
	return nil
}
