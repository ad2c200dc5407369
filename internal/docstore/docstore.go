// Package docstore defines the document-store contract the document state
// layer runs against, plus an embeddable in-memory implementation. The real
// client is an external collaborator; adapters wrap it behind Store.
package docstore

import (
	"context"
	"errors"
)

// ErrTransient marks a store failure worth retrying. Adapters wrap their
// client's unavailable/aborted codes with it so the runner can classify.
var ErrTransient = errors.New("transient document store error")

// Store opens document transactions.
type Store interface {
	// RunTransaction executes fn inside one store transaction. Writes issued
	// through the transaction commit atomically when fn returns nil and roll
	// back otherwise.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error
}

// Txn is one open document transaction. Paths follow the slash-separated
// collection/document convention with an even number of segments.
type Txn interface {
	// Get returns the document at path, or nil when it does not exist.
	Get(ctx context.Context, path string) (map[string]any, error)
	// Set buffers a full overwrite of the document at path.
	Set(path string, data map[string]any) error
	// Delete buffers a delete. Deleting an absent document is a no-op.
	Delete(path string) error
}
