package docstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and local development.
// Transactions buffer writes and apply them atomically under one lock;
// reads within a transaction observe its own buffered writes.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

// RunTransaction implements Store.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTxn{store: s, writes: make(map[string]*write), order: nil}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range tx.order {
		w := tx.writes[path]
		if w.delete {
			delete(s.docs, path)
		} else {
			s.docs[path] = copyDoc(w.data)
		}
	}
	return nil
}

// Get reads a document outside any transaction. Returns nil when absent.
func (s *MemoryStore) Get(path string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil
	}
	return copyDoc(doc)
}

// Len reports the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

type write struct {
	data   map[string]any
	delete bool
}

type memoryTxn struct {
	store  *MemoryStore
	writes map[string]*write
	order  []string
}

func (t *memoryTxn) Get(ctx context.Context, path string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if w, ok := t.writes[path]; ok {
		if w.delete {
			return nil, nil
		}
		return copyDoc(w.data), nil
	}
	return t.store.Get(path), nil
}

func (t *memoryTxn) Set(path string, data map[string]any) error {
	if err := validatePath(path); err != nil {
		return err
	}
	t.record(path, &write{data: copyDoc(data)})
	return nil
}

func (t *memoryTxn) Delete(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	t.record(path, &write{delete: true})
	return nil
}

func (t *memoryTxn) record(path string, w *write) {
	if _, ok := t.writes[path]; !ok {
		t.order = append(t.order, path)
	}
	t.writes[path] = w
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("docstore: empty path")
	}
	segs := strings.Split(path, "/")
	if len(segs)%2 != 0 {
		return fmt.Errorf("docstore: path %q does not address a document", path)
	}
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("docstore: path %q has an empty segment", path)
		}
	}
	return nil
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyDoc(nested)
			continue
		}
		out[k] = v
	}
	return out
}
