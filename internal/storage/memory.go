package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cluster-load-driver/cld/internal/workload"
)

// MemoryStore is an in-process Store used by tests and memory:// smoke runs.
// It implements the full contract including the upsert-increment update, and
// lets tests inject failures per operation.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*workload.Document
	errs map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*workload.Document),
		errs: make(map[string]error),
	}
}

// FailWith forces subsequent calls of the named operation ("find", "insert",
// "insert_batch", "update", "count", "ping") to return err. A nil err clears
// the hook.
func (m *MemoryStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

func (m *MemoryStore) hookErr(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errs[op]
}

// FindOne reports whether a document with the given key exists.
func (m *MemoryStore) FindOne(ctx context.Context, key workload.DocumentKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.hookErr("find"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[key.ID]
	return ok, nil
}

// InsertOne stores a copy of the document keyed by its id.
func (m *MemoryStore) InsertOne(ctx context.Context, doc *workload.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.hookErr("insert"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *doc
	m.docs[doc.Key.ID] = &stored
	return nil
}

// InsertBatch stores every document in the batch.
func (m *MemoryStore) InsertBatch(ctx context.Context, docs []*workload.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.hookErr("insert_batch"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		stored := *doc
		m.docs[doc.Key.ID] = &stored
	}
	return nil
}

// UpdateOne increments the document's counter and refreshes its timestamp,
// creating a minimal document when the key is absent.
func (m *MemoryStore) UpdateOne(ctx context.Context, key workload.DocumentKey, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.hookErr("update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[key.ID]; ok {
		doc.N++
		doc.TS = ts
		return nil
	}
	m.docs[key.ID] = &workload.Document{Key: key, TS: ts, N: 1}
	return nil
}

// Count returns the number of stored documents.
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.hookErr("count"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs)), nil
}

// Ping succeeds unless a failure hook is set.
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.hookErr("ping")
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// Get returns the stored document for an id, for test assertions.
func (m *MemoryStore) Get(id string) (*workload.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, false
	}
	copied := *doc
	return &copied, true
}
