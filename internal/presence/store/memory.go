package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/campustrack/internal/presence"
)

// MemoryStore is an in-process document store suitable for tests, local
// demos and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]map[string]any
	watchers map[*memoryStream]struct{}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]any),
		watchers: make(map[*memoryStream]struct{}),
	}
}

// Merge upserts fields into the document and notifies watchers.
func (m *MemoryStore) Merge(_ context.Context, id string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		doc = make(map[string]any, len(data))
		m.docs[id] = doc
	}
	for k, v := range data {
		doc[k] = v
	}
	for w := range m.watchers {
		w.notify()
	}
	return nil
}

// Get returns a copy of the document.
func (m *MemoryStore) Get(_ context.Context, id string) (presence.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return presence.Document{}, false, nil
	}
	return presence.Document{ID: id, Data: copyData(doc)}, true, nil
}

// All returns every document ordered by id.
func (m *MemoryStore) All(_ context.Context) ([]presence.Document, error) {
	return m.collect(func(map[string]any) bool { return true }), nil
}

// QueryActive returns documents flagged active, ordered by id.
func (m *MemoryStore) QueryActive(_ context.Context) ([]presence.Document, error) {
	return m.collect(func(doc map[string]any) bool {
		active, _ := doc[presence.FieldIsActive].(bool)
		return active
	}), nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Watch registers a change stream that closes with ctx or Close.
func (m *MemoryStore) Watch(ctx context.Context) (presence.ChangeStream, error) {
	w := &memoryStream{
		store:   m,
		changes: make(chan struct{}, 1),
		errs:    make(chan error),
		closed:  make(chan struct{}),
	}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-w.closed:
		}
	}()
	return w, nil
}

func (m *MemoryStore) collect(keep func(map[string]any) bool) []presence.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]presence.Document, 0, len(m.docs))
	for id, doc := range m.docs {
		if keep(doc) {
			docs = append(docs, presence.Document{ID: id, Data: copyData(doc)})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func copyData(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type memoryStream struct {
	store   *MemoryStore
	changes chan struct{}
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

// notify is called with the store lock held.
func (w *memoryStream) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *memoryStream) Changes() <-chan struct{} { return w.changes }

func (w *memoryStream) Errors() <-chan error { return w.errs }

func (w *memoryStream) Close() error {
	w.once.Do(func() {
		w.store.mu.Lock()
		delete(w.store.watchers, w)
		close(w.changes)
		w.store.mu.Unlock()
		close(w.closed)
	})
	return nil
}
