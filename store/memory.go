package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// memoryDoc 持有序列化后的文档和写入序号（Query 按写入顺序返回）
type memoryDoc struct {
	data []byte
	seq  uint64
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Documents are kept serialized, so
// readers never observe a caller's later mutation of a stored value.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*memoryDoc
	seq         uint64
	closed      bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*memoryDoc),
	}
}

// Create implements Store.Create
func (s *MemoryStore) Create(ctx context.Context, collection, id string, doc any) error {
	if collection == "" || id == "" || doc == nil {
		return ErrInvalidInput
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]*memoryDoc)
		s.collections[collection] = coll
	}

	if _, exists := coll[id]; exists {
		return ErrAlreadyExists
	}

	s.seq++
	coll[id] = &memoryDoc{data: data, seq: s.seq}
	return nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(ctx context.Context, collection, id string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	doc, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(doc.data, out)
}

// Update implements Store.Update
func (s *MemoryStore) Update(ctx context.Context, collection, id string, doc any) error {
	if doc == nil {
		return ErrInvalidInput
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	existing, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	existing.data = data
	return nil
}

// AppendToList implements Store.AppendToList
func (s *MemoryStore) AppendToList(ctx context.Context, collection, id, field string, item any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	existing, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}

	updated, err := appendToListField(existing.data, field, item)
	if err != nil {
		return err
	}
	existing.data = updated
	return nil
}

// Query implements Store.Query
func (s *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var matched []*memoryDoc
	for _, doc := range s.collections[collection] {
		if matchesFilter(doc.data, filter) {
			matched = append(matched, doc)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]json.RawMessage, len(matched))
	for i, doc := range matched {
		out[i] = json.RawMessage(append([]byte(nil), doc.data...))
	}
	return out, nil
}

// Ping implements Store.Ping
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
