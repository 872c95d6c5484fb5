package mocks

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/researchflow/store"
)

// ErrScriptedStore is the failure FailingStore injects.
var ErrScriptedStore = errors.New("scripted store failure")

// FailingStore wraps a real Store and injects failures per operation.
// Operations without an armed flag pass through.
type FailingStore struct {
	Inner store.Store

	FailCreate bool
	FailGet    bool
	FailUpdate bool
	FailAppend bool
	FailQuery  bool
}

// NewFailingStore wraps a fresh in-memory store.
func NewFailingStore() *FailingStore {
	return &FailingStore{Inner: store.NewMemoryStore()}
}

func (s *FailingStore) Create(ctx context.Context, collection, id string, doc any) error {
	if s.FailCreate {
		return ErrScriptedStore
	}
	return s.Inner.Create(ctx, collection, id, doc)
}

func (s *FailingStore) Get(ctx context.Context, collection, id string, out any) error {
	if s.FailGet {
		return ErrScriptedStore
	}
	return s.Inner.Get(ctx, collection, id, out)
}

func (s *FailingStore) Update(ctx context.Context, collection, id string, doc any) error {
	if s.FailUpdate {
		return ErrScriptedStore
	}
	return s.Inner.Update(ctx, collection, id, doc)
}

func (s *FailingStore) AppendToList(ctx context.Context, collection, id, field string, item any) error {
	if s.FailAppend {
		return ErrScriptedStore
	}
	return s.Inner.AppendToList(ctx, collection, id, field, item)
}

func (s *FailingStore) Query(ctx context.Context, collection string, filter store.Filter) ([]json.RawMessage, error) {
	if s.FailQuery {
		return nil, ErrScriptedStore
	}
	return s.Inner.Query(ctx, collection, filter)
}

func (s *FailingStore) Ping(ctx context.Context) error { return s.Inner.Ping(ctx) }

func (s *FailingStore) Close() error { return s.Inner.Close() }
