package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps values in process and notifies listeners synchronously
// from Set.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	listeners
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	before := make(map[string]json.RawMessage, len(encoded))
	for k := range encoded {
		if v, ok := s.values[k]; ok {
			before[k] = v
		}
	}
	for k, v := range encoded {
		s.values[k] = v
	}
	s.mu.Unlock()

	s.notify(diff(before, encoded))
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	changes := Changes{}
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			changes[k] = Change{OldValue: v}
			delete(s.values, k)
		}
	}
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

func (s *MemoryStore) OnChange(fn Listener) func() {
	return s.add(fn)
}
