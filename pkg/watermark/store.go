package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists watermarks cluster-wide.
type Store interface {
	// Load returns nil without error when key has never been saved.
	Load(ctx context.Context, key string) (*Watermark, error)
	// Save replaces the value at key if it is still at w.Version, then sets
	// w.Version to the new revision. A stale w fails with ErrVersionConflict.
	Save(ctx context.Context, key string, w *Watermark) error
}

type storedValue struct {
	data    []byte
	version int64
}

// MemoryStore keeps watermarks in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]storedValue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]storedValue)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	return decode(v.data, v.version)
}

func (s *MemoryStore) Save(ctx context.Context, key string, w *Watermark) error {
	data, err := encode(w)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.values[key].version != w.Version {
		return fmt.Errorf("save %s at version %d: %w", key, w.Version, ErrVersionConflict)
	}
	next := w.Version + 1
	s.values[key] = storedValue{data: data, version: next}
	w.Version = next
	return nil
}

func encode(w *Watermark) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal watermark: %w", err)
	}
	return data, nil
}

func decode(data []byte, version int64) (*Watermark, error) {
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal watermark: %w", err)
	}
	w.Version = version
	return &w, nil
}
