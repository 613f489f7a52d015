package state

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mtx    sync.RWMutex
	values map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]float64)}
}

func (s *MemoryStore) Set(name string, value float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.values[name] = value
}

func (s *MemoryStore) Delete(name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.values, name)
}

func (s *MemoryStore) GetConfigs(_ context.Context, keys []ConfigKey) []*float64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*float64, len(keys))
	for i, k := range keys {
		if v, ok := s.values[k.Name]; ok {
			v := v
			out[i] = &v
		} else {
			out[i] = k.Default
		}
	}
	return out
}
