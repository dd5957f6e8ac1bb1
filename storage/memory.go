package storage

import (
	"context"
	"sync"
)

// memoryStore in-process KeyValueStore
type memoryStore struct {
	lock   sync.RWMutex
	values map[string]string
}

// GetMemoryStore define an in-process KeyValueStore, optionally seeded with values
func GetMemoryStore(seed map[string]string) KeyValueStore {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &memoryStore{values: values}
}

// Get fetch the value of a key
func (s *memoryStore) Get(ctxt context.Context, key string) (string, error) {
	if err := ctxt.Err(); err != nil {
		return "", err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set record a value for a key
func (s *memoryStore) Set(ctxt context.Context, key string, value string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[key] = value
	return nil
}

// Delete remove a key
func (s *memoryStore) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.values, key)
	return nil
}

// Close no-op
func (s *memoryStore) Close() error {
	return nil
}
