// Package kvstore persists execution records (run locks, last results,
// counters, fallback tracker entries) behind a small key-value interface.
package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrEmptyKey is returned for operations on "".
var ErrEmptyKey = errors.New("kvstore: empty key")

// Store is a string key-value store with a single atomic primitive.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces old with new atomically. old == "" requires
	// the key to be absent; new == "" deletes the key.
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)
	// List returns keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key, old, new string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return casMap(m.data, key, old, new), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listMap(m.data, prefix), nil
}

func (m *Memory) Close() error { return nil }

// casMap applies compare-and-swap semantics to a plain map. Callers hold
// whatever lock guards the map.
func casMap(data map[string]string, key, old, new string) bool {
	cur, ok := data[key]
	if old == "" {
		if ok {
			return false
		}
	} else if !ok || cur != old {
		return false
	}
	if new == "" {
		delete(data, key)
	} else {
		data[key] = new
	}
	return true
}

func listMap(data map[string]string, prefix string) []string {
	keys := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
