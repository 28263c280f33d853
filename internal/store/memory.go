package store

import (
	"context"
	"path"
	"sort"
	"sync"
)

// Memory is an in-process Store. It keeps nothing across restarts and is meant
// for tests and local dry runs.
type Memory struct {
	mu    sync.Mutex
	kv    map[string][]byte
	lists map[string][][]byte
	saves int

	// Fail, when set, is consulted before every operation; a non-nil result
	// is returned as a store error.
	Fail func(op, key string) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{kv: make(map[string][]byte), lists: make(map[string][][]byte)}
}

func (m *Memory) check(op, key string) error {
	if m.Fail == nil {
		return nil
	}
	return Error.Wrap(m.Fail(op, key))
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get", key); err != nil {
		return nil, err
	}
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound.New("%q", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set", key); err != nil {
		return err
	}
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a plain key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
}

func (m *Memory) RPush(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("rpush", key); err != nil {
		return err
	}
	m.lists[key] = append(m.lists[key], append([]byte(nil), value...))
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("lrange", key); err != nil {
		return nil, err
	}
	out := make([][]byte, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *Memory) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	m.mu.Lock()
	if err := m.check("scan", pattern); err != nil {
		m.mu.Unlock()
		return err
	}
	var keys []string
	for k := range m.kv {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save", ""); err != nil {
		return err
	}
	m.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping", "")
}

func (m *Memory) Close() error { return nil }
