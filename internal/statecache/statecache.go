// Package statecache holds the last observed value per (device, capability)
// so state-style triggers fire only on change.
package statecache

import (
	"context"
	"strconv"
	"sync"
)

// Kind tags the type held by a Value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindString
)

// Value is a cached observation. Values are comparable with ==.
type Value struct {
	Kind Kind
	Bool bool
	Str  string
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	default:
		return ""
	}
}

// Key builds the cache key for a device capability.
func Key(deviceID, capability string) string {
	return deviceID + ":" + capability
}

// StateStore is the dedup cache. Swap must be atomic per key: it stores v
// and returns whatever was there before.
type StateStore interface {
	Swap(ctx context.Context, key string, v Value) (prev Value, found bool, err error)
	Get(ctx context.Context, key string) (Value, bool, error)
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]Value
}

// NewMemoryStore creates an empty in-process cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]Value)}
}

func (m *MemoryStore) Swap(_ context.Context, key string, v Value) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, found := m.values[key]
	m.values[key] = v
	return prev, found, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Len returns the number of cached keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
