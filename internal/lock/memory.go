package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker. TTLs are ignored; a holder keeps the key
// until it unlocks.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *Memory) Lock(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		return release(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) TryLock(_ context.Context, key string, _ time.Duration) (Unlock, bool, error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		return release(ch), true, nil
	default:
		return nil, false, nil
	}
}

func release(ch chan struct{}) Unlock {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}
}
