package persist

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps values in process. It is the test double for the
// durable backends and honors the same quota contract.
type MemoryBackend struct {
	mu       sync.Mutex
	values   map[string][]byte
	maxBytes int64
	closed   bool
}

func NewMemoryBackend(maxBytes int64) *MemoryBackend {
	return &MemoryBackend{values: map[string][]byte{}, maxBytes: maxBytes}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, ErrBackendClosed
	}
	value, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.maxBytes > 0 {
		total := int64(len(key) + len(value))
		for k, v := range b.values {
			if k != key {
				total += int64(len(k) + len(v))
			}
		}
		if total > b.maxBytes {
			return ErrQuotaExceeded
		}
	}
	b.values[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	keys := make([]string, 0, len(b.values))
	for key := range b.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
