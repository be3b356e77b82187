package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileBackend stores every key in one JSON object on disk. Writes go through
// a temp file and rename, and hold an exclusive lock on a sibling .lock file
// so several processes can share one cache file.
type FileBackend struct {
	Path     string
	MaxBytes int64

	mu sync.Mutex
}

func NewFileBackend(path string, maxBytes int64) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path), MaxBytes: maxBytes}
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		value []byte
		ok    bool
	)
	err := b.withLock(func() error {
		values, err := b.load()
		if err != nil {
			return err
		}
		raw, found := values[key]
		if found {
			value, ok = []byte(raw), true
		}
		return nil
	})
	return value, ok, err
}

func (b *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("file cache value for %q is not json", key)
	}
	return b.withLock(func() error {
		values, err := b.load()
		if err != nil {
			return err
		}
		values[key] = json.RawMessage(append([]byte(nil), value...))
		return b.save(values)
	})
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.withLock(func() error {
		values, err := b.load()
		if err != nil {
			return err
		}
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return b.save(values)
	})
}

func (b *FileBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.withLock(func() error {
		values, err := b.load()
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) withLock(fn func() error) error {
	if b.Path == "" {
		return fmt.Errorf("%w: missing path", ErrInvalidDSN)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return mapWriteError(err)
		}
	}
	lock, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return mapWriteError(err)
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return fmt.Errorf("lock %s: %w", b.Path, err)
	}
	defer func() {
		_ = unlockFile(lock)
	}()
	return fn()
}

func (b *FileBackend) load() (map[string]json.RawMessage, error) {
	values := map[string]json.RawMessage{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.Path, err)
	}
	return values, nil
}

func (b *FileBackend) save(values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if b.MaxBytes > 0 && int64(len(data)) > b.MaxBytes {
		return ErrQuotaExceeded
	}
	return writeFileAtomic(b.Path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return mapWriteError(err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return mapWriteError(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return mapWriteError(err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return mapWriteError(err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return mapWriteError(err)
	}
	return nil
}

func mapWriteError(err error) error {
	if err != nil && isNoSpace(err) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
