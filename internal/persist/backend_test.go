package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := backend.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := backend.Set(ctx, "b", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("set b failed: %v", err)
	}
	if err := backend.Set(ctx, "a", []byte(`"one"`)); err != nil {
		t.Fatalf("set a failed: %v", err)
	}
	if err := backend.Set(ctx, "a", []byte(`"uno"`)); err != nil {
		t.Fatalf("overwrite a failed: %v", err)
	}
	value, ok, err := backend.Get(ctx, "a")
	if err != nil || !ok || string(value) != `"uno"` {
		t.Fatalf("expected overwritten value, got %q ok=%v err=%v", value, ok, err)
	}
	keys, err := backend.Keys(ctx)
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if strings.Join(keys, ",") != "a,b" {
		t.Fatalf("expected keys a,b got %v", keys)
	}
	if err := backend.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "b"); ok {
		t.Fatalf("expected b to be deleted")
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend(0))
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	exerciseBackend(t, NewFileBackend(path, 0))

	reopened := NewFileBackend(path, 0)
	value, ok, err := reopened.Get(context.Background(), "a")
	if err != nil || !ok || string(value) != `"uno"` {
		t.Fatalf("expected value to survive reopen, got %q ok=%v err=%v", value, ok, err)
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("expected lock file next to cache: %v", err)
	}
}

func TestFileBackendQuota(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "cache.json"), 32)
	ctx := context.Background()
	if err := backend.Set(ctx, "a", []byte(`"small"`)); err != nil {
		t.Fatalf("small write failed: %v", err)
	}
	err := backend.Set(ctx, "b", []byte(`"`+strings.Repeat("x", 64)+`"`))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "b"); ok {
		t.Fatalf("expected rejected write to leave no trace")
	}
}

func TestSQLiteBackend(t *testing.T) {
	backend := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"), 0)
	t.Cleanup(func() { _ = backend.Close() })
	exerciseBackend(t, backend)
}

func TestSQLiteBackendQuota(t *testing.T) {
	backend := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"), 24)
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()
	if err := backend.Set(ctx, "a", []byte(`"small"`)); err != nil {
		t.Fatalf("small write failed: %v", err)
	}
	err := backend.Set(ctx, "b", []byte(`"`+strings.Repeat("x", 32)+`"`))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestBuildBackendFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{dsn: "memory://", want: "*persist.MemoryBackend"},
		{dsn: "file://" + filepath.Join(dir, "a.json"), want: "*persist.FileBackend"},
		{dsn: filepath.Join(dir, "b.json"), want: "*persist.FileBackend"},
		{dsn: "sqlite://" + filepath.Join(dir, "c.db"), want: "*persist.SQLiteBackend"},
		{dsn: "postgres://localhost/deploystore?sslmode=disable", want: "*persist.PostgresBackend"},
	}
	for _, tc := range cases {
		backend, err := BuildBackendFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("build %q failed: %v", tc.dsn, err)
		}
		if got := typeName(backend); got != tc.want {
			t.Fatalf("dsn %q: expected %s, got %s", tc.dsn, tc.want, got)
		}
	}
}

func TestBuildBackendFromDSNMaxBytes(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://?max_bytes=8")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := backend.Set(context.Background(), "key", []byte(`"toolong"`)); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota from max_bytes, got %v", err)
	}
	if _, err := BuildBackendFromDSN("memory://?max_bytes=lots"); !errors.Is(err, ErrInvalidDSN) {
		t.Fatalf("expected invalid dsn, got %v", err)
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildBackendFromDSN(""); !errors.Is(err, ErrInvalidDSN) {
		t.Fatalf("expected invalid dsn for empty input, got %v", err)
	}
	for _, dsn := range []string{"mysql://localhost/deploystore", "redis://localhost"} {
		_, err := BuildBackendFromDSN(dsn)
		if !errors.Is(err, ErrInvalidDSN) || !strings.Contains(err.Error(), "unsupported cache backend scheme") {
			t.Fatalf("expected unsupported scheme for %s, got %v", dsn, err)
		}
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "persisttestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewMemoryBackend(0), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered factory")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *MemoryBackend:
		return "*persist.MemoryBackend"
	case *FileBackend:
		return "*persist.FileBackend"
	case *SQLiteBackend:
		return "*persist.SQLiteBackend"
	case *PostgresBackend:
		return "*persist.PostgresBackend"
	default:
		return "unknown"
	}
}
