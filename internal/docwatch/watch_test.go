package docwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/deploystore/internal/document"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestWatchDeliversDebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan document.Document, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, Options{Debounce: 50 * time.Millisecond}, func(_ context.Context, doc document.Document) error {
			changes <- doc
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"projects":[{"id":"p%d"}],"folders":[],"offers":[]}`, i)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	select {
	case doc := <-changes:
		if len(doc.Projects) != 1 || doc.Projects[0]["id"] != "p2" {
			t.Fatalf("expected last written document, got %+v", doc.Projects)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}

func TestWatchSkipsInvalidDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := os.WriteFile(path, []byte(`{"projects":"nope"}`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	logger := &recordingLogger{}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	calls := 0
	err := Watch(ctx, path, Options{Debounce: 20 * time.Millisecond, Initial: true, Logger: logger}, func(context.Context, document.Document) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected invalid document to be skipped, got %d calls", calls)
	}
	if logger.count() == 0 {
		t.Fatalf("expected invalid document to be logged")
	}
}

func TestWatchRequiresCallback(t *testing.T) {
	if err := Watch(context.Background(), "data.json", Options{}, nil); err == nil {
		t.Fatalf("expected error without callback")
	}
}
