// Package docwatch saves a local JSON document whenever it changes on disk.
package docwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/deploystore/internal/document"
)

const DefaultDebounce = 500 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Debounce time.Duration
	Logger   Logger
	// Initial delivers the file once at start when it already exists.
	Initial bool
}

// ChangeFunc receives each valid version of the file. An error is logged and
// the watch continues.
type ChangeFunc func(ctx context.Context, doc document.Document) error

// Watch blocks until ctx is done. The parent directory is watched so editors
// that replace the file by rename are followed.
func Watch(ctx context.Context, path string, opts Options, onChange ChangeFunc) error {
	if onChange == nil {
		return errors.New("docwatch: onChange is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &watcher{path: abs, logger: opts.Logger, onChange: onChange}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	if opts.Initial {
		if _, statErr := os.Stat(abs); statErr == nil {
			w.deliver(ctx)
		}
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		case <-timer.C:
			w.deliver(ctx)
		}
	}
}

type watcher struct {
	path     string
	logger   Logger
	onChange ChangeFunc
}

func (w *watcher) deliver(ctx context.Context) {
	f, err := os.Open(w.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logf("open %s: %v", w.path, err)
		}
		return
	}
	doc, err := document.Import(f)
	_ = f.Close()
	if err != nil {
		w.logf("skipping invalid %s: %v", w.path, err)
		return
	}
	if err := w.onChange(ctx, doc); err != nil {
		w.logf("sync after change to %s failed: %v", w.path, err)
	}
}

func (w *watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
