package main

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deploystore/internal/docsync"
	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/docwatch"
	"github.com/agentworkforce/deploystore/internal/remotestore"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Publish a local document every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: opts.runWithApp(func(cmd *cobra.Command, args []string, a *app) error {
			if debounce <= 0 {
				debounce = a.cfg.WatchDebounce
			}
			a.logger.Printf("watching %s", args[0])
			return docwatch.Watch(cmd.Context(), args[0], docwatch.Options{
				Debounce: debounce,
				Logger:   a.logger,
				Initial:  true,
			}, func(ctx context.Context, doc document.Document) error {
				receipt, err := a.coordinator.SaveAll(ctx, doc, remotestore.WriteOptions{})
				if err != nil {
					return err
				}
				a.logger.Printf("published version %s", receipt.Version)
				return nil
			})
		}),
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before publishing (DEPLOYSTORE_WATCH_DEBOUNCE)")
	return cmd
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var (
		interval       time.Duration
		intervalJitter float64
		timeout        time.Duration
		once           bool
		output         string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Periodically pull the published document into the local caches",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.SyncInterval
			}
			if !cmd.Flags().Changed("interval-jitter") {
				intervalJitter = a.cfg.SyncIntervalJitter
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.SyncTimeout
			}
			loop := syncLoop{
				coordinator: a.coordinator,
				logger:      a.logger,
				interval:    interval,
				jitter:      clampJitterRatio(intervalJitter),
				timeout:     timeout,
				output:      output,
			}
			if once {
				return loop.runOnce(cmd.Context())
			}
			return loop.run(cmd.Context())
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "sync interval (DEPLOYSTORE_SYNC_INTERVAL)")
	cmd.Flags().Float64Var(&intervalJitter, "interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "per-sync timeout")
	cmd.Flags().BoolVar(&once, "once", false, "run one sync cycle and exit")
	cmd.Flags().StringVarP(&output, "output", "o", "", "mirror the document to this file after each cycle")
	return cmd
}

type syncLoop struct {
	coordinator *docsync.Coordinator
	logger      interface{ Printf(string, ...any) }
	interval    time.Duration
	jitter      float64
	timeout     time.Duration
	output      string
}

func (l syncLoop) runOnce(ctx context.Context) error {
	if l.timeout <= 0 {
		l.timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	result := l.coordinator.Refresh(ctx)
	if result.Stale {
		l.logger.Printf("sync cycle failed; serving %s data: %v", result.Source, result.Err)
	} else {
		l.logger.Printf("sync cycle completed (version %s)", result.Document.Version)
	}
	if l.output == "" {
		return nil
	}
	return mirrorDocument(l.output, result.Document)
}

func (l syncLoop) run(ctx context.Context) error {
	if l.interval <= 0 {
		l.interval = 30 * time.Second
	}
	if err := l.runOnce(ctx); err != nil {
		l.logger.Printf("mirror failed: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(l.interval, l.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Printf("sync stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			if err := l.runOnce(ctx); err != nil {
				l.logger.Printf("mirror failed: %v", err)
			}
			timer.Reset(jitteredIntervalWithSample(l.interval, l.jitter, rng.Float64()))
		}
	}
}

// mirrorDocument replaces path with the document, leaving the previous copy
// intact if the write fails.
func mirrorDocument(path string, doc document.Document) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".deploystore-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := writeJSONOut(tmp, doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
