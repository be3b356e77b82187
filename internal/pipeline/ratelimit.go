package pipeline

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deploystore/internal/syncerr"
)

const (
	defaultCallsPerWindow = 60
	defaultRateWindow     = time.Minute
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type WindowOptions struct {
	// Budget is the number of calls allowed per window.
	Budget int
	Window time.Duration
	// MaxWait bounds a single quota wait. Zero waits as long as needed.
	MaxWait time.Duration
	Now     func() time.Time
	Sleep   SleepFunc
	// OnWait is told how long a call is about to be held back.
	OnWait func(wait time.Duration)
}

// RateLimitWindow is the fixed-window call budget shared by every client of a
// Session. Server-reported headers overwrite local accounting.
type RateLimitWindow struct {
	mu        sync.Mutex
	budget    int
	window    time.Duration
	maxWait   time.Duration
	remaining int
	resetAt   time.Time
	now       func() time.Time
	sleep     SleepFunc
	onWait    func(time.Duration)
}

func NewRateLimitWindow(opts WindowOptions) *RateLimitWindow {
	budget := opts.Budget
	if budget <= 0 {
		budget = defaultCallsPerWindow
	}
	window := opts.Window
	if window <= 0 {
		window = defaultRateWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxWait := opts.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}
	return &RateLimitWindow{
		budget:    budget,
		window:    window,
		maxWait:   maxWait,
		remaining: budget,
		resetAt:   now().Add(window),
		now:       now,
		sleep:     sleep,
		onWait:    opts.OnWait,
	}
}

// Acquire consumes one unit of budget, waiting for the window to roll over
// when it is exhausted.
func (w *RateLimitWindow) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := w.now()
		if now.After(w.resetAt) {
			w.resetLocked(now)
		}
		if w.remaining > 0 {
			w.remaining--
			w.mu.Unlock()
			return nil
		}
		wait := w.resetAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		if w.maxWait > 0 && wait > w.maxWait {
			w.mu.Unlock()
			return &syncerr.Error{
				Kind:    syncerr.ErrRateLimit,
				Op:      "acquire quota",
				Message: "quota exhausted; window resets in " + wait.Round(time.Millisecond).String(),
			}
		}
		observedReset := w.resetAt
		onWait := w.onWait
		w.mu.Unlock()

		if onWait != nil {
			onWait(wait)
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}

		w.mu.Lock()
		if w.resetAt.Equal(observedReset) && w.remaining <= 0 {
			w.resetLocked(w.now())
		}
		w.mu.Unlock()
	}
}

// Update applies X-RateLimit-Remaining and X-RateLimit-Reset (unix seconds).
func (w *RateLimitWindow) Update(header http.Header) {
	if header == nil {
		return
	}
	remainingRaw := strings.TrimSpace(header.Get("X-RateLimit-Remaining"))
	resetRaw := strings.TrimSpace(header.Get("X-RateLimit-Reset"))
	if remainingRaw == "" && resetRaw == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if remainingRaw != "" {
		if remaining, err := strconv.Atoi(remainingRaw); err == nil {
			if remaining < 0 {
				remaining = 0
			}
			w.remaining = remaining
		}
	}
	if resetRaw != "" {
		if seconds, err := strconv.ParseInt(resetRaw, 10, 64); err == nil && seconds > 0 {
			w.resetAt = time.Unix(seconds, 0)
		}
	}
}

// Drain marks the budget exhausted. A non-zero until moves the reset point.
func (w *RateLimitWindow) Drain(until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.remaining = 0
	if !until.IsZero() {
		w.resetAt = until
	}
}

// Snapshot reports the current accounting state.
func (w *RateLimitWindow) Snapshot() (remaining int, resetAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remaining, w.resetAt
}

func (w *RateLimitWindow) resetLocked(now time.Time) {
	w.remaining = w.budget
	w.resetAt = now.Add(w.window)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
