package pipeline

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestSession(clock *fakeClock, budget int) *Session {
	return NewSession("token_123", "", WindowOptions{
		Budget: budget,
		Window: time.Minute,
		Now:    clock.Now,
		Sleep:  clock.Sleep,
	})
}

func newTestClient(baseURL string, session *Session, clock *fakeClock, maxAttempts int) *Client {
	return NewClient(session, Options{
		BaseURL:     baseURL,
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		Sleep:       clock.Sleep,
		Now:         clock.Now,
	})
}
