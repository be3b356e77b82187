// Package eventstream pushes sync lifecycle events to websocket clients.
package eventstream

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/deploystore/internal/docsync"
)

const (
	defaultBuffer       = 32
	defaultWriteTimeout = 5 * time.Second
)

// Source is satisfied by *docsync.Coordinator.
type Source interface {
	Subscribe(buffer int) (<-chan docsync.Event, func())
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Buffer is the per-client event backlog. A slow client misses events
	// beyond it.
	Buffer         int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         Logger
}

type Hub struct {
	source  Source
	opts    Options
	clients atomic.Int64
}

func NewHub(source Source, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{source: source, opts: opts}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logf("websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.source.Subscribe(h.opts.Buffer)
	defer cancel()
	h.clients.Add(1)
	defer h.clients.Add(-1)

	// Clients never send; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event source closed")
				return
			}
			if err := h.write(ctx, conn, event); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logf("websocket write failed: %v", err)
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event docsync.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (h *Hub) logf(format string, args ...any) {
	if h.opts.Logger == nil {
		return
	}
	h.opts.Logger.Printf(format, args...)
}
