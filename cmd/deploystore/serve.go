package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deploystore/internal/eventstream"
	"github.com/agentworkforce/deploystore/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr           string
		originPatterns []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the document and sync events over HTTP",
		RunE: opts.runWithApp(func(cmd *cobra.Command, _ []string, a *app) error {
			if addr == "" {
				addr = a.cfg.Addr
			}
			hub := eventstream.NewHub(a.coordinator, eventstream.Options{
				OriginPatterns: originPatterns,
				Logger:         a.logger,
			})
			handler := httpapi.NewServer(a.coordinator, httpapi.ServerConfig{
				APIToken:        a.cfg.APIToken,
				RateLimitMax:    a.cfg.RateLimitMax,
				RateLimitWindow: a.cfg.RateLimitWindow,
				MaxBodyBytes:    a.cfg.MaxBodyBytes,
				Events:          hub,
			})
			if a.cfg.APIToken == "" {
				a.logger.Printf("DEPLOYSTORE_API_TOKEN is empty; /v1 routes are unauthenticated")
			}

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return serveUntilDone(cmd.Context(), listener, handler, a.logger)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (DEPLOYSTORE_ADDR)")
	cmd.Flags().StringSliceVar(&originPatterns, "allowed-origin", nil, "websocket origin pattern allowed for /v1/events")
	return cmd
}

// serveUntilDone serves on listener until ctx is cancelled, then drains
// in-flight requests.
func serveUntilDone(ctx context.Context, listener net.Listener, handler http.Handler, logger interface{ Printf(string, ...any) }) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("deploystore listening on %s", listener.Addr())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Printf("deploystore stopped")
	return nil
}
