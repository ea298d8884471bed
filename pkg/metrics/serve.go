package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// shutdownTimeout bounds draining scrapes on shutdown.
const shutdownTimeout = 5 * time.Second

// Serve exposes c at /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Collector, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ln, err := net.Listen("tcp", addr) //nolint:noctx // bind is instant
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serveListener(ctx, ln, c, logger.With("sys", "metrics"))
}

func serveListener(ctx context.Context, ln net.Listener, c *Collector, logger pslog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("metrics.listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}
