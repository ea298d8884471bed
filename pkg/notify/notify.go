// Package notify posts a short message to an ntfy topic whenever an index
// enters the error status.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
)

const (
	// DefaultServer is used when the configured URL is a bare topic name.
	DefaultServer = "https://ntfy.sh"
	// DefaultInterval is the minimum spacing between notifications.
	DefaultInterval = 30 * time.Second
	// DefaultBurst allows a few errors through back to back.
	DefaultBurst   = 3
	defaultTimeout = 10 * time.Second
)

// Config configures a Notifier.
type Config struct {
	// URL is the full topic URL, or a topic name on DefaultServer.
	URL string
	// Hostname prefixes every message; os.Hostname when empty.
	Hostname string
	Interval time.Duration
	Burst    int
	Timeout  time.Duration
	Client   *http.Client
	Logger   pslog.Logger
}

// Notifier implements registry.Observer. Sends run in the background and
// are dropped, with a log line, once the rate limit is exhausted.
type Notifier struct {
	url      string
	hostname string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	logger   pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	host := cfg.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		url:      TopicURL(cfg.URL),
		hostname: host,
		timeout:  timeout,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(interval), burst),
		logger:   logger.With("sys", "notify"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// TopicURL expands a bare topic name to a URL on DefaultServer.
func TopicURL(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	return DefaultServer + "/" + strings.TrimLeft(s, "/")
}

// Message is the notification body for index.
func (n *Notifier) Message(index string) string {
	return fmt.Sprintf("%s: rdeer-server: %s: error status", n.hostname, index)
}

// Observe implements registry.Observer.
func (n *Notifier) Observe(ev registry.Event) {
	if ev.Type != protocol.EventTransition || ev.To != protocol.StatusError {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn("notify.dropped", "index", ev.Index, "reason", "rate limited")
		return
	}
	msg := n.Message(ev.Index)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(msg); err != nil {
			n.logger.Warn("notify.error", "index", ev.Index, "url", n.url, "error", err)
			return
		}
		n.logger.Info("notify.sent", "index", ev.Index, "url", n.url)
	}()
}

func (n *Notifier) send(msg string) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBufferString(msg))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post: unexpected status %s", resp.Status)
	}
	return nil
}

// Close cancels pending sends and waits for them to return.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}

// Wait blocks until every send started so far has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
