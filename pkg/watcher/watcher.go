// Package watcher runs the reconciliation loop: it discovers index
// directories, promotes loading workers once they greet, and restarts
// workers that crashed.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
)

// debounceDuration coalesces bursts of filesystem events into one tick.
const debounceDuration = 250 * time.Millisecond

// Registry is the subset of *registry.Registry the loop drives.
type Registry interface {
	Sync(found []string) (added, removed []string)
	Names(status protocol.Status) []string
	Verify(ctx context.Context, name string) error
	Promote(ctx context.Context, name string) error
	Recover(ctx context.Context, name string) error
}

// Config configures a Watcher.
type Config struct {
	Root     string
	Markers  []string
	Interval time.Duration
	Logger   pslog.Logger
}

// Watcher reconciles the registry against the index root and worker
// processes.
type Watcher struct {
	root     string
	markers  []string
	interval time.Duration
	reg      Registry
	logger   pslog.Logger
}

// New creates a Watcher. Zero values fall back to protocol defaults.
func New(cfg Config, reg Registry) *Watcher {
	markers := cfg.Markers
	if len(markers) == 0 {
		markers = protocol.IndexMarkers
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = protocol.DefaultWatchInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Watcher{
		root:     cfg.Root,
		markers:  markers,
		interval: interval,
		reg:      reg,
		logger:   logger.With("sys", "watcher"),
	}
}

// Scan returns the sorted names of subdirectories of root that contain
// every marker file.
func Scan(root string, markers []string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		fi, err := os.Stat(dir) // follows symlinked index dirs
		if err != nil || !fi.IsDir() {
			continue
		}
		if hasMarkers(dir, markers) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func hasMarkers(dir string, markers []string) bool {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err != nil {
			return false
		}
	}
	return true
}

// Run ticks immediately and then on every interval, plus shortly after any
// change directly under the root, until ctx is cancelled. A root that cannot
// be read at startup is an error.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.ReadDir(w.root); err != nil {
		return fmt.Errorf("index directory %s: %w", w.root, err)
	}
	w.Tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	fsw := w.initFSWatcher()
	var events <-chan fsnotify.Event
	var fsErrors <-chan error
	if fsw != nil {
		defer func() { _ = fsw.Close() }()
		events = fsw.Events
		fsErrors = fsw.Errors
	}

	debounce := newDebounceTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.logger.Debug("watcher.fs.event", "path", ev.Name, "op", ev.Op.String())
			resetDebounceTimer(debounce)
		case <-debounce.C:
			w.Tick(ctx)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn("watcher.fs.error", "error", err)
		}
	}
}

// initFSWatcher watches the root for index directories appearing or
// disappearing. It returns nil when fsnotify is unavailable; the interval
// tick still covers discovery.
func (w *Watcher) initFSWatcher() *fsnotify.Watcher {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("watcher.fs.unavailable", "error", err)
		return nil
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		w.logger.Warn("watcher.fs.unavailable", "root", w.root, "error", err)
		return nil
	}
	return fsw
}

// Tick performs one reconciliation pass. Failures on one handle are logged
// and never stop the pass.
func (w *Watcher) Tick(ctx context.Context) {
	found, err := Scan(w.root, w.markers)
	if err != nil {
		// Keep the current handles rather than dropping them all on a
		// transient read error.
		w.logger.Warn("watcher.scan.error", "error", err)
	} else {
		w.reg.Sync(found)
	}

	for _, name := range w.reg.Names(protocol.StatusRunning) {
		if ctx.Err() != nil {
			return
		}
		w.report("verify", name, w.reg.Verify(ctx, name))
	}
	for _, name := range w.reg.Names(protocol.StatusLoading) {
		if ctx.Err() != nil {
			return
		}
		w.report("promote", name, w.reg.Promote(ctx, name))
	}
	for _, name := range w.reg.Names(protocol.StatusError) {
		if ctx.Err() != nil {
			return
		}
		w.report("recover", name, w.reg.Recover(ctx, name))
	}
}

func (w *Watcher) report(step, name string, err error) {
	var nf *protocol.NotFoundError
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrBusy):
		w.logger.Debug("watcher.tick.busy", "step", step, "index", name)
	case errors.Is(err, context.Canceled), errors.As(err, &nf):
	default:
		w.logger.Warn("watcher.tick.error", "step", step, "index", name, "error", err)
	}
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
