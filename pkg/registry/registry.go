// Package registry owns the map from index name to worker handle and every
// operation that changes a handle's state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"rdeer/pkg/engine"
	"rdeer/pkg/protocol"
	"rdeer/pkg/supervisor"
)

// resultRetry is how long Query waits once for a result file that the
// worker has not flushed yet.
const resultRetry = 500 * time.Millisecond

var (
	// ErrBusy is returned by the reconciliation entry points when a client
	// operation currently holds the handle.
	ErrBusy = errors.New("index busy")

	// ErrWorkerExited is returned by Promote when a loading worker is no
	// longer running.
	ErrWorkerExited = errors.New("worker exited while loading")
)

// Launcher starts and probes worker processes. *supervisor.Supervisor
// implements it.
type Launcher interface {
	AllocatePort() (int, error)
	Spawn(indexPath string, port int) (*supervisor.Process, error)
	IsAlive(ctx context.Context, indexPath string, port int) (bool, error)
}

// Event describes a change to the registry.
type Event struct {
	Type   string // protocol.EventTransition, EventDiscovered or EventRemoved
	Index  string
	From   protocol.Status
	To     protocol.Status
	Port   int
	PID    int
	Reason string
	At     time.Time
}

// Observer receives registry events. Observe is called synchronously while
// the handle is locked and must not call back into the Registry.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// QueryRequest carries the client's query payload and options.
type QueryRequest struct {
	Query     string
	Threshold string
	Format    string
}

// Config configures a Registry.
type Config struct {
	// Root is the directory holding one subdirectory per index.
	Root string
	// TmpDir is where per-query scratch directories are created.
	TmpDir string
	// WorkerHost is the address workers listen on.
	WorkerHost string
	// ProbeTimeout bounds the connect-and-greet attempt in Promote.
	ProbeTimeout time.Duration
	Logger       pslog.Logger
}

// Registry is the single authority over worker handles.
type Registry struct {
	cfg      Config
	launcher Launcher
	logger   pslog.Logger

	mu      sync.RWMutex
	handles map[string]*handle

	obsMu     sync.RWMutex
	observers []Observer

	// draining holds removed handles whose teardown waits for the
	// operation that still holds them.
	drainMu  sync.Mutex
	draining []*handle
}

// New creates an empty Registry. Handles appear through Sync.
func New(cfg Config, launcher Launcher) *Registry {
	if cfg.TmpDir == "" {
		cfg.TmpDir = protocol.DefaultTmpDir
	}
	if cfg.WorkerHost == "" {
		cfg.WorkerHost = "127.0.0.1"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = protocol.DefaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.With("sys", "registry"),
		handles:  make(map[string]*handle),
	}
}

// AddObserver registers o for all subsequent events.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, o := range obs {
		o.Observe(ev)
	}
}

// List returns a snapshot of every handle, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.info())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Info returns the snapshot of one handle.
func (r *Registry) Info(name string) (Info, error) {
	h, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}
	return h.info(), nil
}

// Status returns the current status of name.
func (r *Registry) Status(name string) (protocol.Status, error) {
	info, err := r.Info(name)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// Names returns the sorted names of handles currently in status.
func (r *Registry) Names(status protocol.Status) []string {
	var names []string
	for _, info := range r.List() {
		if info.Status == status {
			names = append(names, info.Name)
		}
	}
	return names
}

// Start launches a worker for name and moves it to loading. Starting an
// index in error terminates the lingering worker first.
func (r *Registry) Start(_ context.Context, name string) (Info, error) {
	h, err := r.acquire(name)
	if err != nil {
		return Info{}, err
	}
	defer h.mu.Unlock()

	switch h.st.(type) {
	case loadingState, runningState:
		return Info{}, &protocol.AlreadyActiveError{Index: name, Status: string(h.st.status())}
	case errorState:
		h.release()
		r.transition(h, availableState{}, "restart requested")
	}

	ls, err := r.launch(h)
	if err != nil {
		r.logger.Warn("registry.start.error", "index", name, "error", err)
		return Info{}, err
	}
	r.transition(h, ls, "start requested")
	return h.info(), nil
}

// Stop asks a running worker to disconnect and then terminate. The handle
// only returns to available when both commands are acknowledged.
func (r *Registry) Stop(ctx context.Context, name string) error {
	h, err := r.acquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(runningState)
	if !ok {
		return &protocol.NotRunningError{Index: name, Status: string(h.st.status())}
	}
	return r.stopLocked(ctx, h, s)
}

func (r *Registry) stopLocked(ctx context.Context, h *handle, s runningState) error {
	done := bindDeadline(ctx, s.conn)
	defer done()

	if _, err := s.conn.Do(engine.CmdQuit, engine.MarkerQuit); err != nil {
		return engineError(h.name, engine.CmdQuit, err)
	}
	if _, err := s.conn.Do(engine.CmdStop, engine.MarkerStop); err != nil {
		return engineError(h.name, engine.CmdStop, err)
	}
	h.release()
	r.transition(h, availableState{}, "stopped")
	return nil
}

// Kill terminates the worker without a handshake and returns the handle to
// available.
func (r *Registry) Kill(_ context.Context, name string) error {
	h, err := r.acquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if _, ok := h.st.(availableState); ok {
		return &protocol.NotActiveError{Index: name}
	}
	h.release()
	r.transition(h, availableState{}, "killed")
	return nil
}

// Query runs one bulk query against a running worker and returns the
// contents of the result file. The scratch directory is removed on every
// path. An empty or unrecognized reply flags the handle error.
func (r *Registry) Query(ctx context.Context, name string, q QueryRequest) (string, error) {
	h, err := r.acquire(name)
	if err != nil {
		return "", err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(runningState)
	if !ok {
		st := string(h.st.status())
		return "", &protocol.EngineProtocolError{
			Index:  name,
			Reason: fmt.Sprintf("index not running (status: %s)", st),
			Err:    &protocol.NotRunningError{Index: name, Status: st},
		}
	}

	dir, err := os.MkdirTemp(r.cfg.TmpDir, "rdeer-")
	if err != nil {
		return "", fmt.Errorf("create query dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, protocol.QueryInFile)
	out := filepath.Join(dir, protocol.QueryOutFile)
	if err := os.WriteFile(in, []byte(q.Query), 0o600); err != nil {
		return "", fmt.Errorf("write query file: %w", err)
	}
	format := q.Format
	if format == "" {
		format = protocol.DefaultFormat
	}

	done := bindDeadline(ctx, s.conn)
	defer done()

	if _, err := s.conn.Do(engine.QueryCommand(in, out, q.Threshold, format), engine.MarkerDone); err != nil {
		_ = s.conn.Close()
		r.transition(h, errorState{proc: s.proc}, "query failed")
		r.logger.Warn("registry.query.error", "index", name, "error", err)
		return "", engineError(name, "QUERY", err)
	}

	data, err := readResult(ctx, out)
	if err != nil {
		return "", &protocol.EngineProtocolError{Index: name, Command: "QUERY", Reason: "no result file", Err: err}
	}
	return string(data), nil
}

// Check sends a liveness probe to a running worker. A wrong reply is
// reported to the caller without changing the status, unless the worker
// process is gone, in which case the handle moves to error.
func (r *Registry) Check(ctx context.Context, name string) error {
	h, err := r.acquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(runningState)
	if !ok {
		return &protocol.NotRunningError{Index: name, Status: string(h.st.status())}
	}

	done := bindDeadline(ctx, s.conn)
	defer done()

	_, err = s.conn.Do(engine.CmdIndex, engine.MarkerIndex)
	if err == nil {
		return nil
	}
	if !r.alive(ctx, h.path, s.port, s.proc) {
		_ = s.conn.Close()
		r.transition(h, errorState{proc: s.proc}, "worker crashed")
		return &protocol.EngineProtocolError{Index: name, Command: engine.CmdIndex, Reason: "worker crashed", Err: err}
	}
	return engineError(name, engine.CmdIndex, err)
}

// Sync reconciles the handle set with the index names found on disk. New
// names get an available handle; handles whose directory vanished are
// dropped at once and torn down as soon as no operation holds them.
func (r *Registry) Sync(found []string) (added, removed []string) {
	want := make(map[string]struct{}, len(found))
	for _, n := range found {
		want[n] = struct{}{}
	}

	now := time.Now()
	var gone []*handle
	r.mu.Lock()
	for n := range want {
		if _, ok := r.handles[n]; !ok {
			r.handles[n] = newHandle(n, filepath.Join(r.cfg.Root, n), now)
			added = append(added, n)
		}
	}
	for n, h := range r.handles {
		if _, ok := want[n]; !ok {
			delete(r.handles, n)
			h.removed.Store(true)
			gone = append(gone, h)
		}
	}
	r.mu.Unlock()

	slices.Sort(added)
	for _, n := range added {
		r.logger.Info("registry.index.discovered", "index", n)
		r.emit(Event{Type: protocol.EventDiscovered, Index: n, To: protocol.StatusAvailable, At: now})
	}

	for _, h := range gone {
		from := h.info().Status
		removed = append(removed, h.name)
		r.logger.Info("registry.index.removed", "index", h.name, "status", from)
		r.emit(Event{Type: protocol.EventRemoved, Index: h.name, From: from, At: time.Now()})
	}
	slices.Sort(removed)
	r.drain(gone)
	return added, removed
}

// drain tears down removed handles. A handle still held by an operation has
// its control connection closed so the operation returns, and is retried on
// the next call.
func (r *Registry) drain(gone []*handle) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	pending := append(r.draining, gone...)
	var left []*handle
	for _, h := range pending {
		if !h.mu.TryLock() {
			h.interrupt()
			left = append(left, h)
			r.logger.Debug("registry.index.drain_pending", "index", h.name)
			continue
		}
		h.release()
		h.set(availableState{}, time.Now())
		h.mu.Unlock()
	}
	r.draining = left
}

// Draining returns how many removed handles still wait for teardown.
func (r *Registry) Draining() int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	return len(r.draining)
}

// Promote moves a loading handle to running once its worker greets, or to
// error if the worker process is gone. A worker that is still loading is
// left alone.
func (r *Registry) Promote(ctx context.Context, name string) error {
	h, err := r.tryAcquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(loadingState)
	if !ok {
		return nil
	}
	if !r.alive(ctx, h.path, s.port, s.proc) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.transition(h, errorState{proc: s.proc}, ErrWorkerExited.Error())
		return fmt.Errorf("index %q: %w", name, ErrWorkerExited)
	}

	conn, err := engine.Dial(ctx, r.addr(s.port), r.cfg.ProbeTimeout)
	if errors.Is(err, engine.ErrNotReady) {
		r.logger.Debug("registry.promote.not_ready", "index", name, "port", s.port)
		return nil
	}
	if err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}
	r.transition(h, runningState{port: s.port, proc: s.proc, conn: conn}, "handshake complete")
	return nil
}

// Verify moves a running handle to error when its worker process has
// disappeared. Running workers are otherwise left alone.
func (r *Registry) Verify(ctx context.Context, name string) error {
	h, err := r.tryAcquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(runningState)
	if !ok || r.alive(ctx, h.path, s.port, s.proc) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_ = s.conn.Close()
	r.transition(h, errorState{proc: s.proc}, "worker crashed")
	return fmt.Errorf("index %q: worker crashed", name)
}

// Recover restarts a handle in error: the lingering worker is terminated
// and a fresh one is launched on a new port.
func (r *Registry) Recover(_ context.Context, name string) error {
	h, err := r.tryAcquire(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	s, ok := h.st.(errorState)
	if !ok {
		return nil
	}
	if s.proc != nil {
		_ = s.proc.Terminate()
	}
	ls, err := r.launch(h)
	if err != nil {
		h.set(errorState{}, time.Now())
		return err
	}
	r.transition(h, ls, "auto restart")
	return nil
}

// Shutdown stops every running worker gracefully and kills loading and
// failed ones. Workers that refuse to stop are killed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	hs := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	r.drainMu.Lock()
	hs = append(hs, r.draining...)
	r.draining = nil
	r.drainMu.Unlock()

	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() error {
			h.mu.Lock()
			defer h.mu.Unlock()
			switch s := h.st.(type) {
			case availableState:
				return nil
			case runningState:
				err := r.stopLocked(ctx, h, s)
				if err == nil {
					return nil
				}
				r.logger.Warn("registry.shutdown.stop_failed", "index", h.name, "error", err)
			}
			h.release()
			r.transition(h, availableState{}, "shutdown")
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) lookup(name string) (*handle, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &protocol.NotFoundError{Index: name}
	}
	return h, nil
}

// acquire locks the handle for name. The caller unlocks h.mu.
func (r *Registry) acquire(name string) (*handle, error) {
	h, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.removed.Load() {
		h.mu.Unlock()
		return nil, &protocol.NotFoundError{Index: name}
	}
	return h, nil
}

// tryAcquire is acquire without waiting; it returns ErrBusy instead.
func (r *Registry) tryAcquire(name string) (*handle, error) {
	h, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !h.mu.TryLock() {
		return nil, ErrBusy
	}
	if h.removed.Load() {
		h.mu.Unlock()
		return nil, &protocol.NotFoundError{Index: name}
	}
	return h, nil
}

func (r *Registry) launch(h *handle) (loadingState, error) {
	port, err := r.launcher.AllocatePort()
	if err != nil {
		return loadingState{}, &protocol.SpawnError{Index: h.name, Err: err}
	}
	proc, err := r.launcher.Spawn(h.path, port)
	if err != nil {
		return loadingState{}, &protocol.SpawnError{Index: h.name, Err: err}
	}
	return loadingState{port: port, proc: proc}, nil
}

// transition sets a new state and reports it. Callers hold h.mu.
func (r *Registry) transition(h *handle, st state, reason string) {
	from := h.st.status()
	now := time.Now()
	h.set(st, now)
	info := h.info()
	if from == info.Status {
		return
	}
	r.logger.Info("registry.transition", "index", h.name, "from", from, "to", info.Status, "port", info.Port, "reason", reason)
	r.emit(Event{
		Type:   protocol.EventTransition,
		Index:  h.name,
		From:   from,
		To:     info.Status,
		Port:   info.Port,
		PID:    info.PID,
		Reason: reason,
		At:     now,
	})
}

// alive reports whether the worker is both unreaped and visible in the
// process table with its expected command line. When the table cannot be
// read, the reaper's view decides.
func (r *Registry) alive(ctx context.Context, path string, port int, proc *supervisor.Process) bool {
	if proc == nil || !proc.Alive() {
		return false
	}
	ok, err := r.launcher.IsAlive(ctx, path, port)
	if err != nil {
		r.logger.Warn("registry.scan.error", "index", filepath.Base(path), "error", err)
		return true
	}
	return ok
}

func (r *Registry) addr(port int) string {
	return net.JoinHostPort(r.cfg.WorkerHost, strconv.Itoa(port))
}

// bindDeadline applies ctx's deadline to the connection for the duration of
// an operation. The returned func clears it.
func bindDeadline(ctx context.Context, c *engine.Conn) func() {
	dl, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = c.SetDeadline(dl)
	return func() { _ = c.SetDeadline(time.Time{}) }
}

func engineError(index, cmd string, err error) error {
	reason := "socket error"
	var ue *engine.UnexpectedResponseError
	switch {
	case errors.Is(err, engine.ErrEmptyResponse):
		reason = "empty response"
	case errors.As(err, &ue):
		reason = "unknown message returned by worker"
	}
	return &protocol.EngineProtocolError{Index: index, Command: cmd, Reason: reason, Err: err}
}

// readResult reads the worker's result file, retrying once if the worker
// has not written it yet.
func readResult(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return data, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(resultRetry):
	}
	return os.ReadFile(path)
}
