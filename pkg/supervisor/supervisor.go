// Package supervisor launches reindeer_socket workers, one per index, and
// tracks them at the OS level.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

// DefaultTerminateGrace is how long Terminate waits after SIGTERM before
// sending SIGKILL to the worker's process group.
const DefaultTerminateGrace = 3 * time.Second

// Options configures a Supervisor.
type Options struct {
	// Engine is the worker binary. Defaults to reindeer_socket on PATH.
	Engine string
	// BindHost is the address used to pick free ports.
	BindHost string
	// LogDir, when set, receives <LogDir>/<index>/output.log per worker.
	// Otherwise worker output is discarded.
	LogDir string
	// TerminateGrace overrides DefaultTerminateGrace.
	TerminateGrace time.Duration
	Logger         pslog.Logger
}

// Supervisor spawns worker processes and reaps them in the background.
//
// Thread-safe: Spawn may be called concurrently for different indexes.
type Supervisor struct {
	bindHost string
	logDir   string
	grace    time.Duration
	logger   pslog.Logger
	wg       sync.WaitGroup

	// cmdFactory builds the exec.Cmd for an index path and port.
	// Defaults to `<engine> -l <indexPath> -p <port>`. Tests override it to
	// spawn a stand-in worker.
	cmdFactory func(indexPath string, port int) *exec.Cmd
}

// New creates a Supervisor that runs the configured engine binary.
func New(opts Options) *Supervisor {
	engine := opts.Engine
	if engine == "" {
		engine = "reindeer_socket"
	}
	return NewWithFactory(opts, func(indexPath string, port int) *exec.Cmd {
		//nolint:gosec // intentionally spawning the worker binary
		return exec.CommandContext(context.Background(), engine, "-l", indexPath, "-p", strconv.Itoa(port))
	})
}

// NewWithFactory creates a Supervisor with a custom command factory.
func NewWithFactory(opts Options, factory func(indexPath string, port int) *exec.Cmd) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	host := opts.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	return &Supervisor{
		bindHost:   host,
		logDir:     opts.LogDir,
		grace:      grace,
		logger:     logger.With("sys", "supervisor"),
		cmdFactory: factory,
	}
}

// CmdFor returns the exec.Cmd that would launch a worker, without starting it.
func (s *Supervisor) CmdFor(indexPath string, port int) *exec.Cmd {
	return s.cmdFactory(indexPath, port)
}

// AllocatePort binds an ephemeral port, reads it back and releases it so the
// worker can bind it. Another process may grab the port in between; the
// worker then fails to start and the handle ends up in error.
func (s *Supervisor) AllocatePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.bindHost, "0")) //nolint:noctx // short-lived probe bind
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert // tcp listener
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("release port %d: %w", port, err)
	}
	return port, nil
}

// Spawn starts a worker for indexPath on port and returns immediately. The
// worker gets its own process group so Terminate reaches any children.
func (s *Supervisor) Spawn(indexPath string, port int) (*Process, error) {
	cmd := s.cmdFactory(indexPath, port)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if s.logDir != "" {
		dir := filepath.Join(s.logDir, filepath.Base(indexPath))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", dir, err)
		}
		logPath := filepath.Join(dir, "output.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	err := cmd.Start()
	// The child inherits the fd; the parent copy is no longer needed.
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("spawn worker for %s: %w", indexPath, err)
	}

	p := &Process{
		proc:   cmd.Process,
		grace:  s.grace,
		exited: make(chan struct{}),
	}

	// Reap in the background to avoid zombies.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		close(p.exited)
		s.logger.Debug("supervisor.worker.exited", "index", filepath.Base(indexPath), "pid", p.Pid(), "port", port, "error", err)
	}()

	s.logger.Info("supervisor.worker.spawned", "index", filepath.Base(indexPath), "pid", p.Pid(), "port", port)
	return p, nil
}

// IsAlive scans the process table for a worker whose command line carries
// `-l <indexPath> -p <port>`. It finds workers this Supervisor did not spawn
// as well, such as ones left over from a previous server run. An error means
// the process table could not be read and says nothing about the worker.
func (s *Supervisor) IsAlive(ctx context.Context, indexPath string, port int) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("scan process table: %w", err)
	}
	want := []string{"-l", indexPath, "-p", strconv.Itoa(port)}
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if containsSeq(args, want) {
			return true, nil
		}
	}
	return false, nil
}

// Wait blocks until every reaper goroutine has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func containsSeq(args, seq []string) bool {
	for i := 0; i+len(seq) <= len(args); i++ {
		match := true
		for j := range seq {
			if args[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Process is a spawned worker.
type Process struct {
	proc   *os.Process
	grace  time.Duration
	exited chan struct{}
	mu     sync.Mutex
}

// Pid returns the worker's process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.proc.Pid
}

// Exited is closed once the worker has exited and been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Alive reports whether the worker has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the worker's process group, waits the grace
// period and then sends SIGKILL. Terminating an exited worker is a no-op.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.Alive() {
		return nil
	}
	pgid := p.proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Group already gone; make sure the leader is too.
		_ = p.proc.Kill()
		return nil //nolint:nilerr // nothing left to signal
	}

	select {
	case <-p.exited:
	case <-time.After(p.grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-p.exited
	}
	return nil
}
