// Package enginetest provides an in-process stand-in for the reindeer_socket
// worker. It speaks the same line protocol so registry, watcher and server
// tests can run without the real engine.
package enginetest

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"rdeer/pkg/engine"
	"rdeer/pkg/protocol"
)

// Mode selects how the fake replies.
type Mode int

// Reply modes.
const (
	ModeNormal  Mode = iota // well-formed replies
	ModeGarbage             // every reply lacks the expected marker
	ModeSilent              // the connection is closed instead of replying
	ModeHang                // commands are read but never answered
)

// Server is a fake worker bound to one TCP address.
type Server struct {
	ln     net.Listener
	index  string
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	mode   Mode
	closed bool
	done   chan struct{}

	queries int
	hung    int
}

// Listen starts a fake worker on addr ("127.0.0.1:0" picks a free port).
func Listen(addr, index string) (*Server, error) {
	ln, err := net.Listen("tcp", addr) //nolint:noctx // test helper
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &Server{
		ln:    ln,
		index: index,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listen port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port } //nolint:forcetypeassert // always TCP

// SetMode switches the reply mode for subsequent commands.
func (s *Server) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Queries returns how many query commands have been answered.
func (s *Server) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Hung returns how many commands were swallowed in ModeHang.
func (s *Server) Hung() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hung
}

// Done is closed once the server has shut down, either through Close or a
// STOP command.
func (s *Server) Done() <-chan struct{} { return s.done }

// Close stops listening and drops every open connection, like a crash.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	close(s.done)
	return err
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	if _, err := c.Write([]byte(engine.MarkerGreeting + "\n")); err != nil {
		return
	}
	buf := make([]byte, 64<<10)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(string(buf[:n]))

		s.mu.Lock()
		mode := s.mode
		if mode == ModeHang {
			s.hung++
		}
		s.mu.Unlock()

		switch mode {
		case ModeSilent:
			return
		case ModeHang:
			continue
		case ModeGarbage:
			_, _ = c.Write([]byte("?? " + cmd + "\n"))
			continue
		}

		reply, stop := s.handle(cmd)
		if _, err := c.Write([]byte(reply + "\n")); err != nil {
			return
		}
		if stop {
			go func() { _ = s.Close() }()
			return
		}
	}
}

func (s *Server) handle(cmd string) (reply string, stop bool) {
	switch {
	case cmd == engine.CmdIndex:
		return fmt.Sprintf("%s %s ready", engine.MarkerIndex, s.index), false
	case cmd == engine.CmdQuit:
		return engine.MarkerQuit, false
	case cmd == engine.CmdStop:
		return engine.MarkerStop, true
	case strings.HasPrefix(cmd, "FILE:"):
		q, err := ParseQuery(cmd)
		if err != nil {
			return "ERROR " + err.Error(), false
		}
		if err := answer(q, s.index); err != nil {
			return "ERROR " + err.Error(), false
		}
		s.mu.Lock()
		s.queries++
		s.mu.Unlock()
		return engine.MarkerDone, false
	default:
		return "unknown command " + cmd, false
	}
}

// Query is a decoded query command.
type Query struct {
	In        string
	Out       string
	Threshold string
	Format    string
}

// ParseQuery decodes FILE:<in>[:THRESHOLD:<t>]:OUTFILE:<out>:FORMAT:<fmt>.
func ParseQuery(cmd string) (Query, error) {
	rest, ok := strings.CutPrefix(cmd, "FILE:")
	if !ok {
		return Query{}, errors.New("not a query command")
	}
	head, format, ok := strings.Cut(rest, ":FORMAT:")
	if !ok {
		return Query{}, errors.New("missing FORMAT")
	}
	head, out, ok := strings.Cut(head, ":OUTFILE:")
	if !ok {
		return Query{}, errors.New("missing OUTFILE")
	}
	in, threshold, _ := strings.Cut(head, ":THRESHOLD:")
	return Query{In: in, Out: out, Threshold: threshold, Format: format}, nil
}

// answer writes one tab-separated line per FASTA header, the way the real
// engine reports per-sequence counts.
func answer(q Query, index string) error {
	data, err := os.ReadFile(q.In)
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "seq_name\t%s\n", index)
	for _, line := range strings.Split(string(data), "\n") {
		if name, ok := strings.CutPrefix(line, ">"); ok {
			fmt.Fprintf(&b, "%s\t%s\n", name, q.Format)
		}
	}
	if err := os.WriteFile(q.Out, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Environment switches read by RunIfWorker.
const (
	WorkerEnv = "RDEER_ENGINETEST_WORKER"
	DelayEnv  = "RDEER_ENGINETEST_DELAY"
)

// Factory returns a supervisor command factory that re-executes the current
// test binary as a worker, with the real engine's command line.
func Factory(loadDelay time.Duration) func(indexPath string, port int) *exec.Cmd {
	return func(indexPath string, port int) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-l", indexPath, "-p", strconv.Itoa(port)) //nolint:gosec // test binary
		cmd.Env = append(os.Environ(), WorkerEnv+"=1", DelayEnv+"="+loadDelay.String())
		return cmd
	}
}

// RunIfWorker turns the process into a fake worker when it was started by
// Factory. Call it first in TestMain.
func RunIfWorker() {
	if os.Getenv(WorkerEnv) == "" {
		return
	}
	delay, _ := time.ParseDuration(os.Getenv(DelayEnv))
	os.Exit(Main(os.Args[1:], delay))
}

// Main runs the fake as a standalone worker process using the real engine's
// flags (-l <index> -p <port>). loadDelay postpones listening to mimic
// index loading.
func Main(args []string, loadDelay time.Duration) int {
	fs := flag.NewFlagSet("reindeer_socket", flag.ContinueOnError)
	index := fs.String("l", "", "index directory")
	port := fs.Int("p", 0, "port")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	time.Sleep(loadDelay)
	srv, err := Listen("127.0.0.1:"+strconv.Itoa(*port), *index)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	<-srv.Done()
	return 0
}

// MakeIndex creates <root>/<name> with empty marker files so discovery
// treats it as a loadable index.
func MakeIndex(root, name string) (string, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}
	for _, m := range protocol.IndexMarkers {
		if err := os.WriteFile(filepath.Join(dir, m), nil, 0o600); err != nil {
			return "", fmt.Errorf("write marker %s: %w", m, err)
		}
	}
	return dir, nil
}
