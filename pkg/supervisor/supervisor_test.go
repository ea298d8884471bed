package supervisor_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"rdeer/pkg/supervisor"
)

// shellWorker mimics the real worker's command line (-l <path> -p <port>)
// while running a shell that keeps a background child in its group.
func shellWorker(indexPath string, port int) *exec.Cmd {
	//nolint:gosec // test-only dummy process
	return exec.Command("sh", "-c", "sleep 3600 & wait", "fake-engine", "-l", indexPath, "-p", strconv.Itoa(port))
}

func newSupervisor(t *testing.T, opts supervisor.Options) *supervisor.Supervisor {
	t.Helper()
	if opts.TerminateGrace == 0 {
		opts.TerminateGrace = 500 * time.Millisecond
	}
	return supervisor.NewWithFactory(opts, shellWorker)
}

func TestAllocatePort_ReturnsBindablePort(t *testing.T) {
	s := newSupervisor(t, supervisor.Options{})

	port, err := s.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if port <= 0 {
		t.Fatalf("expected positive port, got %d", port)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)) //nolint:noctx // test
	if err != nil {
		t.Fatalf("allocated port %d not bindable: %v", port, err)
	}
	_ = ln.Close()
}

func TestNew_UsesEngineBinary(t *testing.T) {
	s := supervisor.New(supervisor.Options{Engine: "/opt/bin/reindeer_socket"})

	cmd := s.CmdFor("/data/idx", 4242)
	want := []string{"/opt/bin/reindeer_socket", "-l", "/data/idx", "-p", "4242"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("args = %v, want %v", cmd.Args, want)
	}
}

func TestSpawn_MissingBinaryFails(t *testing.T) {
	s := supervisor.New(supervisor.Options{Engine: filepath.Join(t.TempDir(), "no-such-engine")})

	if _, err := s.Spawn("/data/idx", 4242); err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
}

func TestSpawn_TerminateKillsProcessGroup(t *testing.T) {
	s := newSupervisor(t, supervisor.Options{})

	proc, err := s.Spawn("/data/idx", 4242)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	parentPID := proc.Pid()

	// Give the shell time to spawn its child.
	time.Sleep(200 * time.Millisecond)

	out, err := exec.Command("pgrep", "-P", strconv.Itoa(parentPID)).Output() //nolint:gosec // PID from our own subprocess
	if err != nil {
		t.Fatalf("pgrep failed (no child of PID %d): %v", parentPID, err)
	}
	child, err := strconv.Atoi(strings.TrimSpace(strings.Split(string(out), "\n")[0]))
	if err != nil {
		t.Fatalf("parse child PID from %q: %v", out, err)
	}

	if err := proc.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-proc.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("worker not reaped after Terminate")
	}

	time.Sleep(200 * time.Millisecond)
	p, _ := os.FindProcess(child)
	if err := p.Signal(syscall.Signal(0)); err == nil {
		t.Errorf("child %d still alive after Terminate", child)
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	s := newSupervisor(t, supervisor.Options{})

	proc, err := s.Spawn("/data/idx", 4243)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if err := proc.Terminate(); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if proc.Alive() {
		t.Fatal("process reported alive after Terminate")
	}
}

func isAlive(t *testing.T, s *supervisor.Supervisor, index string, port int) bool {
	t.Helper()
	ok, err := s.IsAlive(context.Background(), index, port)
	if err != nil {
		t.Fatalf("IsAlive: %v", err)
	}
	return ok
}

func TestIsAlive_MatchesCommandLine(t *testing.T) {
	s := newSupervisor(t, supervisor.Options{})
	index := filepath.Join(t.TempDir(), "idx")

	proc, err := s.Spawn(index, 4244)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = proc.Terminate() })

	if !isAlive(t, s, index, 4244) {
		t.Fatal("IsAlive = false for running worker")
	}
	if isAlive(t, s, index, 4245) {
		t.Fatal("IsAlive = true for wrong port")
	}
	if isAlive(t, s, index+"-other", 4244) {
		t.Fatal("IsAlive = true for wrong index")
	}

	_ = proc.Terminate()
	if isAlive(t, s, index, 4244) {
		t.Fatal("IsAlive = true after Terminate")
	}
}

func TestSpawn_WritesWorkerLog(t *testing.T) {
	logDir := t.TempDir()
	s := supervisor.NewWithFactory(supervisor.Options{LogDir: logDir}, func(_ string, _ int) *exec.Cmd {
		return exec.Command("sh", "-c", "echo loading index")
	})

	proc, err := s.Spawn("/data/genomes", 4246)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-proc.Exited()
	s.Wait()

	data, err := os.ReadFile(filepath.Join(logDir, "genomes", "output.log"))
	if err != nil {
		t.Fatalf("read worker log: %v", err)
	}
	if !strings.Contains(string(data), "loading index") {
		t.Fatalf("worker log = %q", data)
	}
}

func TestSpawn_ReaperTracked(t *testing.T) {
	s := supervisor.NewWithFactory(supervisor.Options{}, func(_ string, _ int) *exec.Cmd {
		return exec.Command("sleep", "0.1")
	})

	if _, err := s.Spawn("/data/idx", 4247); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait() did not return; reaper goroutine not tracked")
	}
}
