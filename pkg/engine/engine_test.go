package engine_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rdeer/pkg/engine"
	"rdeer/pkg/engine/enginetest"
)

func startFake(t *testing.T) *enginetest.Server {
	t.Helper()
	srv, err := enginetest.Listen("127.0.0.1:0", "demo")
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, addr string) *engine.Conn {
	t.Helper()
	c, err := engine.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// holdOpen accepts connections and never writes, like a worker that has
// bound its port but is still loading.
func holdOpen(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
	}
}

func TestDial_ReadsGreeting(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())
	if c.Greeting() != engine.MarkerGreeting {
		t.Fatalf("greeting = %q, want %q", c.Greeting(), engine.MarkerGreeting)
	}
}

func TestDial_RefusedIsNotReady(t *testing.T) {
	// Grab a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = engine.Dial(context.Background(), addr, 200*time.Millisecond)
	if !errors.Is(err, engine.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestDial_NoGreetingIsNotReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go holdOpen(ln)

	start := time.Now()
	_, err = engine.Dial(context.Background(), ln.Addr().String(), 150*time.Millisecond)
	if !errors.Is(err, engine.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Dial did not honour timeout: %v", time.Since(start))
	}
}

func TestDial_ContextCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0") //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go holdOpen(ln)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = engine.Dial(ctx, ln.Addr().String(), 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDo_MarkerClassification(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())

	tests := []struct {
		name    string
		cmd     string
		expect  string
		wantErr bool
	}{
		{"index ok", engine.CmdIndex, engine.MarkerIndex, false},
		{"quit ok", engine.CmdQuit, engine.MarkerQuit, false},
		{"wrong marker", engine.CmdIndex, engine.MarkerDone, true},
		{"unknown command", "HELLO", engine.MarkerIndex, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := c.Do(tt.cmd, tt.expect)
			if tt.wantErr {
				var ue *engine.UnexpectedResponseError
				if !errors.As(err, &ue) {
					t.Fatalf("expected UnexpectedResponseError, got %v (reply %q)", err, reply)
				}
				if ue.Want != tt.expect {
					t.Fatalf("Want = %q, expected %q", ue.Want, tt.expect)
				}
				return
			}
			if err != nil {
				t.Fatalf("Do(%q): %v", tt.cmd, err)
			}
			if !strings.HasPrefix(reply, tt.expect) {
				t.Fatalf("reply %q lacks %q", reply, tt.expect)
			}
		})
	}
}

func TestDo_GarbageReply(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())
	srv.SetMode(enginetest.ModeGarbage)

	_, err := c.Do(engine.CmdIndex, engine.MarkerIndex)
	var ue *engine.UnexpectedResponseError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnexpectedResponseError, got %v", err)
	}
}

func TestDo_ClosedConnectionIsEmptyResponse(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())
	srv.SetMode(enginetest.ModeSilent)

	_, err := c.Do(engine.CmdIndex, engine.MarkerIndex)
	if !errors.Is(err, engine.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestDo_StopShutsDownWorker(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())

	if _, err := c.Do(engine.CmdQuit, engine.MarkerQuit); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
	if _, err := c.Do(engine.CmdStop, engine.MarkerStop); err != nil {
		t.Fatalf("STOP: %v", err)
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("fake engine still running after STOP")
	}
}

func TestDo_QueryRoundTrip(t *testing.T) {
	srv := startFake(t)
	c := dial(t, srv.Addr())

	dir := t.TempDir()
	in := filepath.Join(dir, "query.fa")
	out := filepath.Join(dir, "reindeer.out")
	if err := os.WriteFile(in, []byte(">seq1\nACGT\n>seq2\nTTGA\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Do(engine.QueryCommand(in, out, "", "raw"), engine.MarkerDone); err != nil {
		t.Fatalf("query: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	for _, want := range []string{"seq1", "seq2"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("result missing %q:\n%s", want, data)
		}
	}
	if srv.Queries() != 1 {
		t.Fatalf("Queries = %d, want 1", srv.Queries())
	}
}

func TestQueryCommand(t *testing.T) {
	tests := []struct {
		name      string
		threshold string
		want      string
	}{
		{"no threshold", "", "FILE:/t/q.fa:OUTFILE:/t/r.out:FORMAT:raw"},
		{"threshold", "40", "FILE:/t/q.fa:THRESHOLD:40:OUTFILE:/t/r.out:FORMAT:raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.QueryCommand("/t/q.fa", "/t/r.out", tt.threshold, "raw")
			if got != tt.want {
				t.Fatalf("QueryCommand = %q, want %q", got, tt.want)
			}
			q, err := enginetest.ParseQuery(got)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			if q.In != "/t/q.fa" || q.Out != "/t/r.out" || q.Threshold != tt.threshold || q.Format != "raw" {
				t.Fatalf("ParseQuery = %+v", q)
			}
		})
	}
}
