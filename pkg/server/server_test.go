package server_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"rdeer/pkg/client"
	"rdeer/pkg/engine/enginetest"
	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
	"rdeer/pkg/server"
	"rdeer/pkg/supervisor"
	"rdeer/pkg/watcher"
)

const testVersion = "2.0.8"

func TestMain(m *testing.M) {
	enginetest.RunIfWorker()
	os.Exit(m.Run())
}

func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// stubRegistry answers every operation from canned values.
type stubRegistry struct {
	infos []registry.Info
	err   error
	query registry.QueryRequest
}

func (s *stubRegistry) List() []registry.Info { return s.infos }
func (s *stubRegistry) Status(string) (protocol.Status, error) {
	return protocol.StatusAvailable, s.err
}

func (s *stubRegistry) Start(_ context.Context, name string) (registry.Info, error) {
	return registry.Info{Name: name, Status: protocol.StatusLoading, Port: 4000}, s.err
}
func (s *stubRegistry) Stop(context.Context, string) error  { return s.err }
func (s *stubRegistry) Kill(context.Context, string) error  { return s.err }
func (s *stubRegistry) Check(context.Context, string) error { return s.err }
func (s *stubRegistry) Query(_ context.Context, _ string, q registry.QueryRequest) (string, error) {
	s.query = q
	return "seq_name\tdemo\n", s.err
}

func TestHandle_RejectsBeforeRegistry(t *testing.T) {
	srv := server.New(server.Config{Version: testVersion}, &stubRegistry{err: errors.New("must not be called")})
	ctx := context.Background()

	tests := []struct {
		name string
		req  protocol.Request
		kind protocol.ErrorKind
	}{
		{"missing version", protocol.Request{Type: "list"}, protocol.KindVersion},
		{"major mismatch", protocol.Request{Type: "list", Version: "1.4.0"}, protocol.KindVersion},
		{"garbage version", protocol.Request{Type: "list", Version: "banana"}, protocol.KindVersion},
		{"unknown op", protocol.Request{Type: "reboot", Version: testVersion}, protocol.KindUnknownOp},
		{"missing index", protocol.Request{Type: "start", Version: testVersion}, protocol.KindBadRequest},
		{"empty query", protocol.Request{Type: "query", Index: "demo", Version: testVersion}, protocol.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.Handle(ctx, &tt.req)
			if resp.Status != protocol.StatusFailed {
				t.Fatalf("status = %q, want error", resp.Status)
			}
			if resp.Kind != tt.kind {
				t.Fatalf("kind = %q, want %q (%s)", resp.Kind, tt.kind, resp.Message())
			}
			if !strings.HasPrefix(resp.Message(), "Error: ") {
				t.Fatalf("message = %q", resp.Message())
			}
		})
	}
}

func TestHandle_Success(t *testing.T) {
	stub := &stubRegistry{infos: []registry.Info{{Name: "a", Status: protocol.StatusRunning, Port: 4001}}}
	srv := server.New(server.Config{Version: testVersion}, stub)
	ctx := context.Background()

	resp := srv.Handle(ctx, &protocol.Request{Type: "list", Version: "2.1.0"})
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("list: %s", resp.Message())
	}
	var list []protocol.IndexInfo
	if err := resp.DecodeData(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "a" || list[0].Port != 4001 {
		t.Fatalf("list = %+v", list)
	}

	resp = srv.Handle(ctx, &protocol.Request{Type: "query", Index: "a", Query: ">s\nAC\n", Threshold: "50", Version: testVersion})
	if resp.Status != protocol.StatusSuccess || !strings.Contains(resp.Message(), "seq_name") {
		t.Fatalf("query: %+v", resp)
	}
	if stub.query.Threshold != "50" || stub.query.Query != ">s\nAC\n" {
		t.Fatalf("query forwarded as %+v", stub.query)
	}
}

func TestHandle_RegistryErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind protocol.ErrorKind
	}{
		{&protocol.NotFoundError{Index: "x"}, protocol.KindNotFound},
		{&protocol.AlreadyActiveError{Index: "x", Status: "running"}, protocol.KindAlreadyActive},
		{&protocol.SpawnError{Index: "x", Err: errors.New("exec")}, protocol.KindSpawn},
		{errors.New("disk on fire"), protocol.KindInternal},
	}
	for _, tt := range tests {
		srv := server.New(server.Config{Version: testVersion}, &stubRegistry{err: tt.err})
		resp := srv.Handle(context.Background(), &protocol.Request{Type: "start", Index: "x", Version: testVersion})
		if resp.Kind != tt.kind {
			t.Fatalf("%v: kind = %q, want %q", tt.err, resp.Kind, tt.kind)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.RequestEvent
}

func (r *recorder) ObserveRequest(ev protocol.RequestEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []protocol.RequestEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.RequestEvent(nil), r.events...)
}

// serve starts a Server on a free port and returns its address.
func serve(t *testing.T, reg server.Registry) (string, *recorder) {
	t.Helper()
	srv := server.New(server.Config{Addr: "127.0.0.1:0", Version: testVersion}, reg)
	rec := &recorder{}
	srv.AddObserver(rec)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr(), rec
}

func TestServe_DecodeError(t *testing.T) {
	addr, rec := serve(t, &stubRegistry{})

	conn, err := net.Dial("tcp", addr) //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte("{not json")
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := conn.Write(append(hdr, payload...)); err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Status != protocol.StatusFailed || resp.Kind != protocol.KindDecode {
		t.Fatalf("resp = %+v", resp)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second)
}

func TestServe_EmptyConnectionIsIgnored(t *testing.T) {
	addr, rec := serve(t, &stubRegistry{})

	conn, err := net.Dial("tcp", addr) //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("recorded %d requests for an empty connection", n)
	}
}

func TestServe_CancelDropsIdleConnection(t *testing.T) {
	srv := server.New(server.Config{Addr: "127.0.0.1:0", Version: testVersion}, &stubRegistry{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr()) //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// Let the server accept and start reading.
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return with an idle connection open")
	}
}

func TestServe_ReadTimeoutClosesSilentClient(t *testing.T) {
	srv := server.New(server.Config{
		Addr:        "127.0.0.1:0",
		Version:     testVersion,
		ReadTimeout: 100 * time.Millisecond,
	}, &stubRegistry{})
	rec := &recorder{}
	srv.AddObserver(rec)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", srv.Addr()) //nolint:noctx // test
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("Read = %d, %v; want the server to hang up", n, err)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("recorded %d requests for a silent client", got)
	}
}

func TestServe_RecordsRequests(t *testing.T) {
	addr, rec := serve(t, &stubRegistry{})
	c := client.New(addr, testVersion, client.WithUser("alice"))

	if _, err := c.List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second)
	ev := rec.snapshot()[0]
	if ev.Op != "list" || ev.User != "alice" || ev.Status != protocol.StatusSuccess || ev.ReqID == "" {
		t.Fatalf("event = %+v", ev)
	}
}

// stack wires a real registry, watcher and server around the fake engine.
func stack(t *testing.T, names ...string) *client.Client {
	t.Helper()
	root := t.TempDir()
	for _, n := range names {
		if _, err := enginetest.MakeIndex(root, n); err != nil {
			t.Fatal(err)
		}
	}
	sup := supervisor.NewWithFactory(supervisor.Options{TerminateGrace: time.Second}, enginetest.Factory(100*time.Millisecond))
	reg := registry.New(registry.Config{Root: root, TmpDir: t.TempDir(), ProbeTimeout: 500 * time.Millisecond}, sup)
	w := watcher.New(watcher.Config{Root: root, Interval: 50 * time.Millisecond}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	wdone := make(chan struct{})
	go func() {
		defer close(wdone)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-wdone
		_ = reg.Shutdown(context.Background())
		sup.Wait()
	})

	addr, _ := serve(t, reg)
	waitFor(t, func() bool { return len(reg.List()) == len(names) }, 5*time.Second)
	return client.New(addr, testVersion)
}

func TestScenario_StartQueryStop(t *testing.T) {
	c := stack(t, "demo")
	ctx := context.Background()

	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "demo" || list[0].Status != protocol.StatusAvailable {
		t.Fatalf("list = %+v", list)
	}

	info, err := c.Start(ctx, "demo")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Status != protocol.StatusLoading || info.Port == 0 {
		t.Fatalf("start returned %+v", info)
	}

	waitFor(t, func() bool {
		_, err := c.Check(ctx, "demo")
		return err == nil
	}, 10*time.Second)
	if st, _ := c.Status(ctx, "demo"); st != protocol.StatusRunning {
		t.Fatalf("status after check = %s", st)
	}

	out, err := c.Query(ctx, "demo", ">q1\nACGT\n", "", "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "q1") {
		t.Fatalf("query output = %q", out)
	}

	if _, err := c.Stop(ctx, "demo"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st, _ := c.Status(ctx, "demo"); st != protocol.StatusAvailable {
		t.Fatalf("status after stop = %s", st)
	}

	// The port is free again for a later start.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.Port))) //nolint:noctx // test
	if err != nil {
		t.Fatalf("port %d still bound after stop: %v", info.Port, err)
	}
	_ = ln.Close()
}

func TestScenario_UnknownIndex(t *testing.T) {
	c := stack(t, "demo")

	_, err := c.Start(context.Background(), "missing")
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	list, _ := c.List(context.Background())
	if len(list) != 1 || list[0].Status != protocol.StatusAvailable {
		t.Fatalf("registry changed: %+v", list)
	}
}

func TestScenario_DoubleStart(t *testing.T) {
	c := stack(t, "demo")
	ctx := context.Background()

	if _, err := c.Start(ctx, "demo"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := c.Start(ctx, "demo")
	var aa *protocol.AlreadyActiveError
	if !errors.As(err, &aa) {
		t.Fatalf("expected AlreadyActiveError, got %v", err)
	}
	list, _ := c.List(ctx)
	active := 0
	for _, i := range list {
		if i.Status == protocol.StatusLoading || i.Status == protocol.StatusRunning {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active handles = %d, want 1 (%+v)", active, list)
	}
}

func TestScenario_KillTwice(t *testing.T) {
	c := stack(t, "demo")
	ctx := context.Background()

	if _, err := c.Start(ctx, "demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Kill(ctx, "demo"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	_, err := c.Kill(ctx, "demo")
	var na *protocol.NotActiveError
	if !errors.As(err, &na) {
		t.Fatalf("expected NotActiveError, got %v", err)
	}
}
