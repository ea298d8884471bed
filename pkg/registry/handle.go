package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"rdeer/pkg/engine"
	"rdeer/pkg/protocol"
	"rdeer/pkg/supervisor"
)

// state is one of availableState, loadingState, runningState or errorState.
// Each variant carries exactly the resources its status allows.
type state interface {
	status() protocol.Status
}

type availableState struct{}

type loadingState struct {
	port int
	proc *supervisor.Process
}

type runningState struct {
	port int
	proc *supervisor.Process
	conn *engine.Conn
}

// errorState keeps the process, if any, so it can be terminated before a
// restart.
type errorState struct {
	proc *supervisor.Process
}

func (availableState) status() protocol.Status { return protocol.StatusAvailable }
func (loadingState) status() protocol.Status   { return protocol.StatusLoading }
func (runningState) status() protocol.Status   { return protocol.StatusRunning }
func (errorState) status() protocol.Status     { return protocol.StatusError }

// Info is a read-only snapshot of a worker handle.
type Info struct {
	Name   string          `json:"name"`
	Status protocol.Status `json:"status"`
	Port   int             `json:"port,omitempty"`
	PID    int             `json:"pid,omitempty"`
	Since  time.Time       `json:"since"`
}

// Wire converts the snapshot to its protocol form.
func (i Info) Wire() protocol.IndexInfo {
	return protocol.IndexInfo{Name: i.Name, Status: i.Status, Port: i.Port}
}

// handle is the live counterpart of one index directory.
//
// mu is held for the whole of an operation on the index, so operations on
// the same name are linearized. snapMu guards snap, which readers use so
// that list and status never wait behind a long query, and conn, which lets
// a removal interrupt the operation holding mu.
type handle struct {
	mu      sync.Mutex
	name    string
	path    string
	st      state
	removed atomic.Bool

	snapMu sync.RWMutex
	snap   Info
	conn   *engine.Conn
}

func newHandle(name, path string, now time.Time) *handle {
	h := &handle{name: name, path: path, st: availableState{}}
	h.snap = Info{Name: name, Status: protocol.StatusAvailable, Since: now}
	return h
}

// set replaces the state and refreshes the snapshot. Callers hold mu.
func (h *handle) set(st state, now time.Time) {
	h.st = st
	info := Info{Name: h.name, Status: st.status(), Since: now}
	var conn *engine.Conn
	switch s := st.(type) {
	case loadingState:
		info.Port = s.port
		info.PID = s.proc.Pid()
	case runningState:
		info.Port = s.port
		info.PID = s.proc.Pid()
		conn = s.conn
	case errorState:
		if s.proc != nil {
			info.PID = s.proc.Pid()
		}
	}
	h.snapMu.Lock()
	h.snap = info
	h.conn = conn
	h.snapMu.Unlock()
}

func (h *handle) info() Info {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	return h.snap
}

// interrupt closes the control connection without taking mu, so an
// operation blocked on the worker returns with an error.
func (h *handle) interrupt() {
	h.snapMu.RLock()
	c := h.conn
	h.snapMu.RUnlock()
	if c != nil {
		_ = c.Close()
	}
}

// release closes the control connection and terminates the worker held by
// the current state. Callers hold mu.
func (h *handle) release() {
	switch s := h.st.(type) {
	case loadingState:
		_ = s.proc.Terminate()
	case runningState:
		_ = s.conn.Close()
		_ = s.proc.Terminate()
	case errorState:
		if s.proc != nil {
			_ = s.proc.Terminate()
		}
	}
}
