// Package server accepts client connections, decodes one framed request per
// connection and dispatches it to the registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"rdeer/pkg/protocol"
)

const (
	// writeTimeout bounds sending a response to a slow client.
	writeTimeout = 30 * time.Second
	// DefaultReadTimeout bounds how long a client may take to send its
	// request frame.
	DefaultReadTimeout = 30 * time.Second
)

// RequestObserver is notified after every handled request.
type RequestObserver interface {
	ObserveRequest(ev protocol.RequestEvent)
}

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":12800".
	Addr string
	// Version is the server version clients are checked against.
	Version string
	// ReadTimeout overrides DefaultReadTimeout.
	ReadTimeout time.Duration
	Logger      pslog.Logger
}

// Server is the client-facing listener and request dispatcher.
type Server struct {
	addr        string
	version     string
	readTimeout time.Duration
	reg         Registry
	logger      pslog.Logger

	obsMu     sync.RWMutex
	observers []RequestObserver

	mu      sync.Mutex
	ln      net.Listener
	pending map[net.Conn]struct{} // connections still reading their request
	closing bool
	wg      sync.WaitGroup
}

// New creates a Server for reg.
func New(cfg Config, reg Registry) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", protocol.DefaultPort)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Server{
		addr:        addr,
		version:     cfg.Version,
		readTimeout: readTimeout,
		reg:         reg,
		logger:      logger.With("sys", "server"),
		pending:     make(map[net.Conn]struct{}),
	}
}

// AddObserver registers o for every subsequent request.
func (s *Server) AddObserver(o RequestObserver) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Listen binds the listen address. Serve calls it when needed; calling it
// first lets callers learn the bound address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr) //nolint:noctx // bind is instant
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener, drops connections that have not sent a request yet and waits
// for in-flight requests. Registry operations run with a context detached
// from ctx so a request is never cut short halfway.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	s.logger.Info("server.listening", "addr", ln.Addr().String(), "version", s.version)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.dropPending()
	})
	defer stop()

	opCtx := context.WithoutCancel(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("server.accept.error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(opCtx, conn)
		}()
	}

	s.wg.Wait()
	s.logger.Info("server.stopped")
	return nil
}

// handleConn serves exactly one request on conn.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	remote := conn.RemoteAddr().String()

	req, err := s.readRequest(conn)
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, io.EOF):
			// Connected and left without sending a frame, e.g. a port probe.
			s.logger.Debug("server.conn.empty", "remote", remote)
			return
		case errors.Is(err, net.ErrClosed):
			s.logger.Debug("server.conn.dropped", "remote", remote)
			return
		case errors.As(err, &ne) && ne.Timeout():
			s.logger.Debug("server.conn.read_timeout", "remote", remote, "timeout", s.readTimeout)
			return
		}
		resp := protocol.ErrorResponse("", "", err)
		s.reply(conn, remote, &resp)
		s.record(protocol.RequestEvent{Remote: remote, Status: resp.Status, Kind: resp.Kind, Duration: time.Since(start), At: start}, resp.Message())
		return
	}
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}

	resp := s.Handle(ctx, req)
	s.reply(conn, remote, &resp)
	s.record(protocol.RequestEvent{
		ReqID:    req.ReqID,
		Remote:   remote,
		User:     req.User,
		Op:       req.Type,
		Index:    req.Index,
		Status:   resp.Status,
		Kind:     resp.Kind,
		Duration: time.Since(start),
		At:       start,
	}, resp.Message())
}

// readRequest reads the request frame under the read timeout. The
// connection is tracked until the frame is in so shutdown can drop it.
func (s *Server) readRequest(conn net.Conn) (*protocol.Request, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, net.ErrClosed
	}
	s.pending[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, conn)
		s.mu.Unlock()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	req, err := protocol.ReadRequest(conn)
	_ = conn.SetReadDeadline(time.Time{})
	return req, err
}

// dropPending closes every connection still waiting for its request and
// refuses new ones.
func (s *Server) dropPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for c := range s.pending {
		_ = c.Close()
	}
}

func (s *Server) reply(conn net.Conn, remote string, resp *protocol.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(conn, resp); err != nil {
		s.logger.Warn("server.reply.error", "remote", remote, "req_id", resp.ReqID, "error", err)
	}
}

func (s *Server) record(ev protocol.RequestEvent, message string) {
	fields := []any{
		"remote", ev.Remote,
		"req_id", ev.ReqID,
		"user", ev.User,
		"op", ev.Op,
		"index", ev.Index,
		"status", ev.Status,
		"duration_ms", ev.Duration.Milliseconds(),
	}
	if ev.Status == protocol.StatusSuccess {
		s.logger.Info("server.request", fields...)
	} else {
		s.logger.Warn("server.request.error", append(fields, "kind", ev.Kind, "error", message)...)
	}

	s.obsMu.RLock()
	obs := s.observers
	s.obsMu.RUnlock()
	for _, o := range obs {
		o.ObserveRequest(ev)
	}
}
