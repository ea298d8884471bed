// Package engine speaks the reindeer_socket control protocol: single-line
// ASCII commands over a dedicated TCP connection per worker, each answered
// by one reply that must start with a known marker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Reply markers sent by the worker.
const (
	MarkerGreeting = " * HELP"
	MarkerIndex    = "INDEX"
	MarkerDone     = "DONE"
	MarkerQuit     = "I'm leaving, see you next time !"
	MarkerStop     = "See you soon"
)

// Commands understood by the worker.
const (
	CmdIndex = "INDEX"
	CmdQuit  = "QUIT"
	CmdStop  = "STOP"
)

// maxReply bounds a single reply read. The worker writes results to a file,
// so replies are short status lines.
const maxReply = 64 << 10

var (
	// ErrNotReady means the worker is not accepting connections or has not
	// greeted yet. It is expected while an index is loading.
	ErrNotReady = errors.New("worker not ready")

	// ErrEmptyResponse means the worker closed the connection or replied
	// with nothing, which usually means it crashed.
	ErrEmptyResponse = errors.New("empty response from worker")
)

// UnexpectedResponseError is returned when a reply lacks the expected marker.
type UnexpectedResponseError struct {
	Command string
	Want    string
	Got     string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unknown message returned by worker for %s (want %q, got %q)", e.Command, e.Want, e.Got)
}

// Conn is an open control connection to a worker that has completed the
// greeting. Commands on one Conn are serialized.
type Conn struct {
	mu       sync.Mutex
	conn     net.Conn
	greeting string
}

// Dial connects to a worker and waits up to timeout for its greeting line.
// A refused connection or a missing greeting yields ErrNotReady. Cancelling
// ctx aborts both the connect and the greeting read.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNotReady, addr, err)
	}

	deadline, _ := dctx.Deadline()
	_ = nc.SetReadDeadline(deadline)
	stop := context.AfterFunc(dctx, func() { _ = nc.SetReadDeadline(time.Now()) })
	buf := make([]byte, maxReply)
	n, err := nc.Read(buf)
	stop()
	if err != nil || n == 0 {
		_ = nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no greeting from %s", ErrNotReady, addr)
	}
	_ = nc.SetReadDeadline(time.Time{})

	return &Conn{conn: nc, greeting: strings.TrimRight(string(buf[:n]), "\r\n")}, nil
}

// Greeting returns the first line the worker sent after connecting.
func (c *Conn) Greeting() string {
	return c.greeting
}

// Do sends cmd and reads one reply, which must start with expect. The read
// blocks without a local timeout; callers bound it with their own deadline
// (see SetDeadline) or by closing the Conn.
func (c *Conn) Do(cmd, expect string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("send %s: %w", commandName(cmd), err)
	}
	buf := make([]byte, maxReply)
	n, err := c.conn.Read(buf)
	if n == 0 {
		if err != nil && !isEOF(err) {
			return "", fmt.Errorf("read %s reply: %w", commandName(cmd), err)
		}
		return "", ErrEmptyResponse
	}
	reply := string(buf[:n])
	if !strings.HasPrefix(reply, expect) {
		return reply, &UnexpectedResponseError{Command: commandName(cmd), Want: expect, Got: reply}
	}
	return reply, nil
}

// SetDeadline bounds subsequent Do calls. A zero value removes the bound.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close shuts down the control connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// QueryCommand builds the bulk query command for the worker.
func QueryCommand(inFile, outFile, threshold, format string) string {
	var b strings.Builder
	b.WriteString("FILE:")
	b.WriteString(inFile)
	if threshold != "" {
		b.WriteString(":THRESHOLD:")
		b.WriteString(threshold)
	}
	b.WriteString(":OUTFILE:")
	b.WriteString(outFile)
	b.WriteString(":FORMAT:")
	b.WriteString(format)
	return b.String()
}

// commandName returns a short label for logs and errors; query commands
// embed temp paths that are noise in messages.
func commandName(cmd string) string {
	if strings.HasPrefix(cmd, "FILE:") {
		return "QUERY"
	}
	return cmd
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
