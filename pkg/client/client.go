// Package client talks to an rdeer server: one TCP connection per request,
// framed JSON in both directions.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"rdeer/pkg/protocol"
)

// DefaultDialTimeout bounds connecting to the server.
const DefaultDialTimeout = 5 * time.Second

// Client sends requests to one server.
type Client struct {
	addr        string
	version     string
	user        string
	dialTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithUser tags every request with the caller's user name.
func WithUser(user string) Option {
	return func(c *Client) { c.user = user }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// New creates a Client for the server at addr. version is sent with every
// request and must share the server's major version.
func New(addr, version string, opts ...Option) *Client {
	c := &Client{addr: addr, version: version, dialTimeout: DefaultDialTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Do sends req and returns the server's response. Version, user and a
// request id are filled in when empty. An error response is returned as a
// response, not as an error; see Call for the typed-error form.
func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if req.Version == "" {
		req.Version = c.version
	}
	if req.User == "" {
		req.User = c.user
	}
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type, err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive %s: %w", req.Type, err)
	}
	return resp, nil
}

// Call is Do that turns an error response into a *protocol.RemoteError.
func (c *Client) Call(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := protocol.ErrorFromResponse(resp, req.Index); err != nil {
		return resp, err
	}
	return resp, nil
}

// List returns every index known to the server.
func (c *Client) List(ctx context.Context) ([]protocol.IndexInfo, error) {
	resp, err := c.Call(ctx, protocol.Request{Type: string(protocol.OpList)})
	if err != nil {
		return nil, err
	}
	var out []protocol.IndexInfo
	if err := resp.DecodeData(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the status of index.
func (c *Client) Status(ctx context.Context, index string) (protocol.Status, error) {
	resp, err := c.Call(ctx, protocol.Request{Type: string(protocol.OpStatus), Index: index})
	if err != nil {
		return "", err
	}
	return protocol.Status(resp.Message()), nil
}

// Start launches the worker for index and returns its handle.
func (c *Client) Start(ctx context.Context, index string) (protocol.IndexInfo, error) {
	resp, err := c.Call(ctx, protocol.Request{Type: string(protocol.OpStart), Index: index})
	if err != nil {
		return protocol.IndexInfo{}, err
	}
	var info protocol.IndexInfo
	if err := resp.DecodeData(&info); err != nil {
		return protocol.IndexInfo{}, err
	}
	return info, nil
}

// Stop gracefully stops the worker for index.
func (c *Client) Stop(ctx context.Context, index string) (string, error) {
	return c.message(ctx, protocol.OpStop, index)
}

// Kill terminates the worker for index.
func (c *Client) Kill(ctx context.Context, index string) (string, error) {
	return c.message(ctx, protocol.OpKill, index)
}

// Check probes the worker for index.
func (c *Client) Check(ctx context.Context, index string) (string, error) {
	return c.message(ctx, protocol.OpCheck, index)
}

// Query sends a FASTA query to index and returns the engine's result.
func (c *Client) Query(ctx context.Context, index, query, threshold, format string) (string, error) {
	resp, err := c.Call(ctx, protocol.Request{
		Type:      string(protocol.OpQuery),
		Index:     index,
		Query:     query,
		Threshold: threshold,
		Format:    format,
	})
	if err != nil {
		return "", err
	}
	return resp.Message(), nil
}

func (c *Client) message(ctx context.Context, op protocol.Op, index string) (string, error) {
	resp, err := c.Call(ctx, protocol.Request{Type: string(op), Index: index})
	if err != nil {
		return "", err
	}
	return resp.Message(), nil
}
