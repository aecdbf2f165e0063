package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/roach88/scenesync/internal/service"
	"github.com/roach88/scenesync/internal/wire"
)

var (
	ErrClientClosed       = errors.New("rpc: client closed")
	ErrUnexpectedResponse = errors.New("rpc: unexpected response")
)

// RemoteError is a failure reported by the server in an error frame.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: remote error: %s", e.Method, e.Message)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithClientLimits(l wire.Limits) ClientOption {
	return func(c *Client) {
		c.limits = l
	}
}

// WithIDSource sets where request message ids come from.
func WithIDSource(ids IDSource) ClientOption {
	return func(c *Client) {
		c.ids = ids
	}
}

// WithCallTimeout bounds calls whose context has no deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client issues calls over one connection. Calls are serialized; it is safe
// for concurrent use. After a transport failure the connection is closed and
// every later call returns ErrClientClosed.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	ids     IDSource
	limits  wire.Limits
	timeout time.Duration
	closed  bool
}

// Dial connects to a server over TCP.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc dial %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		ids:     NewClock(),
		limits:  wire.DefaultLimits(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push sends a record batch to a scene. When the server rejects part of a
// malformed batch the returned Ack still counts the records it applied and
// the error is a *RemoteError.
func (c *Client) Push(ctx context.Context, sceneID string, batch []byte) (service.Ack, error) {
	resp, err := c.call(ctx, wire.MethodPushRecords, []wire.Field{
		wire.StringField(wire.FieldSceneID, sceneID),
		wire.BytesField(wire.FieldPayload, batch),
	})
	if resp == nil {
		return service.Ack{}, err
	}
	ack, perr := parseAck(resp)
	switch {
	case perr != nil && err != nil:
		// Error frames sent before any record ran carry no counts.
		return service.Ack{}, err
	case perr != nil:
		return service.Ack{}, perr
	}
	return ack, err
}

// Pull drains a scene's outgoing records from the server as a batch.
func (c *Client) Pull(ctx context.Context, sceneID string) ([]byte, error) {
	resp, err := c.call(ctx, wire.MethodPullRecords, []wire.Field{
		wire.StringField(wire.FieldSceneID, sceneID),
	})
	if err != nil {
		return nil, err
	}
	batch, err := wire.GetBytes(resp, wire.FieldPayload)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		batch = []byte{}
	}
	return batch, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// call runs one request/response exchange. On a remote error it returns the
// response fields together with a *RemoteError.
func (c *Client) call(ctx context.Context, method uint32, args []wire.Field) ([]wire.Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	id := c.ids.Next()
	req := wire.Frame{
		Header:  wire.Header{MessageID: id, Method: method},
		Payload: wire.EncodeFields(args),
	}
	if err := wire.WriteFrame(c.conn, req, c.limits); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return nil, err
		}
		return nil, c.fail(ctx, fmt.Errorf("rpc %s: write: %w", MethodName(method), err))
	}

	resp, err := wire.ReadFrame(c.conn, c.limits)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("rpc %s: read: %w", MethodName(method), err))
	}
	if !resp.IsResponse() || resp.Header.MessageID != id || resp.Header.Method != method {
		return nil, c.fail(ctx, fmt.Errorf("%w: message %d method %d", ErrUnexpectedResponse, resp.Header.MessageID, resp.Header.Method))
	}

	fields, err := wire.DecodeFields(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", MethodName(method), err)
	}
	if resp.IsError() {
		msg, _ := wire.GetString(fields, wire.FieldError)
		return fields, &RemoteError{Method: MethodName(method), Message: msg}
	}
	return fields, nil
}

// fail closes the connection, whose stream position is now unknown. A
// cancelled context takes precedence over the I/O error it caused.
func (c *Client) fail(ctx context.Context, err error) error {
	c.closed = true
	c.conn.Close()
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
