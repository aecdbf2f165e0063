// Package rpc carries PushRecords and PullRecords over framed byte streams.
//
// Each call is one request frame answered by one response frame on the same
// connection. Requests on a connection are served one at a time, in order.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/scenesync/internal/metrics"
	"github.com/roach88/scenesync/internal/service"
	"github.com/roach88/scenesync/internal/wire"
)

var (
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrServerClosed  = errors.New("rpc: server closed")
)

// Handler serves the record replication calls. *service.Service
// implements it.
type Handler interface {
	PushRecords(ctx context.Context, sceneID string, payload []byte) (service.Ack, error)
	PullRecords(ctx context.Context, sceneID string) ([]byte, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLimits(l wire.Limits) ServerOption {
	return func(s *Server) {
		s.limits = l
	}
}

func WithConnIDs(g ConnIDGenerator) ServerOption {
	return func(s *Server) {
		s.ids = g
	}
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithIdleTimeout closes connections that send no request for d. Zero
// disables the timeout.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idle = d
	}
}

// Server accepts connections and dispatches their frames to a Handler.
type Server struct {
	handler Handler
	limits  wire.Limits
	ids     ConnIDGenerator
	idle    time.Duration
	logger  *slog.Logger

	conns *xsync.MapOf[string, net.Conn]
	wg    sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		limits:  wire.DefaultLimits(),
		ids:     UUIDv7Generator{},
		logger:  slog.Default(),
		conns:   xsync.NewMapOf[string, net.Conn](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on a TCP address and serves until ctx ends or Close
// is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or Close is called, then
// returns nil. Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.logger.Info("rpc listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("rpc accept: %w", err)
		}
		id, ok := s.track(conn)
		if !ok {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, id, conn)
		}()
	}
}

// ServeConn serves one connection until the peer closes it, a frame cannot be
// read, or ctx ends. It closes conn before returning. After Close it closes
// conn at once.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	id, ok := s.track(conn)
	if !ok {
		conn.Close()
		return
	}
	defer s.wg.Done()
	s.serveConn(ctx, id, conn)
}

// track registers conn with the server. It holds s.mu so a conn is either
// seen by Close or refused here.
func (s *Server) track(conn net.Conn) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false
	}
	id := s.ids.Generate()
	s.conns.Store(id, conn)
	s.wg.Add(1)
	return id, true
}

func (s *Server) serveConn(ctx context.Context, id string, conn net.Conn) {
	logger := s.logger.With("conn", id)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.conns.Delete(id)
		conn.Close()
		logger.Debug("rpc connection closed")
	}()
	logger.Debug("rpc connection opened", "remote", remoteAddr(conn))

	for {
		if s.idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		req, err := wire.ReadFrame(conn, s.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Warn("rpc read failed", "error", err)
			}
			return
		}
		if req.IsResponse() {
			logger.Warn("rpc dropped unexpected response frame", "message_id", req.Header.MessageID)
			continue
		}

		resp := s.handle(ctx, req)
		if err := wire.WriteFrame(conn, resp, s.limits); err != nil {
			logger.Warn("rpc write failed", "message_id", req.Header.MessageID, "error", err)
			return
		}
	}
}

// Close stops every listener and connection and waits for connection
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.conns.Range(func(_ string, c net.Conn) bool {
		c.Close()
		return true
	})
	s.wg.Wait()
	return nil
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	return s.conns.Size()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(ctx context.Context, req wire.Frame) wire.Frame {
	start := time.Now()
	method := MethodName(req.Header.Method)

	fields, err := s.dispatch(ctx, req)

	flags := wire.FlagIsResponse
	status := "ok"
	if err != nil {
		flags |= wire.FlagIsError
		status = "error"
		fields = append(fields, wire.StringField(wire.FieldError, err.Error()))
		s.logger.Warn("rpc call failed", "method", method, "message_id", req.Header.MessageID, "error", err)
	}
	metrics.RecordRPC(method, status, time.Since(start))

	return wire.Frame{
		Header: wire.Header{
			MessageID: req.Header.MessageID,
			Method:    req.Header.Method,
			Flags:     flags,
		},
		Payload: wire.EncodeFields(fields),
	}
}

// dispatch returns the response fields. A failed push still returns its ack
// fields, since records before a malformed one were applied.
func (s *Server) dispatch(ctx context.Context, req wire.Frame) ([]wire.Field, error) {
	args, err := wire.DecodeFields(req.Payload)
	if err != nil {
		return nil, err
	}

	switch req.Header.Method {
	case wire.MethodPushRecords:
		scene, err := wire.GetString(args, wire.FieldSceneID)
		if err != nil {
			return nil, err
		}
		batch, err := wire.GetBytes(args, wire.FieldPayload)
		if err != nil {
			return nil, err
		}
		ack, err := s.handler.PushRecords(ctx, scene, batch)
		return ackFields(ack), err

	case wire.MethodPullRecords:
		scene, err := wire.GetString(args, wire.FieldSceneID)
		if err != nil {
			return nil, err
		}
		batch, err := s.handler.PullRecords(ctx, scene)
		if err != nil {
			return nil, err
		}
		return []wire.Field{wire.BytesField(wire.FieldPayload, batch)}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, req.Header.Method)
	}
}

func ackFields(a service.Ack) []wire.Field {
	return []wire.Field{
		wire.U32Field(wire.FieldAckApplied, a.Applied),
		wire.U32Field(wire.FieldAckStale, a.Stale),
		wire.U32Field(wire.FieldAckSkipped, a.Skipped),
		wire.U32Field(wire.FieldAckDropped, a.Dropped),
	}
}

func parseAck(fields []wire.Field) (service.Ack, error) {
	var (
		a   service.Ack
		err error
	)
	if a.Applied, err = wire.GetU32(fields, wire.FieldAckApplied); err != nil {
		return service.Ack{}, err
	}
	if a.Stale, err = wire.GetU32(fields, wire.FieldAckStale); err != nil {
		return service.Ack{}, err
	}
	if a.Skipped, err = wire.GetU32(fields, wire.FieldAckSkipped); err != nil {
		return service.Ack{}, err
	}
	if a.Dropped, err = wire.GetU32(fields, wire.FieldAckDropped); err != nil {
		return service.Ack{}, err
	}
	return a, nil
}

// MethodName returns the metric and log label of a method.
func MethodName(m uint32) string {
	switch m {
	case wire.MethodPushRecords:
		return "push"
	case wire.MethodPullRecords:
		return "pull"
	default:
		return "unknown"
	}
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
