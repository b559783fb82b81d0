package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/searchktools/stack-agent/core/observability"
	"github.com/searchktools/stack-agent/core/rpc/codec"
	"github.com/searchktools/stack-agent/core/rpc/protocol"
	"github.com/searchktools/stack-agent/core/rpc/registry"
	"github.com/searchktools/stack-agent/internal/logging"
)

var (
	ErrServerClosed = errors.New("server closed")
)

// Server represents an RPC server. Requests on one connection are served
// in order; each connection gets its own goroutine.
type Server struct {
	registry    *registry.ServiceRegistry
	codec       codec.Codec
	metrics     *observability.CallMonitor
	maxConns    int
	idleTimeout time.Duration
	log         *zap.Logger

	// baseCtx is cancelled by Shutdown so blocked calls return.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.RWMutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	activeReqs atomic.Int64
	shutdown   atomic.Bool
	wg         sync.WaitGroup
}

// NewServer creates a new RPC server
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:    registry.NewRegistry(),
		codec:       &codec.JSONCodec{},
		metrics:     observability.NewCallMonitor(),
		idleTimeout: 5 * time.Minute,
		log:         logging.Named("rpc"),
		baseCtx:     ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Option configures a server
type Option func(*Server)

// WithCodec sets the codec
func WithCodec(c codec.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// WithMaxConns caps concurrent connections. Zero means no cap.
func WithMaxConns(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection may sit between requests.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithMetrics shares a call monitor with the caller.
func WithMetrics(m *observability.CallMonitor) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Register registers a service
func (s *Server) Register(serviceName string, service interface{}) error {
	return s.registry.Register(serviceName, service)
}

// Metrics returns the server's call monitor.
func (s *Server) Metrics() *observability.CallMonitor {
	return s.metrics
}

// Listen binds addr without serving yet.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return ln, nil
}

// ListenAndServe starts the RPC server
func (s *Server) ListenAndServe(addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on the listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	defer ln.Close()

	s.log.Info("rpc server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("codec", s.codec.Name()),
		zap.Int("max_conns", s.maxConns))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept error", zap.Error(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// trackConn tracks active connections
func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.shutdown.Load() {
			conn.Close()
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn handles a client connection
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.trackConn(conn, false)
	}()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("connection opened")

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				log.Warn("read frame failed", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case protocol.TypeRequest:
			err = s.handleRequest(conn, frame)
		case protocol.TypePing:
			err = protocol.WriteFrame(conn, protocol.NewFrame(protocol.TypePong, frame.RequestID))
		default:
			log.Warn("unknown frame type", zap.Uint8("type", frame.Type))
		}
		if err != nil {
			log.Warn("write response failed", zap.Error(err))
			return
		}
	}
}

// handleRequest serves one request and writes its response or error frame.
func (s *Server) handleRequest(conn net.Conn, frame *protocol.Frame) error {
	s.activeReqs.Add(1)
	defer s.activeReqs.Add(-1)

	meta, err := protocol.DecodeMetadata(frame.Metadata)
	if err != nil {
		return s.sendError(conn, frame.RequestID, err)
	}

	_, method, err := s.registry.GetMethod(meta.Service, meta.Method)
	if err != nil {
		return s.sendError(conn, frame.RequestID, err)
	}

	arg := method.NewArg()
	if err := s.codec.Decode(frame.Payload, arg); err != nil {
		return s.sendError(conn, frame.RequestID, fmt.Errorf("decode arg error: %w", err))
	}

	done := s.metrics.Start(meta.Service + "." + meta.Method)
	reply, err := s.registry.Call(s.baseCtx, meta.Service, meta.Method, arg)
	done(err)
	if err != nil {
		s.log.Debug("call failed",
			zap.String("service", meta.Service),
			zap.String("method", meta.Method),
			zap.Error(err))
		return s.sendError(conn, frame.RequestID, err)
	}

	replyData, err := s.codec.Encode(reply)
	if err != nil {
		return s.sendError(conn, frame.RequestID, fmt.Errorf("encode reply error: %w", err))
	}

	resp := protocol.NewFrame(protocol.TypeResponse, frame.RequestID)
	resp.Payload = replyData
	if err := protocol.WriteFrame(conn, resp); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return s.sendError(conn, frame.RequestID, err)
		}
		return err
	}
	return nil
}

// sendError sends an error response
func (s *Server) sendError(conn net.Conn, requestID uint32, err error) error {
	f := protocol.NewFrame(protocol.TypeError, requestID)
	f.Payload = protocol.EncodeError(err)
	return protocol.WriteFrame(conn, f)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, cancels in-flight calls, closes every
// connection and waits for their goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.cancel()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("rpc server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	numConns := len(s.conns)
	s.mu.RUnlock()

	calls, errs := s.metrics.Totals()
	return map[string]interface{}{
		"connections":     numConns,
		"active_requests": s.activeReqs.Load(),
		"services":        len(s.registry.ListServices()),
		"calls":           calls,
		"errors":          errs,
	}
}
