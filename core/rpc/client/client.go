package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/rpc/codec"
	"github.com/searchktools/stack-agent/core/rpc/protocol"
	"github.com/searchktools/stack-agent/internal/logging"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrTimeout      = errors.New("request timeout")
)

// Client represents an RPC client. Calls may be issued from many
// goroutines; responses are matched by request ID.
type Client struct {
	conn      net.Conn
	codec     codec.Codec
	log       *zap.Logger
	reqID     atomic.Uint32
	pending   sync.Map // requestID -> *Call
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Call represents an active RPC call
type Call struct {
	Service string
	Method  string
	Args    interface{}
	Reply   interface{}
	Error   error
	Done    chan *Call
}

// NewClient dials addr and starts the receive loop.
func NewClient(addr string, opts ...Option) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	return NewClientConn(conn, opts...), nil
}

// NewClientConn wraps an established connection.
func NewClientConn(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:  conn,
		codec: &codec.JSONCodec{},
		log:   logging.Named("rpc.client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.receive()
	return c
}

// Option configures a client
type Option func(*Client)

// WithClientCodec sets the codec
func WithClientCodec(c codec.Codec) Option {
	return func(client *Client) {
		client.codec = c
	}
}

// Call makes a synchronous RPC call
func (c *Client) Call(ctx context.Context, service, method string, args, reply interface{}) error {
	call := &Call{
		Service: service,
		Method:  method,
		Args:    args,
		Reply:   reply,
		Done:    make(chan *Call, 1),
	}

	c.Go(call)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case call := <-call.Done:
		return call.Error
	}
}

// Go makes an asynchronous RPC call
func (c *Client) Go(call *Call) *Call {
	if call.Done == nil {
		call.Done = make(chan *Call, 1)
	}

	requestID := c.reqID.Add(1)
	c.pending.Store(requestID, call)

	fail := func(err error) *Call {
		c.pending.Delete(requestID)
		call.Error = err
		call.done()
		return call
	}

	metaData, err := protocol.EncodeMetadata(call.Service, call.Method)
	if err != nil {
		return fail(err)
	}
	payload, err := c.codec.Encode(call.Args)
	if err != nil {
		return fail(fmt.Errorf("encode args error: %w", err))
	}

	frame := protocol.NewFrame(protocol.TypeRequest, requestID)
	frame.Metadata = metaData
	frame.Payload = payload

	if err := c.send(frame); err != nil {
		return fail(err)
	}
	return call
}

// send sends a frame to the server
func (c *Client) send(frame *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	return protocol.WriteFrame(c.conn, frame)
}

// receive reads responses until the connection fails.
func (c *Client) receive() {
	for {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Debug("receive loop ended", zap.Error(err))
			}
			c.Close()
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame handles a received frame
func (c *Client) handleFrame(frame *protocol.Frame) {
	val, ok := c.pending.LoadAndDelete(frame.RequestID)
	if !ok {
		c.log.Warn("unexpected response", zap.Uint32("request_id", frame.RequestID))
		return
	}
	call := val.(*Call)

	switch frame.Type {
	case protocol.TypeResponse:
		if err := c.codec.Decode(frame.Payload, call.Reply); err != nil {
			call.Error = fmt.Errorf("decode reply error: %w", err)
		}
	case protocol.TypeError:
		call.Error = protocol.DecodeError(frame.Payload)
	case protocol.TypePong:
	default:
		call.Error = fmt.Errorf("unexpected frame type: %d", frame.Type)
	}

	call.done()
}

// done completes a call
func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
	}
}

// Ping sends a ping to the server
func (c *Client) Ping(ctx context.Context) error {
	requestID := c.reqID.Add(1)
	call := &Call{Done: make(chan *Call, 1)}
	c.pending.Store(requestID, call)

	if err := c.send(protocol.NewFrame(protocol.TypePing, requestID)); err != nil {
		c.pending.Delete(requestID)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case <-ctx.Done():
		c.pending.Delete(requestID)
		return ErrTimeout
	case <-call.Done:
		return call.Error
	}
}

// Close closes the client connection and fails every pending call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = c.conn.Close()

		c.pending.Range(func(key, value interface{}) bool {
			call := value.(*Call)
			call.Error = ErrClientClosed
			call.done()
			c.pending.Delete(key)
			return true
		})
	})
	return err
}
