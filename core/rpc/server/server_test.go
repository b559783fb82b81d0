package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/searchktools/stack-agent/core/rpc/client"
	"github.com/searchktools/stack-agent/core/rpc/codec"
	"github.com/searchktools/stack-agent/core/stack"
)

type AddArgs struct {
	A, B int
}

type AddReply struct {
	Sum int
}

type arith struct {
	blocked chan struct{}
}

func (a *arith) Add(_ context.Context, args *AddArgs) (*AddReply, error) {
	return &AddReply{Sum: args.A + args.B}, nil
}

func (a *arith) Reject(context.Context, *AddArgs) (*AddReply, error) {
	return nil, stack.Protocol("reject", errors.New("always"))
}

func (a *arith) Block(ctx context.Context, _ *AddArgs) (*AddReply, error) {
	close(a.blocked)
	<-ctx.Done()
	return nil, ctx.Err()
}

func startServer(t *testing.T, opts ...Option) (*Server, *arith, string) {
	t.Helper()
	s := NewServer(opts...)
	svc := &arith{blocked: make(chan struct{})}
	if err := s.Register("Arith", svc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s, svc, ln.Addr().String()
}

func dial(t *testing.T, addr string, opts ...client.Option) *client.Client {
	t.Helper()
	c, err := client.NewClient(addr, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	s, _, addr := startServer(t)
	c := dial(t, addr)
	ctx := context.Background()

	var reply AddReply
	if err := c.Call(ctx, "Arith", "Add", &AddArgs{A: 2, B: 3}, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Sum != 5 {
		t.Errorf("Expected 5, got %d", reply.Sum)
	}

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	snap := s.Metrics().Snapshot()
	if len(snap) != 1 || snap[0].Name != "Arith.Add" || snap[0].Count != 1 {
		t.Errorf("Unexpected metrics %+v", snap)
	}
}

func TestCallErrorKeepsKind(t *testing.T) {
	_, _, addr := startServer(t)
	c := dial(t, addr)

	err := c.Call(context.Background(), "Arith", "Reject", &AddArgs{}, &AddReply{})
	if stack.KindOf(err) != stack.KindProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}

	err = c.Call(context.Background(), "Arith", "Missing", &AddArgs{}, &AddReply{})
	if err == nil || stack.KindOf(err) != "" {
		t.Fatalf("Expected unclassified error, got %v", err)
	}
}

func TestShutdownCancelsBlockedCall(t *testing.T) {
	s, svc, addr := startServer(t)
	c := dial(t, addr)

	result := make(chan error, 1)
	go func() {
		result <- c.Call(context.Background(), "Arith", "Block", &AddArgs{}, &AddReply{})
	}()
	<-svc.blocked

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-result:
		if err == nil {
			t.Error("Expected blocked call to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Blocked call did not return after Shutdown")
	}
}

type wireArgs struct{ AddArgs }

func TestProtobufCodecNeedsWireTypes(t *testing.T) {
	_, _, addr := startServer(t, WithCodec(&codec.ProtobufCodec{}))
	c := dial(t, addr, client.WithClientCodec(&codec.ProtobufCodec{}))

	err := c.Call(context.Background(), "Arith", "Add", &wireArgs{}, &AddReply{})
	if err == nil {
		t.Fatal("Expected encode error for a plain struct")
	}
}

func TestMaxConnsLimitsAccepts(t *testing.T) {
	_, _, addr := startServer(t, WithMaxConns(1))
	first := dial(t, addr)
	if err := first.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	second := dial(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var reply AddReply
	if err := second.Call(ctx, "Arith", "Add", &AddArgs{A: 1}, &reply); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected second connection to wait, got %v", err)
	}

	first.Close()
	if err := second.Call(context.Background(), "Arith", "Add", &AddArgs{A: 1}, &reply); err != nil {
		t.Fatalf("Call after slot freed: %v", err)
	}
}
