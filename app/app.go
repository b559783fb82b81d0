// Package app wires the stack library, the reactor registry and the RPC
// surface into one agent process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/stack-agent/config"
	"github.com/searchktools/stack-agent/core/agent"
	"github.com/searchktools/stack-agent/core/registry"
	"github.com/searchktools/stack-agent/core/rpc/codec"
	"github.com/searchktools/stack-agent/core/rpc/server"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/core/stack/simstack"
	"github.com/searchktools/stack-agent/internal/logging"
)

const (
	// ShutdownTimeout bounds how long Run waits for connections to drain.
	ShutdownTimeout = 10 * time.Second

	// ReportInterval is how often slow or failing operations are logged.
	ReportInterval = time.Minute

	slowCall = 50 * time.Millisecond
)

// Operations that block by design and are never reported as slow.
var blockingOps = []string{
	agent.Name + ".WaitForOneEvent",
	agent.Name + ".DrainForDuration",
}

// App is one agent process.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	lib    *simstack.Library
	reg    *registry.Registry
	svc    *agent.Service
	server *server.Server
}

// New builds the agent from cfg. The logger must already be installed.
func New(cfg *config.Config) (*App, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	lib := simstack.New()
	reg := registry.New(cfg, stack.NewResolver(lib))
	svc := agent.NewService(reg)

	srv := server.NewServer(
		server.WithCodec(c),
		server.WithMaxConns(cfg.MaxConns),
	)
	if err := srv.Register(agent.Name, svc); err != nil {
		return nil, err
	}
	if err := srv.Register(agent.StacksName, agent.NewStackService(reg, lib)); err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    logging.Named("app"),
		lib:    lib,
		reg:    reg,
		svc:    svc,
		server: srv,
	}, nil
}

// Server returns the RPC server.
func (a *App) Server() *server.Server {
	return a.server
}

// Registry returns the reactor registry.
func (a *App) Registry() *registry.Registry {
	return a.reg
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := a.server.Listen(a.cfg.Addr)
	if err != nil {
		return errors.Join(err, a.close())
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the server down and
// releases every registered stack.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.log.Info("stack agent starting",
		zap.String("addr", ln.Addr().String()),
		zap.String("codec", a.cfg.Codec),
		zap.Bool("monitor", a.cfg.MonitorEnabled),
		zap.Bool("bridge", a.cfg.BridgeEnabled),
		zap.Bool("inline_check", a.cfg.InlineCheck),
		zap.Int("max_conns", a.cfg.MaxConns))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	g.Go(func() error {
		a.report(gctx)
		return nil
	})

	err := g.Wait()
	return errors.Join(err, a.close())
}

// report logs slow or failing operations until ctx is done.
func (a *App) report(ctx context.Context) {
	ticker := time.NewTicker(ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range a.server.Metrics().Bottlenecks(slowCall, blockingOps...) {
				a.log.Warn("bottleneck",
					zap.String("type", b.Type),
					zap.String("op", b.Location),
					zap.Float64("impact", b.Impact),
					zap.String("details", b.Details))
			}
		}
	}
}

// close tears down every registered stack, then the stack library.
func (a *App) close() error {
	var errs []error
	if n := a.reg.Len(); n > 0 {
		a.log.Info("tearing down stacks", zap.Int("count", n))
	}
	if err := a.reg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if t := a.svc.Tracker(); t != nil && t.Outstanding() > 0 {
		a.log.Warn("zero-copy messages still pending", zap.Int("count", t.Outstanding()))
	}
	if err := a.lib.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stack library: %w", err))
	}
	return errors.Join(errs...)
}
