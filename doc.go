/*
Package stackagent is a remote agent that drives a polling network stack on
behalf of a controller.

A polling stack makes progress only when its owner calls into it. The agent
keeps a reactor context for every stack the controller registers, and
exposes blocking operations over RPC that keep calling the stack until a
condition holds.

Features

  - Reactor loop: wait for one event, drain all pending, drain for a duration
  - Pending-work monitor: a background goroutine that keeps a stack's wait
    descriptor armed
  - Readiness bridge: epoll (Linux) or kqueue (BSD/macOS) on the stack's
    wait descriptor, so idle waits sleep in the kernel
  - Zero-copy receive: token-tracked messages with full or partial finalize
  - RPC: framed binary protocol with JSON or protobuf payloads

Quick Start

Run the agent:

    go run ./cmd/stack-agent -addr 127.0.0.1:7070 -bridge -monitor

Call it from Go:

    cl, err := client.NewClient("127.0.0.1:7070")
    if err != nil {
        log.Fatal(err)
    }
    defer cl.Close()

    var h agent.StackArgs
    cl.Call(ctx, agent.StacksName, "Alloc", &agent.StackArgs{}, &h)
    cl.Call(ctx, agent.Name, "InitReactorContext", &h, &agent.Status{})

    var n agent.CountReply
    cl.Call(ctx, agent.Name, "DrainAllPending", &h, &n)

Modules

  - app: Process wiring and lifecycle
  - config: Configuration from environment, JSON file and flags
  - core/stack: Stack library primitives, capability resolution, error kinds
  - core/stack/simstack: In-memory stack library
  - core/registry: Per-stack reactor contexts
  - core/monitor: Pending-work monitor
  - core/poller: Readiness bridge (epoll/kqueue)
  - core/reactor: Reactor loop operations
  - core/zerocopy: Zero-copy message lifecycle
  - core/pools: Staging buffers for received datagrams
  - core/agent: RPC-facing boundary operations
  - core/rpc: RPC framework
  - core/observability: Per-operation call metrics
  - internal/logging: Process logger

Configuration

Every setting can come from a STACK_AGENT_* environment variable, a JSON
file passed with -config, or a flag, in increasing order of precedence.
Configuration is read once at startup.
*/
package stackagent
