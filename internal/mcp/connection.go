package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind is the transport family of a tool server.
type Kind string

const (
	KindNetwork Kind = "network"
	KindProcess Kind = "process"
)

// Connection is a live handle to one tool server. The tool hub owns it
// for its whole life and is its only caller.
type Connection interface {
	Kind() Kind

	// Initialize prepares the handle for use. It must succeed before
	// ListTools is trusted.
	Initialize(ctx context.Context) error

	// ListTools returns the server's current tool catalog.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// CallTool invokes one tool.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Close releases the handle. It is bounded in time.
	Close() error
}

// NetworkConnection is a Connection to a streamable HTTP server.
// Initialize does nothing; the protocol handshake happens lazily on the
// first tool call. Each ListTools is a single tools/list request.
type NetworkConnection struct {
	client *Client

	mu        sync.Mutex
	handshake bool
}

// NewNetworkConnection returns an unconnected handle for cfg.
func NewNetworkConnection(name string, cfg NetworkConfig) *NetworkConnection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tr := NewNetworkTransport(cfg)
	return &NetworkConnection{client: NewClient(name, tr, cfg.Logger)}
}

func (c *NetworkConnection) Kind() Kind { return KindNetwork }

func (c *NetworkConnection) Initialize(context.Context) error { return nil }

func (c *NetworkConnection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return c.client.FetchTools(ctx)
}

func (c *NetworkConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}
	return c.client.CallTool(ctx, name, args)
}

func (c *NetworkConnection) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake {
		return nil
	}
	if err := c.client.Initialize(ctx); err != nil {
		return err
	}
	c.handshake = true
	return nil
}

func (c *NetworkConnection) Close() error { return c.client.Close() }

// ProcessConnection is a Connection to a child-process server.
// Initialize spawns the child, completes the handshake and captures the
// catalog on the session. ListTools answers from that capture.
type ProcessConnection struct {
	client *Client
	tr     *ProcessTransport
}

// NewProcessConnection returns an unspawned handle for cfg.
func NewProcessConnection(name string, cfg ProcessConfig) *ProcessConnection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tr := NewProcessTransport(cfg)
	return &ProcessConnection{
		client: NewClient(name, tr, cfg.Logger),
		tr:     tr,
	}
}

func (c *ProcessConnection) Kind() Kind { return KindProcess }

func (c *ProcessConnection) Initialize(ctx context.Context) error {
	if err := c.client.Initialize(ctx); err != nil {
		return err
	}
	if _, err := c.client.FetchTools(ctx); err != nil {
		return fmt.Errorf("capture tool catalog: %w", err)
	}
	return nil
}

func (c *ProcessConnection) ListTools(context.Context) ([]ToolDefinition, error) {
	tools := c.client.CachedTools()
	if tools == nil {
		return nil, ErrNotInitialized
	}
	return tools, nil
}

func (c *ProcessConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !c.client.Initialized() {
		return "", ErrNotInitialized
	}
	return c.client.CallTool(ctx, name, args)
}

// Alive reports whether the child behind an initialized session is
// still running. A dead handle must be replaced, not reused.
func (c *ProcessConnection) Alive() bool { return !c.tr.Exited() }

// PID returns the child's process id, or 0 when none is running.
func (c *ProcessConnection) PID() int { return c.tr.PID() }

func (c *ProcessConnection) Close() error { return c.client.Close() }
