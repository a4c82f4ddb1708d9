package mcp

import "context"

// Transport moves JSON-RPC messages to one tool server. The network
// transport posts each message over HTTP; the process transport writes
// newline-delimited JSON to a child process.
type Transport interface {
	// Send delivers req and waits for the reply with the same id.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a message that has no reply.
	Notify(ctx context.Context, n *Notification) error

	// Close releases the transport. For a process transport this ends
	// the child process.
	Close() error
}
