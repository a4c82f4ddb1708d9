// Package mcp is the client side of the Model Context Protocol as Hark
// uses it: JSON-RPC 2.0 over streamable HTTP (network servers) or over
// a child process's stdin and stdout (process servers).
//
// A [Connection] is the handle the tool hub owns for one configured
// server. Both kinds share the interface; they differ in when the
// protocol session is established and where the tool catalog comes
// from. A network connection has nothing to set up and answers
// ListTools with a fresh tools/list request. A process connection
// spawns its server and completes the handshake in Initialize, caching
// the catalog on the session; ListTools returns that cached copy.
package mcp
