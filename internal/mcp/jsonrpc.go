package mcp

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request with the given id.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Response is a JSON-RPC 2.0 reply. A well-formed reply carries either
// Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// parseReply decodes one frame read off a transport and reports whether
// it is the reply to id. Tool servers interleave their own requests and
// notifications with replies, so anything else is skipped.
func parseReply(frame []byte, id int64) (*Response, bool) {
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, false
	}
	if resp.ID != id || (resp.Result == nil && resp.Error == nil) {
		return nil, false
	}
	return &resp, true
}

// decodeResult unmarshals the result of a reply to method.
func decodeResult[T any](method string, resp *Response) (T, error) {
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

// Notification is a JSON-RPC 2.0 message without an id. No reply is
// expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}
