package mcp

import (
	"bytes"
	"fmt"
	"strconv"

	"neko/internal/jsonx"
)

// JSONRPCVersion is the JSON-RPC version used by MCP.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is a request without an id; no response is expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message is any inbound frame: a response to one of our requests, or a
// request/notification initiated by the server.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      jsonx.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Result  jsonx.RawMessage `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRequest creates a JSON-RPC request.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

// NewNotification creates a JSON-RPC notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// EncodeFrame marshals v as one newline-terminated stdio frame.
func EncodeFrame(v any) ([]byte, error) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := jsonx.Unmarshal(line, &msg); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "failed to parse JSON-RPC message", Data: err.Error()}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version %q", msg.JSONRPC)}
	}
	return &msg, nil
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// IDKey normalizes the message id so numeric and string ids of the same
// value map to one pending call.
func (m *Message) IDKey() string {
	return idKey(m.ID)
}

func idKey(raw jsonx.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var s string
		if err := jsonx.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func requestKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
