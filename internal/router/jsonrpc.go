package router

import (
	json "github.com/goccy/go-json"
)

// CodeInternalError is the JSON-RPC 2.0 internal-error code. Every gateway
// failure on the request path surfaces under it; finer classification goes
// into the error data.
const CodeInternalError = -32603

// Request is an inbound JSON-RPC 2.0 request. The id and params stay raw:
// the gateway forwards, it does not interpret.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response, either from the worker or
// synthesized by the gateway.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC 2.0 response.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorResponse builds a synthesized error response echoing the request id.
func errorResponse(id json.RawMessage, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    CodeInternalError,
			Message: message,
			Data:    data,
		},
	}
}
