package jsonrpc

import (
	"errors"
	"fmt"
)

// Error is the wire error object of a JSON-RPC 2.0 error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// WithData returns a copy of the error carrying additional data.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// Predefined JSON-RPC 2.0 errors.
var (
	ParseError     = &Error{Code: -32700, Message: "Parse error"}
	InvalidRequest = &Error{Code: -32600, Message: "Invalid Request"}
	MethodNotFound = &Error{Code: -32601, Message: "Method not found"}
	InvalidParams  = &Error{Code: -32602, Message: "Invalid params"}
	InternalError  = &Error{Code: -32603, Message: "Internal error"}

	// Implementation defined server errors, -32000 to -32099.
	ServerError           = &Error{Code: -32000, Message: "Server error"}
	InvalidServerResponse = &Error{Code: -32000, Message: "Invalid response from server."}

	// Routing errors of the coordinator, -32090 to -32099.
	NotSignedIn     = &Error{Code: -32090, Message: "You did not sign in!"}
	DuplicateName   = &Error{Code: -32091, Message: "The name is already taken."}
	NodeUnknown     = &Error{Code: -32092, Message: "Node is not known."}
	ReceiverUnknown = &Error{Code: -32093, Message: "Receiver is not in addresses list."}
)

// RPCError wraps a wire error object into a Go error. Method handlers
// return it to control the error object of the response; the client helper
// raises it when a response carries an error member.
type RPCError struct {
	Err *Error
}

// NewRPCError wraps a wire error object.
func NewRPCError(err *Error) *RPCError {
	return &RPCError{Err: err}
}

func (e *RPCError) Error() string {
	if e.Err.Data != nil {
		return fmt.Sprintf("%d: %s (data: %v)", e.Err.Code, e.Err.Message, e.Err.Data)
	}
	return fmt.Sprintf("%d: %s", e.Err.Code, e.Err.Message)
}

// CodeOf extracts the JSON-RPC error code of an error, or 0 if the error is
// no RPCError.
func CodeOf(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Err.Code
	}
	return 0
}

// IsCode reports whether the error is an RPCError with the given code.
func IsCode(err error, code int) bool {
	return err != nil && CodeOf(err) == code
}

// ErrInvalidParams marks a handler error as a parameter problem. The server
// answers requests failing with it by an InvalidParams error response
// carrying the offending request.
var ErrInvalidParams = errors.New("invalid params")

// ErrDuplicateMethod is returned when a method name is registered twice.
var ErrDuplicateMethod = errors.New("method name already defined")

// ErrInvalidMethodName is returned when a method name contains characters
// outside of the alphanumeric, underscore and period set.
var ErrInvalidMethodName = errors.New("invalid method name")
