// Package jsonrpc implements the JSON-RPC 2.0 message objects, the method
// dispatch server and the client-side request generator used on the control
// plane.
//
// The server dispatches single requests and batches, suppresses responses
// for notifications and supports methods which consume or produce binary
// side-payload frames of the enclosing envelope.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request or notification. A notification has no
// id member at all (nil ID), a request carries one.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request lacks an id member. An
// explicit null id counts as a notification as well, no response is owed
// for it.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// NewRequest builds a request with the given id and params. Nil params are
// omitted from the wire representation.
func NewRequest(id any, method string, params any) (Request, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return Request{}, fmt.Errorf("marshalling request id: %w", err)
	}
	req := Request{JSONRPC: "2.0", ID: rawID, Method: method}
	if params != nil {
		req.Params, err = json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshalling request params: %w", err)
		}
	}
	return req, nil
}

// NewNotification builds a request without id.
func NewNotification(method string, params any) (Request, error) {
	req, err := NewRequest(0, method, params)
	if err != nil {
		return Request{}, err
	}
	req.ID = nil
	return req, nil
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// present; a null result is represented by the literal "null" raw message so
// that it survives marshalling.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsError reports whether the response carries an error member.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// nullRaw is the wire rendering of a JSON null.
var nullRaw = json.RawMessage("null")

// NewResultResponse builds a success response for the request id. A nil
// result becomes an explicit null.
func NewResultResponse(id json.RawMessage, result any) (Response, error) {
	resp := Response{JSONRPC: "2.0", ID: normalizeID(id)}
	if result == nil {
		resp.Result = nullRaw
		return resp, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshalling result: %w", err)
	}
	resp.Result = raw
	return resp, nil
}

// NewErrorResponse builds an error response. A nil id renders as null,
// which the specification mandates when the request id is unknown.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullRaw
	}
	return id
}
