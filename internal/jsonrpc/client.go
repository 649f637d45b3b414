package jsonrpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Generator builds request strings and interprets response strings on the
// client side. The id counter is atomic so that communicator pipes in
// several goroutines may share one generator.
type Generator struct {
	counter atomic.Int64
}

// NewGenerator returns a request generator starting at id 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// BuildRequest serializes a request for the method with the given params
// (nil for none).
func (g *Generator) BuildRequest(method string, params any) ([]byte, error) {
	req, err := NewRequest(g.counter.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// BuildNotification serializes a notification for the method.
func (g *Generator) BuildNotification(method string, params any) ([]byte, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// InterpretResponse decodes a response string and returns its raw result.
// An error member is raised as *RPCError carrying the wire error; content
// which is no response at all is reported as an invalid server response.
func InterpretResponse(data []byte) (json.RawMessage, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, NewRPCError(InvalidServerResponse.WithData(string(data)))
	}
	if resp.Error != nil {
		return nil, NewRPCError(resp.Error)
	}
	if resp.Result == nil {
		return nil, NewRPCError(InvalidServerResponse.WithData(string(data)))
	}
	return resp.Result, nil
}

// InterpretResponseInto decodes a response and unmarshals its result into
// target. A nil target discards the result.
func InterpretResponseInto(data []byte, target any) error {
	result, err := InterpretResponse(data)
	if err != nil {
		return err
	}
	if target == nil || string(result) == "null" {
		return nil
	}
	if err := json.Unmarshal(result, target); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}
