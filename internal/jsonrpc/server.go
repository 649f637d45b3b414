package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
)

// methodNamePattern restricts method names to alphanumeric characters,
// underscores and periods.
var methodNamePattern = regexp.MustCompile(`^[\w.]+$`)

// CallContext carries per-call state into method handlers: the envelope the
// request arrived in, the transport identity of its sender and the binary
// frames a binary method wants attached to the response.
type CallContext struct {
	Message  *envelope.Message
	Identity []byte

	additionalResponse [][]byte
}

// AdditionalPayload returns the binary side-payload frames of the enclosing
// envelope (everything after the JSON body).
func (c *CallContext) AdditionalPayload() [][]byte {
	if c == nil || c.Message == nil || len(c.Message.Payload) < 2 {
		return nil
	}
	return c.Message.Payload[1:]
}

// SetAdditionalResponse stores binary frames to be appended to the response
// envelope by the surrounding handler.
func (c *CallContext) SetAdditionalResponse(frames [][]byte) {
	c.additionalResponse = frames
}

// AdditionalResponse returns the frames stored by a binary method during the
// current call.
func (c *CallContext) AdditionalResponse() [][]byte {
	if c == nil {
		return nil
	}
	return c.additionalResponse
}

// HandlerFunc is a registered RPC method. Params is the raw params member
// (nil when absent). Returning an error wrapping ErrInvalidParams yields an
// InvalidParams response, returning an *RPCError propagates its wire error,
// any other error becomes an InternalError response.
type HandlerFunc func(ctx *CallContext, params json.RawMessage) (any, error)

// BinaryHandlerFunc is a method consuming and/or producing binary
// side-payload in addition to its JSON result.
type BinaryHandlerFunc func(ctx *CallContext, params json.RawMessage, payload [][]byte) (any, [][]byte, error)

// MethodDoc describes a method for rpc.discover.
type MethodDoc struct {
	Summary     string
	Description string
}

type method struct {
	name    string
	doc     MethodDoc
	handler HandlerFunc
}

// Server dispatches JSON-RPC 2.0 requests to registered methods.
//
// It handles single requests and batches, never answers notifications and
// offers the built-in rpc.discover method listing all others. The server
// itself keeps no per-call state; concurrent use requires external
// serialization only because handlers may share state.
type Server struct {
	title   string
	version string
	log     *zap.Logger

	methods map[string]*method
	order   []string
}

// NewServer creates a server advertising the given title and version via
// rpc.discover.
func NewServer(title, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		title:   title,
		version: version,
		log:     log,
		methods: make(map[string]*method),
	}
	s.MustRegister("rpc.discover", s.discover, MethodDoc{
		Summary: "List all the capabilities of the server.",
	})
	return s
}

// SetTitle changes the advertised title, e.g. after the full name of the
// owning component changed.
func (s *Server) SetTitle(title string) {
	s.title = title
}

// Register adds a method under the given name.
func (s *Server) Register(name string, handler HandlerFunc, doc MethodDoc) error {
	if !methodNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidMethodName, name)
	}
	if _, ok := s.methods[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, name)
	}
	s.methods[name] = &method{name: name, doc: doc, handler: handler}
	s.order = append(s.order, name)
	return nil
}

// MustRegister is Register for static method tables.
func (s *Server) MustRegister(name string, handler HandlerFunc, doc MethodDoc) {
	if err := s.Register(name, handler, doc); err != nil {
		panic(err)
	}
}

// Unregister removes a method, ignoring unknown names.
func (s *Server) Unregister(name string) {
	if _, ok := s.methods[name]; !ok {
		return
	}
	delete(s.methods, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// RegisterBinary adds a method which receives the binary side-payload of the
// enclosing envelope and/or returns binary frames for the response.
func (s *Server) RegisterBinary(
	name string,
	handler BinaryHandlerFunc,
	acceptInput, returnOutput bool,
	doc MethodDoc,
) error {
	suffix := "(binary"
	if acceptInput {
		suffix += " input"
	}
	if returnOutput {
		suffix += " output"
	}
	suffix += " method)"
	if doc.Description == "" {
		doc.Description = suffix
	} else {
		doc.Description += " " + suffix
	}
	wrapped := func(ctx *CallContext, params json.RawMessage) (any, error) {
		var input [][]byte
		if acceptInput {
			input = ctx.AdditionalPayload()
		}
		result, frames, err := handler(ctx, params, input)
		if err != nil {
			return nil, err
		}
		if returnOutput {
			ctx.SetAdditionalResponse(frames)
		}
		return result, nil
	}
	return s.Register(name, wrapped, doc)
}

// ProcessRequest parses and executes a JSON-RPC request or batch and returns
// the serialized response, or nil when no response is due (notifications).
func (s *Server) ProcessRequest(ctx *CallContext, data []byte) []byte {
	trimmed := skipSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return s.processBatch(ctx, data)
	}
	resp := s.processSingleRaw(ctx, data)
	if resp == nil {
		return nil
	}
	return mustMarshal(*resp)
}

func (s *Server) processSingleRaw(ctx *CallContext, data []byte) *Response {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		s.log.Error("parsing request failed", zap.Error(err))
		resp := NewErrorResponse(nil, ParseError)
		return &resp
	}
	return s.processObject(ctx, probe)
}

func (s *Server) processBatch(ctx *CallContext, data []byte) []byte {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		resp := NewErrorResponse(nil, ParseError)
		return mustMarshal(resp)
	}
	if len(elements) == 0 {
		resp := NewErrorResponse(nil, InvalidRequest.WithData("empty batch"))
		return mustMarshal(resp)
	}
	// A batch must consist of requests only; responses mixed in reject the
	// whole batch.
	objects := make([]map[string]json.RawMessage, 0, len(elements))
	for _, element := range elements {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(element, &obj); err != nil {
			resp := NewErrorResponse(nil, InvalidRequest.WithData("batch element is not an object"))
			return mustMarshal(resp)
		}
		if _, ok := obj["method"]; !ok {
			resp := NewErrorResponse(nil, InvalidRequest.WithData("batch element is not a request"))
			return mustMarshal(resp)
		}
		objects = append(objects, obj)
	}
	responses := make([]Response, 0, len(objects))
	for _, obj := range objects {
		if resp := s.processObject(ctx, obj); resp != nil {
			responses = append(responses, *resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return mustMarshal(responses)
}

func (s *Server) processObject(ctx *CallContext, obj map[string]json.RawMessage) *Response {
	methodRaw, hasMethod := obj["method"]
	if !hasMethod {
		resp := NewErrorResponse(nil, InvalidRequest.WithData("not a request"))
		return &resp
	}
	req := Request{ID: obj["id"], Params: obj["params"]}
	if err := json.Unmarshal(methodRaw, &req.Method); err != nil {
		resp := NewErrorResponse(normalizeID(req.ID), InvalidRequest.WithData("method is not a string"))
		return &resp
	}
	return s.execute(ctx, &req)
}

func (s *Server) execute(ctx *CallContext, req *Request) *Response {
	m, ok := s.methods[req.Method]
	if !ok {
		return s.errorResponse(req, MethodNotFound.WithData(req.Method))
	}
	result, err := s.callGuarded(ctx, m, req)
	if err != nil {
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			return s.errorResponse(req, rpcErr.Err)
		case errors.Is(err, ErrInvalidParams):
			return s.errorResponse(req, InvalidParams.WithData(requestDump(req)))
		default:
			return s.errorResponse(req, InternalError.WithData(fmt.Sprintf("%T: %v", err, err)))
		}
	}
	if req.IsNotification() {
		return nil
	}
	resp, err := NewResultResponse(req.ID, result)
	if err != nil {
		return s.errorResponse(req, InternalError.WithData(fmt.Sprintf("%T: %v", err, err)))
	}
	return &resp
}

// callGuarded invokes the handler, converting a panic into an error.
func (s *Server) callGuarded(ctx *CallContext, m *method, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in method %s: %v", m.name, r)
		}
	}()
	return m.handler(ctx, req.Params)
}

// errorResponse logs the error and suppresses the response for
// notifications.
func (s *Server) errorResponse(req *Request, rpcErr *Error) *Response {
	s.log.Error("error during message handling",
		zap.String("method", req.Method),
		zap.Int("code", rpcErr.Code),
		zap.String("message", rpcErr.Message),
	)
	if req.IsNotification() {
		return nil
	}
	resp := NewErrorResponse(req.ID, rpcErr)
	return &resp
}

func requestDump(req *Request) map[string]any {
	dump := map[string]any{"jsonrpc": "2.0", "method": req.Method}
	if len(req.ID) > 0 {
		dump["id"] = json.RawMessage(req.ID)
	}
	if len(req.Params) > 0 {
		dump["params"] = json.RawMessage(req.Params)
	}
	return dump
}

// discoverInfo mirrors the OpenRPC service discovery document.
type discoverInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type discoverMethod struct {
	Name        string `json:"name"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
}

type discoverResult struct {
	OpenRPC string           `json:"openrpc"`
	Info    discoverInfo     `json:"info"`
	Methods []discoverMethod `json:"methods"`
}

func (s *Server) discover(_ *CallContext, _ json.RawMessage) (any, error) {
	methods := make([]discoverMethod, 0, len(s.order))
	for _, name := range s.order {
		if name == "rpc.discover" {
			continue
		}
		m := s.methods[name]
		methods = append(methods, discoverMethod{
			Name:        m.name,
			Summary:     m.doc.Summary,
			Description: m.doc.Description,
		})
	}
	return discoverResult{
		OpenRPC: "1.2.6",
		Info:    discoverInfo{Title: s.title, Version: s.version},
		Methods: methods,
	}, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Responses are built from marshallable parts only.
		panic(err)
	}
	return data
}

func skipSpace(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case ' ', '\t', '\r', '\n':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}

// DecodeParams unmarshals the params member into target. Absent params leave
// the target untouched. A failed decode is reported as an invalid-params
// error.
func DecodeParams(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// DecodeSingleParam extracts one named parameter, accepting both the keyword
// form {"name": value} and the positional form [value].
func DecodeSingleParam(params json.RawMessage, name string, target any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing parameter %q", ErrInvalidParams, name)
	}
	trimmed := skipSpace(params)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(params, &list); err != nil || len(list) != 1 {
			return fmt.Errorf("%w: expected a single positional parameter", ErrInvalidParams)
		}
		return DecodeParams(list[0], target)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(params, &object); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	raw, ok := object[name]
	if !ok {
		return fmt.Errorf("%w: missing parameter %q", ErrInvalidParams, name)
	}
	return DecodeParams(raw, target)
}
