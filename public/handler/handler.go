package handler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
)

// heartbeatInterval is the pause between two heartbeats of a listening
// handler.
const heartbeatInterval = 10 * time.Second

// MessageHandler maintains the connection of a component to its
// coordinator: it listens for incoming messages, answers JSON-RPC requests
// through its method registry, and keeps the sign-in alive with heartbeats.
//
// Subclass-like customization goes through the hook fields; by default
// error and result messages nobody asked for are logged.
type MessageHandler struct {
	*BaseCommunicator

	rpc   *jsonrpc.Server
	log   *zap.Logger
	level *zap.AtomicLevel

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	// OnJSONError is called for error responses nobody waits for.
	OnJSONError func(m *envelope.Message)
	// OnJSONResult is called for result responses nobody waits for.
	OnJSONResult func(m *envelope.Message)
	// OnUnknownType is called for messages of a type other than JSON.
	OnUnknownType func(m *envelope.Message)
}

// NewMessageHandler connects a handler to the coordinator given in the
// config. The standard methods pong, set_log_level and shut_down are
// registered; add more with RegisterMethod before calling Listen.
func NewMessageHandler(cfg Config) (*MessageHandler, error) {
	cfg = cfg.withDefaults()
	base, err := newBaseCommunicator(cfg)
	if err != nil {
		return nil, err
	}
	h := &MessageHandler{
		BaseCommunicator: base,
		log:              cfg.Logger,
		level:            cfg.LogLevel,
	}
	h.rpc = jsonrpc.NewServer(cfg.Name, "0.1.0", cfg.Logger)
	h.onNameChange = func(fullName []byte) {
		h.rpc.SetTitle(string(fullName))
	}
	h.OnJSONError = func(m *envelope.Message) {
		h.log.Warn("error message received", zap.Stringer("message", m))
	}
	h.OnJSONResult = func(m *envelope.Message) {
		h.log.Warn("unsolicited message received", zap.Stringer("message", m))
	}
	h.OnUnknownType = func(m *envelope.Message) {
		h.log.Warn("message with unknown message type received",
			zap.Uint8("type", uint8(m.Type())), zap.Stringer("message", m))
	}
	h.registerStandardMethods()
	return h, nil
}

// RPC exposes the method registry.
func (h *MessageHandler) RPC() *jsonrpc.Server { return h.rpc }

// RegisterMethod adds a method to the registry.
func (h *MessageHandler) RegisterMethod(name string, fn jsonrpc.HandlerFunc, doc jsonrpc.MethodDoc) error {
	return h.rpc.Register(name, fn, doc)
}

// RegisterBinaryMethod adds a method which consumes and/or produces binary
// side-payload.
func (h *MessageHandler) RegisterBinaryMethod(
	name string,
	fn jsonrpc.BinaryHandlerFunc,
	acceptInput, returnOutput bool,
	doc jsonrpc.MethodDoc,
) error {
	return h.rpc.RegisterBinary(name, fn, acceptInput, returnOutput, doc)
}

func (h *MessageHandler) registerStandardMethods() {
	h.rpc.MustRegister("pong", func(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
		return nil, nil
	}, jsonrpc.MethodDoc{Summary: "Respond in order to test the connection"})
	h.rpc.MustRegister("set_log_level", func(_ *jsonrpc.CallContext, params json.RawMessage) (any, error) {
		var level string
		if err := jsonrpc.DecodeSingleParam(params, "level", &level); err != nil {
			return nil, err
		}
		return nil, h.setLogLevel(level)
	}, jsonrpc.MethodDoc{Summary: "Set the log level"})
	h.rpc.MustRegister("shut_down", func(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
		h.Stop()
		return nil, nil
	}, jsonrpc.MethodDoc{Summary: "Stop the listening loop"})
}

var logLevels = map[string]zapcore.Level{
	"CRITICAL": zapcore.ErrorLevel,
	"ERROR":    zapcore.ErrorLevel,
	"WARNING":  zapcore.WarnLevel,
	"INFO":     zapcore.InfoLevel,
	"DEBUG":    zapcore.DebugLevel,
}

func (h *MessageHandler) setLogLevel(level string) error {
	zapLevel, ok := logLevels[level]
	if !ok {
		return jsonrpc.NewRPCError(jsonrpc.InvalidParams.WithData(level))
	}
	if h.level != nil {
		h.level.SetLevel(zapLevel)
	}
	return nil
}

// Stop ends a running Listen loop.
func (h *MessageHandler) Stop() {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *MessageHandler) setCancel(cancel context.CancelFunc) {
	h.cancelMu.Lock()
	h.cancel = cancel
	h.cancelMu.Unlock()
}

// Listen signs in and serves incoming messages until the context is
// cancelled, then signs out. The waiting time bounds the shutdown latency
// of one loop tick.
func (h *MessageHandler) Listen(ctx context.Context, waitingTime time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.setCancel(cancel)
	if waitingTime == 0 {
		waitingTime = 100 * time.Millisecond
	}

	h.log.Info("starting to listen", zap.String("name", h.Name()))
	if err := h.SignIn(); err != nil {
		h.log.Warn("initial sign in failed", zap.Error(err))
	}
	nextBeat := time.Now().Add(heartbeatInterval)
	for ctx.Err() == nil {
		// Unsolicited messages may have been parked in the buffer while a
		// request waited for its response; serve them before polling.
		if h.buffer.HasFreeMessage() {
			h.readAndHandleMessage()
			continue
		}
		ready, err := h.sock.Poll(waitingTime)
		if err != nil {
			h.log.Error("polling failed", zap.Error(err))
			break
		}
		if ready {
			h.readAndHandleMessage()
		} else if now := time.Now(); now.After(nextBeat) {
			if err := h.Heartbeat(); err != nil {
				h.log.Warn("heartbeat failed", zap.Error(err))
			}
			nextBeat = now.Add(heartbeatInterval)
		}
	}
	h.log.Info("stopping to listen", zap.String("name", h.Name()))
	_ = h.SignOut()
}

// readAndHandleMessage processes one incoming, unrequested message.
func (h *MessageHandler) readAndHandleMessage() {
	m, err := h.ReadMessage(nil, time.Millisecond)
	if err != nil {
		return
	}
	if len(m.Payload) == 0 {
		return // no payload, just a heartbeat reply
	}
	h.HandleMessage(m)
}

// HandleMessage dispatches one message with payload.
func (h *MessageHandler) HandleMessage(m *envelope.Message) {
	if m.Type() != envelope.TypeJSON {
		h.OnUnknownType(m)
		return
	}
	content := envelope.ClassifyContent(m.Payload[0])
	switch {
	case content.Contains(envelope.ContentRequest):
		h.handleJSONRequest(m)
	case content.Contains(envelope.ContentError):
		h.OnJSONError(m)
	case content.Contains(envelope.ContentResult):
		h.OnJSONResult(m)
	default:
		h.log.Error("invalid JSON message received", zap.Stringer("message", m))
	}
}

// handleJSONRequest runs the request through the method registry and sends
// the response, attaching the binary frames of a binary method.
func (h *MessageHandler) handleJSONRequest(m *envelope.Message) {
	ctx := &jsonrpc.CallContext{Message: m}
	reply := h.rpc.ProcessRequest(ctx, m.Payload[0])
	if reply == nil {
		return
	}
	response, err := envelope.New(m.Sender, envelope.Options{
		ConversationID:    m.ConversationID(),
		Type:              envelope.TypeJSON,
		Data:              json.RawMessage(reply),
		AdditionalPayload: ctx.AdditionalResponse(),
	})
	if err != nil {
		h.log.Error("composing response failed", zap.Error(err))
		return
	}
	if err := h.SendMessage(response); err != nil {
		h.log.Error("sending response failed", zap.Error(err))
	}
}

// ReadTimeout exposes the configured read timeout.
func (h *MessageHandler) ReadTimeout() time.Duration { return h.timeout }
