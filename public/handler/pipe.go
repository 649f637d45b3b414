package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

// Pipe command tags. The first frame of every pipe message selects the
// action, the remaining frames are its arguments.
var (
	pipeSubscribe      = []byte("SUB")
	pipeUnsubscribe    = []byte("UNSUB")
	pipeUnsubscribeAll = []byte("UNSUBALL")
	pipeSend           = []byte("SND")
	pipeRename         = []byte("REN")
	pipeLocalCommand   = []byte("LOC")
)

// pipeCounter distinguishes the inproc endpoints of several pipe handlers
// in one process.
var pipeCounter atomic.Int64

// PipeHandler is a message handler whose I/O loop may be used from many
// goroutines: each caller goroutine obtains a CommunicatorPipe which hands
// sends over to the handler goroutine through an in-process socket and
// reads responses from the shared, locked message buffer.
type PipeHandler struct {
	*MessageHandler

	zmqCtx   *zmq.Context
	pipe     *zmq.Socket // PULL socket of the I/O loop
	endpoint string

	// subscriptions mirrors the data-plane topics callers asked for; the
	// actual data-plane socket lives outside of the control core.
	subscriptions map[string]struct{}
	// OnSubscriptionChange is invoked with the current topic set after
	// every SUB/UNSUB command, e.g. to drive a data-plane SUB socket.
	OnSubscriptionChange func(topics map[string]struct{})
}

// NewPipeHandler creates a pipe handler. The config's Context is used for
// the in-process pipe as well; the control socket may still be overridden
// for tests.
func NewPipeHandler(cfg Config) (*PipeHandler, error) {
	cfg = cfg.withDefaults()
	zmqCtx := cfg.Context
	var err error
	if zmqCtx == nil {
		zmqCtx, err = zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("creating zmq context: %w", err)
		}
		cfg.Context = zmqCtx
	}
	inner, err := NewMessageHandler(cfg)
	if err != nil {
		return nil, err
	}
	pipe, err := zmqCtx.NewSocket(zmq.PULL)
	if err != nil {
		return nil, fmt.Errorf("creating pipe socket: %w", err)
	}
	endpoint := fmt.Sprintf("inproc://listenerPipe-%d", pipeCounter.Add(1))
	if err := pipe.Bind(endpoint); err != nil {
		pipe.Close()
		return nil, fmt.Errorf("binding pipe socket: %w", err)
	}
	h := &PipeHandler{
		MessageHandler: inner,
		zmqCtx:         zmqCtx,
		pipe:           pipe,
		endpoint:       endpoint,
		subscriptions:  make(map[string]struct{}),
	}
	return h, nil
}

// Close closes the pipe and the control socket.
func (h *PipeHandler) Close() {
	h.pipe.Close()
	h.BaseCommunicator.Close()
}

// Listen runs the I/O loop, serving both the control socket and the pipe.
// When the control socket is a real zmq dealer both are polled in one
// poller; with a fake socket (tests) only the pipe is in the poller and the
// control socket is polled separately after an idle poll.
func (h *PipeHandler) Listen(ctx context.Context, waitingTime time.Duration) {
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

	dealer, _ := h.sock.(*transport.ZmqDealer)
	poller := zmq.NewPoller()
	if dealer != nil {
		poller.Add(dealer.Socket(), zmq.POLLIN)
	}
	poller.Add(h.pipe, zmq.POLLIN)

	nextBeat := time.Now().Add(heartbeatInterval)
	for ctx.Err() == nil {
		if h.buffer.HasFreeMessage() {
			h.readAndHandleMessage()
			continue
		}
		polled, err := poller.Poll(waitingTime)
		if err != nil {
			h.log.Error("polling failed", zap.Error(err))
			break
		}
		handled := false
		for _, item := range polled {
			switch item.Socket {
			case h.pipe:
				h.readAndHandlePipeMessage()
				handled = true
			default:
				h.readAndHandleMessage()
				handled = true
			}
		}
		if !handled {
			if dealer == nil {
				// Fake control socket: serve it outside the poller.
				if ready, _ := h.sock.Poll(0); ready {
					h.readAndHandleMessage()
					continue
				}
			}
			if now := time.Now(); now.After(nextBeat) {
				if err := h.Heartbeat(); err != nil {
					h.log.Warn("heartbeat failed", zap.Error(err))
				}
				nextBeat = now.Add(heartbeatInterval)
			}
		}
	}
	h.log.Info("stopping to listen", zap.String("name", h.Name()))
	_ = h.SignOut()
}

func (h *PipeHandler) readAndHandlePipeMessage() {
	frames, err := h.pipe.RecvMessageBytes(0)
	if err != nil {
		h.log.Error("reading pipe failed", zap.Error(err))
		return
	}
	h.HandlePipeMessage(frames)
}

// HandlePipeMessage executes one command received over the pipe.
func (h *PipeHandler) HandlePipeMessage(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	cmd := string(frames[0])
	switch cmd {
	case string(pipeSubscribe):
		if len(frames) > 1 {
			h.subscribeSingle(frames[1])
		}
	case string(pipeUnsubscribe):
		if len(frames) > 1 {
			h.unsubscribeSingle(frames[1])
		}
	case string(pipeUnsubscribeAll):
		h.unsubscribeAll()
	case string(pipeSend):
		h.sendFrames(frames[1:])
	case string(pipeRename):
		if len(frames) > 1 {
			h.renameHandler(string(frames[1]))
		}
	case string(pipeLocalCommand):
		if len(frames) > 2 {
			h.handleLocalRequest(frames[1], frames[2])
		}
	default:
		h.log.Debug("received unknown pipe command", zap.String("command", cmd))
	}
}

func (h *PipeHandler) subscribeSingle(topic []byte) {
	h.subscriptions[string(topic)] = struct{}{}
	h.notifySubscriptions()
}

func (h *PipeHandler) unsubscribeSingle(topic []byte) {
	delete(h.subscriptions, string(topic))
	h.notifySubscriptions()
}

func (h *PipeHandler) unsubscribeAll() {
	h.subscriptions = make(map[string]struct{})
	h.notifySubscriptions()
}

func (h *PipeHandler) notifySubscriptions() {
	if h.OnSubscriptionChange != nil {
		h.OnSubscriptionChange(h.subscriptions)
	}
}

// Subscriptions returns the current data-plane topic set.
func (h *PipeHandler) Subscriptions() map[string]struct{} {
	return h.subscriptions
}

// sendFrames forwards pre-serialized envelope frames on the control
// socket.
func (h *PipeHandler) sendFrames(frames [][]byte) {
	m, err := envelope.FromFrames(frames)
	if err != nil {
		h.log.Error("invalid frames from pipe", zap.Error(err))
		return
	}
	if err := h.SendMessage(m); err != nil {
		h.log.Error("sending pipe message failed", zap.Error(err))
	}
}

// renameHandler signs out, renames the component and signs in again.
func (h *PipeHandler) renameHandler(name string) {
	_ = h.SignOut()
	h.setName(name)
	h.setNamespace(nil)
	if err := h.SignIn(); err != nil {
		h.log.Warn("sign in after rename failed", zap.Error(err))
	}
}

// handleLocalRequest runs an RPC locally in the I/O goroutine and posts the
// result into the buffer under the caller's conversation id.
func (h *PipeHandler) handleLocalRequest(conversationID, rpc []byte) {
	ctx := &jsonrpc.CallContext{}
	result := h.rpc.ProcessRequest(ctx, rpc)
	if result == nil {
		return
	}
	m, err := envelope.New([]byte("comm"), envelope.Options{
		Sender:         []byte("ego"),
		ConversationID: conversationID,
		Type:           envelope.TypeJSON,
		Data:           json.RawMessage(result),
	})
	if err != nil {
		h.log.Error("composing local response failed", zap.Error(err))
		return
	}
	h.buffer.Add(m)
}

// CreateCommunicator returns a pipe endpoint for the calling goroutine.
// Each goroutine needs its own communicator; the endpoints funnel into the
// single I/O loop of this handler.
func (h *PipeHandler) CreateCommunicator(timeout time.Duration) (*CommunicatorPipe, error) {
	sock, err := h.zmqCtx.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("creating communicator socket: %w", err)
	}
	if err := sock.Connect(h.endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("connecting communicator: %w", err)
	}
	if timeout == 0 {
		timeout = time.Second
	}
	return &CommunicatorPipe{
		handler:   h,
		sock:      sock,
		buffer:    h.buffer,
		generator: h.generator,
		timeout:   timeout,
	}, nil
}

// CommunicatorPipe is the per-goroutine endpoint of a pipe handler. Sends
// travel through the in-process pipe to the I/O goroutine, reads wait on
// the shared message buffer.
type CommunicatorPipe struct {
	handler   *PipeHandler
	sock      *zmq.Socket
	buffer    *MessageBuffer
	generator *jsonrpc.Generator
	timeout   time.Duration
}

// Name returns the handler's current component name.
func (c *CommunicatorPipe) Name() string { return c.handler.Name() }

// FullName returns the handler's current full name.
func (c *CommunicatorPipe) FullName() []byte { return c.handler.FullName() }

// Close closes the pipe endpoint.
func (c *CommunicatorPipe) Close() {
	c.sock.Close()
}

func (c *CommunicatorPipe) sendPipeMessage(tag []byte, content ...[]byte) error {
	parts := make([][]byte, 0, len(content)+1)
	parts = append(parts, tag)
	parts = append(parts, content...)
	if _, err := c.sock.SendMessage(parts); err != nil {
		return fmt.Errorf("connection to the handler refused: %w", err)
	}
	return nil
}

// SendMessage hands a message over to the I/O goroutine for sending.
func (c *CommunicatorPipe) SendMessage(m *envelope.Message) error {
	if len(m.Sender) == 0 {
		m.Sender = c.FullName()
	}
	frames, err := m.ToFrames()
	if err != nil {
		return err
	}
	return c.sendPipeMessage(pipeSend, frames...)
}

// ReadMessage waits for the message of a conversation in the shared
// buffer. Unlike the base communicator, reading without a conversation id
// is not possible through a pipe.
func (c *CommunicatorPipe) ReadMessage(conversationID []byte, timeout time.Duration) (*envelope.Message, error) {
	if conversationID == nil {
		return nil, fmt.Errorf("a message must be requested with its conversation id")
	}
	if timeout == 0 {
		timeout = c.timeout
	}
	return c.buffer.WaitForMessage(conversationID, timeout)
}

// AskMessage sends a message and waits for the response of the same
// conversation.
func (c *CommunicatorPipe) AskMessage(m *envelope.Message, timeout time.Duration) (*envelope.Message, error) {
	c.buffer.AddConversationID(m.ConversationID())
	if err := c.SendMessage(m); err != nil {
		return nil, err
	}
	return c.ReadMessage(m.ConversationID(), timeout)
}

// AskRPC sends a JSON-RPC request to a receiver and decodes the result
// into result (nil to discard).
func (c *CommunicatorPipe) AskRPC(receiver []byte, method string, params any, result any) error {
	body, err := c.generator.BuildRequest(method, params)
	if err != nil {
		return err
	}
	m, err := envelope.New(receiver, envelope.Options{
		Type: envelope.TypeJSON,
		Data: json.RawMessage(body),
	})
	if err != nil {
		return err
	}
	response, err := c.AskMessage(m, 0)
	if err != nil {
		return err
	}
	if len(response.Payload) == 0 {
		return jsonrpc.NewRPCError(jsonrpc.InvalidServerResponse.WithData("no payload"))
	}
	return jsonrpc.InterpretResponseInto(response.Payload[0], result)
}

// AskHandler runs a method of the I/O goroutine's own RPC registry and
// decodes the result into result.
func (c *CommunicatorPipe) AskHandler(method string, params any, result any) error {
	conversationID := envelope.NewConversationID()
	body, err := c.generator.BuildRequest(method, params)
	if err != nil {
		return err
	}
	c.buffer.AddConversationID(conversationID)
	if err := c.sendPipeMessage(pipeLocalCommand, conversationID, body); err != nil {
		return err
	}
	response, err := c.buffer.WaitForMessage(conversationID, c.timeout)
	if err != nil {
		return err
	}
	if len(response.Payload) == 0 {
		return jsonrpc.NewRPCError(jsonrpc.InvalidServerResponse.WithData("no payload"))
	}
	return jsonrpc.InterpretResponseInto(response.Payload[0], result)
}

// Rename asks the I/O goroutine to sign out, adopt the new name and sign
// in again.
func (c *CommunicatorPipe) Rename(name string) error {
	return c.sendPipeMessage(pipeRename, []byte(name))
}

// Subscribe adds a data-plane topic subscription.
func (c *CommunicatorPipe) Subscribe(topic []byte) error {
	return c.sendPipeMessage(pipeSubscribe, topic)
}

// Unsubscribe removes a data-plane topic subscription.
func (c *CommunicatorPipe) Unsubscribe(topic []byte) error {
	return c.sendPipeMessage(pipeUnsubscribe, topic)
}

// UnsubscribeAll clears the data-plane subscriptions.
func (c *CommunicatorPipe) UnsubscribeAll() error {
	return c.sendPipeMessage(pipeUnsubscribeAll)
}
