package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

// notSignedInCode is searched for in error payloads of the coordinator to
// detect that we have to sign in again.
var notSignedInCode = []byte(strconv.Itoa(jsonrpc.NotSignedIn.Code))

// Config configures a communicator or message handler.
type Config struct {
	// Name is the local component name to sign in under.
	Name string
	// Host and Port of the coordinator. Default localhost and the
	// coordinator port.
	Host string
	Port int
	// Timeout of blocking reads. Default 100 ms.
	Timeout time.Duration
	// Context for the zmq sockets. A nil context creates a private one.
	Context *zmq.Context
	// Socket overrides the dealer socket, for tests.
	Socket transport.Dealer
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// LogLevel backs the set_log_level RPC. Optional.
	LogLevel *zap.AtomicLevel
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = envelope.CoordinatorPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// BaseCommunicator owns one dealer connection to the local coordinator and
// a message buffer. It implements the sign-in/sign-out protocol, heartbeat,
// and the ask/reply pattern correlated by conversation id.
//
// A base communicator belongs to a single goroutine (its I/O loop); other
// goroutines go through a pipe handler instead.
type BaseCommunicator struct {
	// nameMu guards name and namespace: pipe communicators read the full
	// name from their own goroutines while the I/O loop may rename.
	nameMu    sync.RWMutex
	name      string
	namespace []byte

	sock      transport.Dealer
	buffer    *MessageBuffer
	generator *jsonrpc.Generator
	timeout   time.Duration
	log       *zap.Logger

	// onNameChange is invoked whenever the full name changes (sign-in,
	// sign-out, rename).
	onNameChange func(fullName []byte)
}

func newBaseCommunicator(cfg Config) (*BaseCommunicator, error) {
	sock := cfg.Socket
	if sock == nil {
		dealer, err := transport.NewZmqDealer(cfg.Context)
		if err != nil {
			return nil, err
		}
		if err := dealer.Connect(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)); err != nil {
			return nil, err
		}
		sock = dealer
	}
	return &BaseCommunicator{
		name:      cfg.Name,
		sock:      sock,
		buffer:    NewMessageBuffer(),
		generator: jsonrpc.NewGenerator(),
		timeout:   cfg.Timeout,
		log:       cfg.Logger,
	}, nil
}

// Name returns the local component name.
func (b *BaseCommunicator) Name() string {
	b.nameMu.RLock()
	defer b.nameMu.RUnlock()
	return b.name
}

// Namespace returns the namespace adopted during sign-in, or nil.
func (b *BaseCommunicator) Namespace() []byte {
	b.nameMu.RLock()
	defer b.nameMu.RUnlock()
	return b.namespace
}

// FullName returns "namespace.name", or the bare name before sign-in.
func (b *BaseCommunicator) FullName() []byte {
	b.nameMu.RLock()
	defer b.nameMu.RUnlock()
	return envelope.JoinName(b.namespace, []byte(b.name))
}

// Buffer exposes the message buffer (shared with communicator pipes).
func (b *BaseCommunicator) Buffer() *MessageBuffer { return b.buffer }

func (b *BaseCommunicator) setName(name string) {
	b.nameMu.Lock()
	b.name = name
	b.nameMu.Unlock()
}

func (b *BaseCommunicator) setNamespace(namespace []byte) {
	b.nameMu.Lock()
	b.namespace = namespace
	b.nameMu.Unlock()
	if b.onNameChange != nil {
		b.onNameChange(b.FullName())
	}
}

// Close closes the socket.
func (b *BaseCommunicator) Close() {
	b.sock.Close()
}

// SendMessage emits a message, filling in an empty sender with the full
// name.
func (b *BaseCommunicator) SendMessage(m *envelope.Message) error {
	if len(m.Sender) == 0 {
		m.Sender = b.FullName()
	}
	b.log.Debug("sending", zap.Stringer("message", m))
	return b.sock.Send(m)
}

// Heartbeat sends an empty-payload message to the coordinator.
func (b *BaseCommunicator) Heartbeat() error {
	b.log.Debug("heartbeat")
	m, err := envelope.New(envelope.CoordinatorName, envelope.Options{})
	if err != nil {
		return err
	}
	return b.SendMessage(m)
}

// readSocketMessage reads the next message from the socket, waiting at most
// the timeout.
func (b *BaseCommunicator) readSocketMessage(timeout time.Duration) (*envelope.Message, error) {
	ready, err := b.sock.Poll(timeout)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, transport.ErrTimeout
	}
	return b.sock.Read()
}

// findSocketMessage reads socket messages until one with the wanted
// conversation id arrives, buffering all others. A nil id accepts the first
// unreserved message.
func (b *BaseCommunicator) findSocketMessage(conversationID []byte, timeout time.Duration) (*envelope.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		m, err := b.readSocketMessage(timeout)
		if err != nil {
			return nil, err
		}
		b.checkForNotSignedInError(m)
		cid := m.ConversationID()
		switch {
		case conversationID != nil && bytes.Equal(cid, conversationID):
			b.buffer.RemoveConversationID(cid)
			return m, nil
		case b.buffer.IsConversationIDRequested(cid):
			b.buffer.Add(m)
		case conversationID == nil:
			return m, nil
		default:
			b.buffer.Add(m)
		}
		// Checked after at least one read so a zero timeout still looks
		// at the socket once.
		if time.Now().After(deadline) {
			return nil, transport.ErrTimeout
		}
	}
}

// checkForNotSignedInError detects a NOT_SIGNED_IN error from the
// coordinator and re-signs in.
func (b *BaseCommunicator) checkForNotSignedInError(m *envelope.Message) {
	if bytes.Equal(m.SenderElements().Name, envelope.CoordinatorName) &&
		len(m.Payload) > 0 &&
		bytes.Contains(m.Payload[0], []byte("error")) &&
		bytes.Contains(m.Payload[0], notSignedInCode) {
		b.handleNotSignedIn()
	}
}

func (b *BaseCommunicator) handleNotSignedIn() {
	b.setNamespace(nil)
	if err := b.SignIn(); err != nil {
		b.log.Warn("re-sign-in failed", zap.Error(err))
	}
	b.log.Warn("I was not signed in, signing in")
}

// ReadMessage returns a message from the buffer or the socket. A non-nil
// conversation id filters for exactly that conversation.
func (b *BaseCommunicator) ReadMessage(conversationID []byte, timeout time.Duration) (*envelope.Message, error) {
	if timeout == 0 {
		timeout = b.timeout
	}
	if m := b.buffer.Retrieve(conversationID); m != nil {
		return m, nil
	}
	return b.findSocketMessage(conversationID, timeout)
}

// AskMessage sends a message and waits for the response of the same
// conversation.
func (b *BaseCommunicator) AskMessage(m *envelope.Message, timeout time.Duration) (*envelope.Message, error) {
	b.buffer.AddConversationID(m.ConversationID())
	if err := b.SendMessage(m); err != nil {
		return nil, err
	}
	return b.ReadMessage(m.ConversationID(), timeout)
}

// AskRPC sends a JSON-RPC request to a receiver and decodes the result into
// result (nil to discard).
func (b *BaseCommunicator) AskRPC(receiver []byte, method string, params any, result any) error {
	body, err := b.generator.BuildRequest(method, params)
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
	response, err := b.AskMessage(m, 0)
	if err != nil {
		return err
	}
	if len(response.Payload) == 0 {
		return jsonrpc.NewRPCError(jsonrpc.InvalidServerResponse.WithData("no payload"))
	}
	return jsonrpc.InterpretResponseInto(response.Payload[0], result)
}

// SignIn announces the component at the coordinator and adopts the
// namespace from the response. A taken name or a timeout is logged and
// returned.
func (b *BaseCommunicator) SignIn() error {
	body, err := b.generator.BuildRequest("sign_in", nil)
	if err != nil {
		return err
	}
	m, err := envelope.New(envelope.CoordinatorName, envelope.Options{
		Type: envelope.TypeJSON,
		Data: json.RawMessage(body),
	})
	if err != nil {
		return err
	}
	response, err := b.AskMessage(m, 0)
	if err != nil {
		b.log.Error("signing in timed out", zap.Error(err))
		return err
	}
	if len(response.Payload) == 0 {
		return jsonrpc.NewRPCError(jsonrpc.InvalidServerResponse.WithData("no payload"))
	}
	if err := jsonrpc.InterpretResponseInto(response.Payload[0], nil); err != nil {
		if jsonrpc.IsCode(err, jsonrpc.DuplicateName.Code) {
			b.log.Warn("sign in failed, the name is already used")
		} else {
			b.log.Warn("sign in failed", zap.Error(err))
		}
		return err
	}
	b.setNamespace(response.SenderElements().Namespace)
	b.log.Info("signed in", zap.ByteString("namespace", b.Namespace()))
	return nil
}

// SignOut signs the component out and clears the namespace on success.
func (b *BaseCommunicator) SignOut() error {
	if err := b.AskRPC(envelope.CoordinatorName, "sign_out", nil, nil); err != nil {
		b.log.Warn("signing out failed", zap.Error(err))
		return err
	}
	b.log.Info("signed out", zap.ByteString("namespace", b.Namespace()))
	b.setNamespace(nil)
	return nil
}

// Communicator is a synchronous client for scripts and tests: a base
// communicator used directly, without a listening loop.
type Communicator struct {
	*BaseCommunicator
}

// NewCommunicator connects to the coordinator and signs in.
func NewCommunicator(cfg Config) (*Communicator, error) {
	base, err := newBaseCommunicator(cfg.withDefaults())
	if err != nil {
		return nil, err
	}
	c := &Communicator{BaseCommunicator: base}
	if err := c.SignIn(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close signs out and closes the socket.
func (c *Communicator) Close() {
	if c.Namespace() != nil {
		_ = c.SignOut()
	}
	c.BaseCommunicator.Close()
}
