// Package coordinator implements the routing node of the control plane.
//
// A coordinator owns a namespace, binds a ROUTER socket, and routes every
// incoming envelope either to a locally signed-in component, to a peer
// coordinator (exactly one inter-namespace hop), or to its own JSON-RPC
// server when addressed as COORDINATOR. Directory maintenance (heartbeat
// expiration, peer sign-in completion) runs inside the same single-threaded
// loop; the directory is never shared across goroutines.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/directory"
	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

// Options configures a coordinator. The zero value gives a coordinator
// named after the short hostname on the default port.
type Options struct {
	// Namespace of this node. Defaults to the short hostname.
	Namespace string
	// Host under which other nodes may reach this coordinator. Defaults
	// to the hostname.
	Host string
	// Port to bind the ROUTER socket to. Defaults to the coordinator port.
	Port int
	// Timeout of one poll tick of the routing loop.
	Timeout time.Duration
	// CleaningInterval between two expiration passes.
	CleaningInterval time.Duration
	// ExpirationTime after which a silent component is pinged; removal
	// happens after three times this.
	ExpirationTime time.Duration

	// Context for the zmq sockets. A nil context creates a private one.
	Context *zmq.Context
	// Socket overrides the ROUTER socket, for tests.
	Socket transport.Router
	// DealerFactory overrides the creation of peer sockets, for tests.
	DealerFactory directory.DealerFactory

	// Logger for the coordinator. Defaults to a no-op logger.
	Logger *zap.Logger
	// LogLevel backs the set_log_level RPC. Optional.
	LogLevel *zap.AtomicLevel
	// Metrics counters. Optional; nil disables without conditionals.
	Metrics *Metrics
}

// Coordinator routes messages among connected components and peer nodes.
type Coordinator struct {
	namespace []byte
	fullName  []byte
	address   string

	timeout          time.Duration
	cleaningInterval time.Duration
	expirationTime   time.Duration

	sock      transport.Router
	directory *directory.Directory
	rpc       *jsonrpc.Server
	log       *zap.Logger
	level     *zap.AtomicLevel
	metrics   *Metrics

	stop   context.CancelFunc
	closed bool
}

// New creates a coordinator and binds its ROUTER socket.
func New(opts Options) (*Coordinator, error) {
	namespace := opts.Namespace
	if namespace == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determining hostname: %w", err)
		}
		namespace = strings.SplitN(hostname, ".", 2)[0]
	}
	host := opts.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	port := opts.Port
	if port == 0 {
		port = envelope.CoordinatorPort
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 50 * time.Millisecond
	}
	cleaningInterval := opts.CleaningInterval
	if cleaningInterval == 0 {
		cleaningInterval = 5 * time.Second
	}
	expirationTime := opts.ExpirationTime
	if expirationTime == 0 {
		expirationTime = 15 * time.Second
	}

	sock := opts.Socket
	zmqCtx := opts.Context
	if sock == nil {
		var err error
		if zmqCtx == nil {
			zmqCtx, err = zmq.NewContext()
			if err != nil {
				return nil, fmt.Errorf("creating zmq context: %w", err)
			}
		}
		sock, err = transport.NewZmqRouter(zmqCtx)
		if err != nil {
			return nil, err
		}
	}
	newDealer := opts.DealerFactory
	if newDealer == nil {
		newDealer = func() (transport.Dealer, error) {
			return transport.NewZmqDealer(zmqCtx)
		}
	}

	c := &Coordinator{
		namespace:        []byte(namespace),
		fullName:         envelope.CoordinatorFor([]byte(namespace)),
		address:          fmt.Sprintf("%s:%d", host, port),
		timeout:          timeout,
		cleaningInterval: cleaningInterval,
		expirationTime:   expirationTime,
		sock:             sock,
		log:              log,
		level:            opts.LogLevel,
		metrics:          opts.Metrics,
	}
	c.directory = directory.New(c.namespace, c.address, newDealer, log)
	c.registerMethods()

	log.Info("starting coordinator",
		zap.ByteString("namespace", c.namespace), zap.Int("port", port))
	if err := sock.Bind("", port); err != nil {
		sock.Close()
		return nil, err
	}
	return c, nil
}

// FullName returns "namespace.COORDINATOR".
func (c *Coordinator) FullName() []byte { return c.fullName }

// Namespace returns the coordinator's namespace.
func (c *Coordinator) Namespace() []byte { return c.namespace }

// Directory exposes the directory for inspection in tests and admin
// tooling; it must only be touched from the routing goroutine.
func (c *Coordinator) Directory() *directory.Directory { return c.directory }

// Close signs out from all peers and closes the socket.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.directory.SignOutFromAllNodes()
	c.sock.Close()
	c.log.Info("coordinator closed", zap.ByteString("name", c.fullName))
}

// Routing runs the main loop until the context is cancelled or shut_down
// is called remotely. Initial federation links are opened to the given
// coordinator addresses.
func (c *Coordinator) Routing(ctx context.Context, coordinators []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.stop = cancel

	for _, address := range coordinators {
		if address == "" {
			continue
		}
		if err := c.directory.AddNodeSender(address, nil); err != nil {
			c.log.Error("connecting to coordinator failed",
				zap.String("address", address), zap.Error(err))
		}
	}

	nextClean := time.Now().Add(c.cleaningInterval)
	for ctx.Err() == nil {
		ready, err := c.sock.Poll(c.timeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				break
			}
			c.log.Error("polling failed", zap.Error(err))
			continue
		}
		if ready {
			c.readAndRoute()
		}
		c.directory.CheckUnfinishedConnections()
		if now := time.Now(); now.After(nextClean) {
			c.RemoveExpiredAddresses(c.expirationTime)
			nextClean = now.Add(c.cleaningInterval)
		}
	}
	c.log.Info("coordinator routing stopped")
	c.Close()
	return nil
}

// readAndRoute routes one message from the main socket.
func (c *Coordinator) readAndRoute() {
	senderIdentity, message, err := c.sock.Read()
	if err != nil {
		c.log.Error("reading message failed", zap.Error(err))
		return
	}
	c.deliverMessage(senderIdentity, message)
}

// deliverMessage delivers a message from some sender identity to its
// recipient. Messages originating from this coordinator itself use an
// empty identity.
func (c *Coordinator) deliverMessage(senderIdentity []byte, message *envelope.Message) {
	c.log.Debug("delivering",
		zap.ByteString("from", message.Sender), zap.ByteString("to", message.Receiver),
		zap.String("cid", fmt.Sprintf("%x", message.ConversationID())))
	c.metrics.routed()
	if len(senderIdentity) > 0 {
		if err := c.directory.UpdateHeartbeat(senderIdentity, message); err != nil {
			var commErr *directory.CommunicationError
			if errors.As(err, &commErr) {
				c.log.Error("heartbeat update failed",
					zap.ByteString("sender", message.Sender), zap.Error(err))
				c.metrics.routingError()
				c.sendMainSockReply(senderIdentity, message, commErr.Payload)
				return
			}
		}
	}
	receiver := message.ReceiverElements()
	switch {
	case bytes.Equal(message.Receiver, envelope.CoordinatorName) ||
		bytes.Equal(message.Receiver, c.fullName):
		c.handleCommands(senderIdentity, message)
	case len(receiver.Namespace) == 0 || bytes.Equal(receiver.Namespace, c.namespace):
		c.deliverLocally(message, receiver.Name)
	default:
		c.deliverRemotely(message, receiver.Namespace)
	}
}

func (c *Coordinator) deliverLocally(message *envelope.Message, receiverName []byte) {
	receiverIdentity, err := c.directory.ComponentID(receiverName)
	if err != nil {
		c.log.Error("receiver not in addresses list", zap.ByteString("receiver", message.Receiver))
		c.metrics.routingError()
		c.sendError(message, jsonrpc.ReceiverUnknown.WithData(string(message.Receiver)))
		return
	}
	if err := c.sock.Send(receiverIdentity, message); err != nil {
		c.log.Error("local delivery failed", zap.Error(err))
		return
	}
	c.metrics.deliveredLocal()
}

func (c *Coordinator) deliverRemotely(message *envelope.Message, receiverNamespace []byte) {
	if err := c.directory.SendNodeMessage(receiverNamespace, message); err != nil {
		c.metrics.routingError()
		c.sendError(message, jsonrpc.NodeUnknown.WithData(string(receiverNamespace)))
		return
	}
	c.metrics.forwardedRemote()
}

// sendError answers the sender of a message with an error response under
// the original conversation id.
func (c *Coordinator) sendError(original *envelope.Message, rpcErr *jsonrpc.Error) {
	c.sendMessage(original.Sender, original.ConversationID(), jsonrpc.NewErrorResponse(nil, rpcErr))
}

// sendMessage routes a message originating from this coordinator itself,
// including full routing so that local and remote receivers work alike.
func (c *Coordinator) sendMessage(receiver, conversationID []byte, data any) {
	m, err := envelope.New(receiver, envelope.Options{
		Sender:         c.fullName,
		ConversationID: conversationID,
		Type:           envelope.TypeJSON,
		Data:           data,
	})
	if err != nil {
		c.log.Error("composing message failed", zap.Error(err))
		return
	}
	c.deliverMessage(nil, m)
}

// sendMainSockReply answers on the main socket directly, bypassing routing.
func (c *Coordinator) sendMainSockReply(senderIdentity []byte, original *envelope.Message, data any) {
	response, err := envelope.New(original.Sender, envelope.Options{
		Sender:         c.fullName,
		ConversationID: original.ConversationID(),
		Type:           envelope.TypeJSON,
		Data:           data,
	})
	if err != nil {
		c.log.Error("composing reply failed", zap.Error(err))
		return
	}
	if err := c.sock.Send(senderIdentity, response); err != nil {
		c.log.Error("sending reply failed", zap.Error(err))
	}
}

// handleCommands processes a message addressed to this coordinator.
func (c *Coordinator) handleCommands(senderIdentity []byte, message *envelope.Message) {
	if len(message.Payload) == 0 {
		return // empty payload, just a heartbeat
	}
	if message.Type() != envelope.TypeJSON {
		c.log.Error("message of unknown type received",
			zap.ByteString("sender", message.Sender), zap.Uint8("type", uint8(message.Type())))
		return
	}
	content := envelope.ClassifyContent(message.Payload[0])
	switch {
	case content.Contains(envelope.ContentRequest):
		c.handleRPCCall(senderIdentity, message)
	case content == envelope.ContentResultResponse:
		c.logUnexpectedResult(message.Payload[0])
	case content.Contains(envelope.ContentError):
		c.log.Error("error received",
			zap.ByteString("sender", message.Sender), zap.ByteString("payload", message.Payload[0]))
	case content.Contains(envelope.ContentResult):
		c.logUnexpectedResult(message.Payload[0])
	default:
		c.log.Error("invalid JSON message received",
			zap.ByteString("sender", message.Sender), zap.ByteString("payload", message.Payload[0]))
	}
}

// logUnexpectedResult logs result responses nobody asked for, ignoring the
// null results of answered pings.
func (c *Coordinator) logUnexpectedResult(payload []byte) {
	var single struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &single); err == nil {
		if string(single.Result) != "null" {
			c.log.Info("unexpected result received", zap.ByteString("payload", payload))
		}
		return
	}
	c.log.Info("unexpected result received", zap.ByteString("payload", payload))
}

// handleRPCCall runs a request through the RPC server and routes the reply
// back: directly on the main socket for local senders, via a peer link for
// remote ones.
func (c *Coordinator) handleRPCCall(senderIdentity []byte, message *envelope.Message) {
	ctx := &jsonrpc.CallContext{Message: message, Identity: senderIdentity}
	reply := c.rpc.ProcessRequest(ctx, message.Payload[0])
	if reply == nil {
		return
	}
	senderNamespace := message.SenderElements().Namespace
	if len(senderNamespace) == 0 || bytes.Equal(senderNamespace, c.namespace) {
		c.sendMainSockReply(senderIdentity, message, json.RawMessage(reply))
		return
	}
	c.sendMessage(message.Sender, message.ConversationID(), json.RawMessage(reply))
}

// RemoveExpiredAddresses runs one expiration pass over components and
// nodes.
func (c *Coordinator) RemoveExpiredAddresses(expiration time.Duration) {
	c.log.Debug("cleaning addresses")
	c.cleanComponents(expiration)
	c.directory.FindExpiredNodes(expiration)
	c.metrics.componentCount(len(c.directory.ComponentNames()))
}

func (c *Coordinator) cleanComponents(expiration time.Duration) {
	toAdmonish := c.directory.FindExpiredComponents(expiration)
	for _, target := range toAdmonish {
		ping, err := jsonrpc.NewRequest(0, "pong", nil)
		if err != nil {
			continue
		}
		m, err := envelope.New(envelope.JoinName(c.namespace, target.Name), envelope.Options{
			Sender: c.fullName,
			Type:   envelope.TypeJSON,
			Data:   ping,
		})
		if err != nil {
			continue
		}
		if err := c.sock.Send(target.Identity, m); err != nil {
			c.log.Warn("pinging component failed",
				zap.ByteString("name", target.Name), zap.Error(err))
		}
	}
	c.publishDirectoryUpdate()
}

// publishDirectoryUpdate gossips the full node map and local membership to
// every known peer.
func (c *Coordinator) publishDirectoryUpdate() {
	batch, err := c.directory.DirectoryUpdateBatch()
	if err != nil {
		c.log.Error("building directory update failed", zap.Error(err))
		return
	}
	for namespace := range c.directory.Nodes() {
		c.sendMessage(envelope.CoordinatorFor([]byte(namespace)), nil, json.RawMessage(batch))
	}
}
