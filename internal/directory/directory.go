// Package directory tracks the components signed in at a coordinator and
// the federation links to peer coordinators, and drives their expiration.
//
// The directory is owned by exactly one coordinator loop and is not safe
// for concurrent use. Peer links appear in up to two indices: by namespace
// for the outbound (dealer) half and by transport identity for the inbound
// half; both indices reference the same Peer once the two-phase sign-in
// handshake completed.
package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

// Directory errors.
var (
	ErrDuplicateName     = errors.New("the name is already taken")
	ErrIdentityMismatch  = errors.New("identities do not match")
	ErrConnectToSelf     = errors.New("cannot connect to myself")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrAlreadyConnecting = errors.New("already trying to connect")
	ErrUnknownComponent  = errors.New("component is not known")
	ErrUnknownNode       = errors.New("node is not known")
)

// CommunicationError reports a protocol violation detected during heartbeat
// bookkeeping. It carries the pre-built error response the coordinator
// echoes back to the offender.
type CommunicationError struct {
	Text    string
	Payload jsonrpc.Response
}

func (e *CommunicationError) Error() string {
	return e.Text
}

func newCommunicationError(text string, rpcErr *jsonrpc.Error) *CommunicationError {
	return &CommunicationError{
		Text:    text,
		Payload: jsonrpc.NewErrorResponse(nil, rpcErr),
	}
}

// Component is a locally signed-in component.
type Component struct {
	Identity  []byte
	Heartbeat time.Time
}

// Peer is a federation link to another coordinator. The dealer is the
// outbound half and is nil as long as only the inbound half exists.
type Peer struct {
	Namespace []byte
	Address   string
	Heartbeat time.Time

	dealer transport.Dealer
}

// Connected reports whether the outbound half of the link is open.
func (p *Peer) Connected() bool {
	return p.dealer != nil && p.dealer.Connected()
}

// Send emits a message on the outbound half.
func (p *Peer) Send(m *envelope.Message) error {
	if p.dealer == nil {
		return transport.ErrClosed
	}
	return p.dealer.Send(m)
}

// Poll reports whether the outbound half has a readable message.
func (p *Peer) Poll(timeout time.Duration) (bool, error) {
	if p.dealer == nil {
		return false, transport.ErrClosed
	}
	return p.dealer.Poll(timeout)
}

// Read returns the next message of the outbound half.
func (p *Peer) Read() (*envelope.Message, error) {
	if p.dealer == nil {
		return nil, transport.ErrClosed
	}
	return p.dealer.Read()
}

func (p *Peer) disconnect() {
	if p.dealer != nil {
		p.dealer.Close()
	}
}

// DealerFactory creates the outbound socket for a new peer link.
type DealerFactory func() (transport.Dealer, error)

// Directory maintains the component and peer records of one coordinator.
type Directory struct {
	namespace []byte
	fullName  []byte
	address   string

	components   map[string]*Component
	nodes        map[string]*Peer // by namespace, outbound half
	nodeIDs      map[string]*Peer // by transport identity, inbound half
	waitingNodes map[string]*Peer // by address, outbound sign-in pending
	global       map[string][]string

	newDealer DealerFactory
	generator *jsonrpc.Generator
	log       *zap.Logger
	now       func() time.Time
}

// New creates a directory for the coordinator with the given namespace and
// public address ("host:port").
func New(namespace []byte, address string, newDealer DealerFactory, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		namespace:    namespace,
		fullName:     envelope.CoordinatorFor(namespace),
		address:      address,
		components:   make(map[string]*Component),
		nodes:        make(map[string]*Peer),
		nodeIDs:      make(map[string]*Peer),
		waitingNodes: make(map[string]*Peer),
		global:       make(map[string][]string),
		newDealer:    newDealer,
		generator:    jsonrpc.NewGenerator(),
		log:          log,
		now:          time.Now,
	}
}

// Namespace returns the coordinator's namespace.
func (d *Directory) Namespace() []byte { return d.namespace }

// FullName returns "namespace.COORDINATOR".
func (d *Directory) FullName() []byte { return d.fullName }

// AddComponent registers a component name under a transport identity.
// Re-registration with the same identity refreshes the heartbeat, with a
// different identity it fails.
func (d *Directory) AddComponent(name, identity []byte) error {
	key := string(name)
	if component, ok := d.components[key]; ok {
		if !bytes.Equal(component.Identity, identity) {
			d.log.Error("cannot add component, name taken", zap.ByteString("name", name))
			return ErrDuplicateName
		}
		component.Heartbeat = d.now()
		return nil
	}
	d.components[key] = &Component{Identity: identity, Heartbeat: d.now()}
	return nil
}

// RemoveComponent unregisters a component. A nil identity skips the
// identity check; removing an unknown component is a no-op.
func (d *Directory) RemoveComponent(name, identity []byte) error {
	component, ok := d.components[string(name)]
	if !ok {
		return nil
	}
	if identity != nil && !bytes.Equal(component.Identity, identity) {
		return ErrIdentityMismatch
	}
	delete(d.components, string(name))
	return nil
}

// ComponentID returns the transport identity of a component.
func (d *Directory) ComponentID(name []byte) ([]byte, error) {
	component, ok := d.components[string(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	return component.Identity, nil
}

// ComponentNames lists the locally signed-in component names, sorted.
func (d *Directory) ComponentNames() []string {
	names := make([]string, 0, len(d.components))
	for name := range d.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddNodeSender opens the outbound half of a link to the coordinator at
// address and sends the coordinator_sign_in request. The link stays in the
// waiting set until the response arrives.
func (d *Directory) AddNodeSender(address string, namespace []byte) error {
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, envelope.CoordinatorPort)
	}
	if bytes.Equal(namespace, d.namespace) || address == d.address {
		return ErrConnectToSelf
	}
	if _, ok := d.nodes[string(namespace)]; ok && len(namespace) > 0 {
		return ErrAlreadyConnected
	}
	if _, ok := d.waitingNodes[address]; ok {
		return ErrAlreadyConnecting
	}
	dealer, err := d.newDealer()
	if err != nil {
		return fmt.Errorf("creating peer socket: %w", err)
	}
	d.log.Info("signing in to remote node", zap.String("address", address))
	if err := dealer.Connect(address); err != nil {
		return err
	}
	peer := &Peer{Namespace: namespace, Address: address, Heartbeat: d.now(), dealer: dealer}
	if err := d.sendRequest(peer, envelope.CoordinatorName, nil, "coordinator_sign_in", nil); err != nil {
		dealer.Close()
		return err
	}
	d.waitingNodes[address] = peer
	return nil
}

// AddNodeReceiver registers the inbound half of a link from the coordinator
// of the given namespace. An outbound-only peer of the same namespace is
// adopted; if that outbound peer is already referenced by an inbound
// identity, the call is rejected. A namespace without outbound peer gets a
// fresh inbound peer for every identity; earlier inbound records of that
// namespace are not checked.
func (d *Directory) AddNodeReceiver(identity, namespace []byte) error {
	peer := d.nodes[string(namespace)]
	if peer == nil {
		peer = &Peer{Namespace: namespace}
	} else {
		for _, known := range d.nodeIDs {
			if known == peer {
				return fmt.Errorf("%w: another coordinator is known", ErrDuplicateName)
			}
		}
	}
	peer.Heartbeat = d.now()
	d.nodeIDs[string(identity)] = peer
	return nil
}

// CheckUnfinishedConnections polls every waiting outbound link for its
// sign-in response and finishes or drops the link accordingly.
func (d *Directory) CheckUnfinishedConnections() {
	for address, peer := range d.waitingNodes {
		ready, err := peer.Poll(0)
		if err != nil || !ready {
			continue
		}
		message, err := peer.Read()
		if err != nil {
			d.log.Error("reading sign-in response failed", zap.Error(err))
			continue
		}
		d.handleNodeMessage(address, message)
	}
}

func (d *Directory) handleNodeMessage(address string, message *envelope.Message) {
	if len(message.Payload) == 0 {
		d.log.Warn("unexpected empty message on waiting link", zap.String("address", address))
		return
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(message.Payload[0], &resp); err != nil {
		d.log.Warn("unknown message on waiting link",
			zap.String("address", address), zap.ByteString("sender", message.Sender))
		return
	}
	switch {
	case resp.Error != nil:
		d.log.Error("coordinator sign in failed",
			zap.ByteString("namespace", message.SenderElements().Namespace),
			zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
		delete(d.waitingNodes, address)
	case resp.Result != nil:
		d.finishSignInToRemote(address, message)
	default:
		d.log.Warn("unknown message on waiting link",
			zap.String("address", address), zap.ByteString("sender", message.Sender))
	}
}

// finishSignInToRemote promotes a waiting link into the node table and
// announces the current directory to the new peer.
func (d *Directory) finishSignInToRemote(address string, message *envelope.Message) {
	peer := d.waitingNodes[address]
	delete(d.waitingNodes, address)
	senderNamespace := message.SenderElements().Namespace
	d.log.Info("renaming peer link",
		zap.String("address", address), zap.ByteString("namespace", senderNamespace))
	peer.Namespace = senderNamespace
	d.nodes[string(senderNamespace)] = peer
	d.combineSenderAndReceiver(peer)
	if err := d.sendDirectoryBatch(peer, message.Sender); err != nil {
		d.log.Error("sending directory update failed", zap.Error(err))
	}
}

// combineSenderAndReceiver merges the inbound half of the same namespace
// into the freshly connected outbound peer.
func (d *Directory) combineSenderAndReceiver(peer *Peer) {
	for identity, receiver := range d.nodeIDs {
		if !receiver.Connected() && bytes.Equal(receiver.Namespace, peer.Namespace) {
			peer.Heartbeat = receiver.Heartbeat
			d.nodeIDs[identity] = peer
			d.log.Debug("combined receiver into node", zap.ByteString("namespace", peer.Namespace))
			break
		}
	}
}

// sendDirectoryBatch sends the add_nodes + record_components batch to a
// peer, addressed to receiver.
func (d *Directory) sendDirectoryBatch(peer *Peer, receiver []byte) error {
	batch, err := d.DirectoryUpdateBatch()
	if err != nil {
		return err
	}
	m, err := envelope.New(receiver, envelope.Options{
		Sender: d.fullName,
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(batch),
	})
	if err != nil {
		return err
	}
	return peer.Send(m)
}

// DirectoryUpdateBatch serializes the gossip batch announcing the full
// node map and the local component names.
func (d *Directory) DirectoryUpdateBatch() ([]byte, error) {
	addNodes, err := jsonrpc.NewRequest(5, "add_nodes", map[string]any{"nodes": d.NodesAddressMap()})
	if err != nil {
		return nil, err
	}
	record, err := jsonrpc.NewRequest(6, "record_components", map[string]any{"components": d.ComponentNames()})
	if err != nil {
		return nil, err
	}
	return json.Marshal([]jsonrpc.Request{addNodes, record})
}

// RemoveNode removes a peer whose inbound identity and namespace must
// match, closing the outbound half.
func (d *Directory) RemoveNode(namespace, identity []byte) error {
	peer := d.nodeIDs[string(identity)]
	if peer == nil || !bytes.Equal(peer.Namespace, namespace) {
		return fmt.Errorf("%w: you are not you", ErrIdentityMismatch)
	}
	d.removeNodeWithoutChecks(namespace)
	return nil
}

func (d *Directory) removeNodeWithoutChecks(namespace []byte) {
	peer, ok := d.nodes[string(namespace)]
	if !ok {
		for identity, candidate := range d.nodeIDs {
			if bytes.Equal(candidate.Namespace, namespace) {
				delete(d.nodeIDs, identity)
				break
			}
		}
		return
	}
	delete(d.nodes, string(namespace))
	for identity, candidate := range d.nodeIDs {
		if candidate == peer {
			delete(d.nodeIDs, identity)
		}
	}
	peer.disconnect()
}

// Node returns the outbound peer of a namespace.
func (d *Directory) Node(namespace []byte) (*Peer, error) {
	peer, ok := d.nodes[string(namespace)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, namespace)
	}
	return peer, nil
}

// Nodes returns the outbound peer table, keyed by namespace.
func (d *Directory) Nodes() map[string]*Peer { return d.nodes }

// NodeIDs returns the inbound peer table, keyed by transport identity.
func (d *Directory) NodeIDs() map[string]*Peer { return d.nodeIDs }

// WaitingNodes returns the pending outbound links, keyed by address.
func (d *Directory) WaitingNodes() map[string]*Peer { return d.waitingNodes }

// NodesAddressMap returns the namespace to address map including this
// coordinator itself.
func (d *Directory) NodesAddressMap() map[string]string {
	addresses := map[string]string{string(d.namespace): d.address}
	for namespace, peer := range d.nodes {
		addresses[namespace] = peer.Address
	}
	return addresses
}

// SendNodeMessage forwards a message on the outbound half of the peer
// owning the namespace.
func (d *Directory) SendNodeMessage(namespace []byte, m *envelope.Message) error {
	peer, ok := d.nodes[string(namespace)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, namespace)
	}
	return peer.Send(m)
}

// UpdateHeartbeat refreshes the record of whatever sent the message, or
// returns a CommunicationError with the error payload to echo back.
func (d *Directory) UpdateHeartbeat(senderIdentity []byte, message *envelope.Message) error {
	sender := message.SenderElements()
	switch {
	case len(sender.Namespace) == 0 || bytes.Equal(sender.Namespace, d.namespace):
		return d.updateLocalHeartbeat(senderIdentity, message)
	case d.nodeIDs[string(senderIdentity)] != nil:
		// Message of another coordinator's dealer socket.
		d.nodeIDs[string(senderIdentity)].Heartbeat = d.now()
		return nil
	case bytes.Equal(sender.Name, envelope.CoordinatorName) &&
		len(message.Payload) > 0 &&
		bytes.Contains(message.Payload[0], []byte("coordinator_sign_")):
		// Coordinator signing in or out, no record yet.
		return nil
	default:
		return newCommunicationError(
			fmt.Sprintf("message from not signed in component or node %s", message.Sender),
			jsonrpc.NotSignedIn,
		)
	}
}

func (d *Directory) updateLocalHeartbeat(senderIdentity []byte, message *envelope.Message) error {
	component := d.components[string(message.SenderElements().Name)]
	if component != nil {
		if bytes.Equal(senderIdentity, component.Identity) {
			component.Heartbeat = d.now()
			return nil
		}
		return newCommunicationError(ErrDuplicateName.Error(), jsonrpc.DuplicateName)
	}
	if len(message.Payload) == 0 {
		// Bare heartbeat of a component we do not know yet; harmless.
		return nil
	}
	if bytes.Contains(message.Payload[0], []byte(`"sign_in"`)) ||
		bytes.Contains(message.Payload[0], []byte(`"sign_out"`)) {
		// Signing in, no heartbeat record yet.
		return nil
	}
	return newCommunicationError(
		fmt.Sprintf("message from not signed in component %s", message.Sender),
		jsonrpc.NotSignedIn,
	)
}

// AdmonishTarget names a silent component the coordinator should ping.
type AdmonishTarget struct {
	Identity []byte
	Name     []byte
}

// FindExpiredComponents removes components idle for more than three times
// the expiration time and returns the ones idle for more than once the
// expiration time, to be pinged.
func (d *Directory) FindExpiredComponents(expiration time.Duration) []AdmonishTarget {
	now := d.now()
	var toAdmonish []AdmonishTarget
	for name, component := range d.components {
		switch {
		case now.After(component.Heartbeat.Add(3 * expiration)):
			delete(d.components, name)
		case now.After(component.Heartbeat.Add(expiration)):
			toAdmonish = append(toAdmonish, AdmonishTarget{
				Identity: component.Identity,
				Name:     []byte(name),
			})
		}
	}
	return toAdmonish
}

// FindExpiredNodes pings or removes connected peers and abandons waiting
// links on the same schedule as components.
func (d *Directory) FindExpiredNodes(expiration time.Duration) {
	d.findExpiredConnectedNodes(expiration)
	d.findExpiredWaitingNodes(expiration)
}

func (d *Directory) findExpiredWaitingNodes(expiration time.Duration) {
	now := d.now()
	for address, peer := range d.waitingNodes {
		if now.After(peer.Heartbeat.Add(3 * expiration)) {
			d.log.Info("removing unresponsive waiting node", zap.String("address", address))
			peer.disconnect()
			delete(d.waitingNodes, address)
		}
	}
}

func (d *Directory) findExpiredConnectedNodes(expiration time.Duration) {
	now := d.now()
	for identity, peer := range d.nodeIDs {
		switch {
		case now.After(peer.Heartbeat.Add(3 * expiration)):
			d.log.Info("node unresponsive, removing",
				zap.ByteString("namespace", peer.Namespace), zap.String("identity", identity))
			d.removeNodeWithoutChecks(peer.Namespace)
		case now.After(peer.Heartbeat.Add(expiration)) && peer.Connected():
			d.log.Debug("node expired, pinging", zap.ByteString("namespace", peer.Namespace))
			if err := d.sendRequest(peer, peer.Namespace, envelope.CoordinatorName, "pong", nil); err != nil {
				d.log.Error("pinging node failed", zap.Error(err))
			}
		}
	}
}

// sendRequest sends a single JSON-RPC request on the outbound half of a
// peer. An empty namespace addresses the bare local name.
func (d *Directory) sendRequest(peer *Peer, namespace, name []byte, method string, params any) error {
	receiver := namespace
	if name != nil {
		receiver = envelope.JoinName(namespace, name)
	}
	body, err := d.generator.BuildRequest(method, params)
	if err != nil {
		return err
	}
	m, err := envelope.New(receiver, envelope.Options{
		Sender: d.fullName,
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(body),
	})
	if err != nil {
		return err
	}
	return peer.Send(m)
}

// SignOutFromNode announces coordinator_sign_out to a peer and drops the
// link.
func (d *Directory) SignOutFromNode(namespace []byte) error {
	peer, ok := d.nodes[string(namespace)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, namespace)
	}
	if err := d.sendRequest(peer, namespace, envelope.CoordinatorName, "coordinator_sign_out", nil); err != nil {
		d.log.Warn("sending coordinator_sign_out failed", zap.Error(err))
	}
	peer.disconnect()
	d.removeNodeWithoutChecks(namespace)
	return nil
}

// SignOutFromAllNodes drops every federation link.
func (d *Directory) SignOutFromAllNodes() {
	namespaces := make([][]byte, 0, len(d.nodes))
	for namespace := range d.nodes {
		namespaces = append(namespaces, []byte(namespace))
	}
	for _, namespace := range namespaces {
		if err := d.SignOutFromNode(namespace); err != nil {
			d.log.Warn("sign out from node failed", zap.Error(err))
		}
	}
}

// RecordRemoteComponents stores the gossiped membership of a peer node.
func (d *Directory) RecordRemoteComponents(namespace []byte, components []string) {
	d.global[string(namespace)] = components
}

// GlobalComponents returns the last known membership of every node,
// including the local one.
func (d *Directory) GlobalComponents() map[string][]string {
	result := make(map[string][]string, len(d.global)+1)
	for namespace, components := range d.global {
		result[namespace] = components
	}
	result[string(d.namespace)] = d.ComponentNames()
	return result
}
