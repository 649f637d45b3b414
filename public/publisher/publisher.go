// Package publisher sends data-plane messages to the proxy broker.
//
// A data message travels as `topic, header (20 bytes), payload…` where the
// topic is the full name of the publishing component. Subscribers filter by
// topic on the XPUB side of the proxy.
package publisher

import (
	"encoding/json"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
)

// DataMessage is a single message of the data protocol.
type DataMessage struct {
	Topic   []byte
	Header  []byte // same 20-byte layout as the control plane
	Payload [][]byte
}

// NewDataMessage builds a data message. A nil conversation id generates a
// fresh one; data is JSON-encoded into the first payload frame.
func NewDataMessage(topic []byte, conversationID []byte, typ envelope.MessageType, data any, additional [][]byte) (*DataMessage, error) {
	header, err := envelope.BuildHeader(conversationID, nil, typ)
	if err != nil {
		return nil, err
	}
	m := &DataMessage{Topic: topic, Header: header}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("serializing data: %w", err)
		}
		m.Payload = append(m.Payload, body)
	}
	m.Payload = append(m.Payload, additional...)
	return m, nil
}

// ToFrames serializes the message for the wire.
func (m *DataMessage) ToFrames() [][]byte {
	frames := make([][]byte, 0, 2+len(m.Payload))
	frames = append(frames, m.Topic, m.Header)
	return append(frames, m.Payload...)
}

// FromFrames reconstructs a data message read from a SUB socket.
func FromFrames(frames [][]byte) (*DataMessage, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("at least 2 frames required, got %d", len(frames))
	}
	m := &DataMessage{Topic: frames[0], Header: frames[1]}
	if len(frames) > 2 {
		m.Payload = frames[2:]
	}
	return m, nil
}

// DataPublisher publishes data messages under the full name of its
// component.
//
// SetFullName may be called from another goroutine, e.g. after a rename of
// the owning component, and is guarded for that; the socket itself is not.
type DataPublisher struct {
	nameMu   sync.RWMutex
	fullName []byte

	sock *zmq.Socket
	log  *zap.Logger
}

// NewDataPublisher connects a PUB socket to the proxy ingress.
func NewDataPublisher(fullName, host string, port int, ctx *zmq.Context, log *zap.Logger) (*DataPublisher, error) {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = envelope.ProxyIngressPort
	}
	if log == nil {
		log = zap.NewNop()
	}
	var err error
	if ctx == nil {
		ctx, err = zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("creating zmq context: %w", err)
		}
	}
	sock, err := ctx.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("creating PUB socket: %w", err)
	}
	if err := sock.Connect(fmt.Sprintf("tcp://%s:%d", host, port)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("connecting to proxy: %w", err)
	}
	log.Info("publisher started", zap.String("host", host), zap.Int("port", port))
	return &DataPublisher{fullName: []byte(fullName), sock: sock, log: log}, nil
}

// Close closes the socket.
func (p *DataPublisher) Close() {
	p.sock.Close()
}

// FullName returns the current topic name.
func (p *DataPublisher) FullName() []byte {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.fullName
}

// SetFullName adopts a new component name, e.g. after a rename of the
// owning listener.
func (p *DataPublisher) SetFullName(fullName []byte) {
	p.nameMu.Lock()
	defer p.nameMu.Unlock()
	p.fullName = fullName
}

// SendMessage publishes a prepared data message.
func (p *DataPublisher) SendMessage(m *DataMessage) error {
	if _, err := p.sock.SendMessage(m.ToFrames()); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	return nil
}

// SendData publishes data under the component's own topic.
func (p *DataPublisher) SendData(data any) error {
	m, err := NewDataMessage(p.FullName(), nil, envelope.TypeNotDefined, data, nil)
	if err != nil {
		return err
	}
	return p.SendMessage(m)
}
