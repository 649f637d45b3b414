// Package envelope implements the layered control-protocol message that all
// components of the mesh exchange.
//
// A message travels as an ordered list of byte frames:
//
//	frame 0: protocol version (single byte)
//	frame 1: receiver full name ("namespace.name", UTF-8)
//	frame 2: sender full name (may be empty until the sending layer fills it)
//	frame 3: header, exactly 20 bytes (conversation id, message id, type)
//	frame 4+: optional payload frames; frame 4 carries the JSON body when the
//	          message type is JSON, later frames carry binary side-payload
//
// The envelope is transport-agnostic: it only converts between the Message
// structure and the frame list, the sockets move the frames.
//
// Called by: coordinator routing, message handlers, client helpers
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the wire version of the control protocol carried in frame 0.
const Version byte = 0

// MessageType is the single type byte at the end of the header frame.
type MessageType byte

// Defined message types. Values of 200 and above are reserved for legacy
// data-plane payload encodings and never appear on the control plane.
const (
	TypeNotDefined MessageType = 0 // heartbeat or legacy content
	TypeJSON       MessageType = 1 // payload frame 0 is a JSON-RPC 2.0 body

	// Legacy data-plane encodings, kept for wire compatibility with old
	// publishers. The control plane rejects nothing, it just stores them.
	TypeLegacyPickle    MessageType = 234
	TypeLegacyTopicJSON MessageType = 235
)

// Default ports of the mesh services.
const (
	CoordinatorPort = 12300 // control plane ROUTER socket
	ProxyIngressPort = 11100 // data plane XSUB (publishers connect here)
	ProxyEgressPort  = 11099 // data plane XPUB (subscribers connect here)
	LogIngressPort   = 11098 // log ingress XSUB
	LogEgressPort    = 11097 // log egress XPUB
)

// ErrEmptySender is returned when a message without sender is serialized.
var ErrEmptySender = fmt.Errorf("empty sender frame not allowed to send")

// ErrTooFewFrames is returned when fewer than the four mandatory frames are
// decoded from the wire.
var ErrTooFewFrames = fmt.Errorf("at least 4 frames required")

// Message is a single control-protocol message.
//
// Receiver and Sender are full names as raw bytes. Header is the verbatim
// 20-byte header frame. Payload holds zero or more frames; Payload[0] is the
// JSON body for Type == TypeJSON, the remaining frames are binary
// side-payload.
type Message struct {
	Version  byte
	Receiver []byte
	Sender   []byte
	Header   []byte
	Payload  [][]byte
}

// Options carries the optional constructor arguments of New.
//
// Either Header is given verbatim, or it is built from ConversationID,
// MessageID and Type (absent ConversationID means "generate a fresh one").
// Data, when non-nil, is JSON-encoded into payload frame 0; AdditionalPayload
// frames follow it.
type Options struct {
	Sender            []byte
	Header            []byte
	ConversationID    []byte
	MessageID         []byte
	Type              MessageType
	Data              any
	AdditionalPayload [][]byte
}

// New creates a message for the given receiver.
//
// Returns an error if both a verbatim header and header elements are
// specified, if a header element has a wrong length, or if Data cannot be
// JSON-encoded.
func New(receiver []byte, opts Options) (*Message, error) {
	m := &Message{
		Version:  Version,
		Receiver: receiver,
		Sender:   opts.Sender,
	}
	if opts.Header != nil {
		if opts.ConversationID != nil || opts.MessageID != nil || opts.Type != TypeNotDefined {
			return nil, fmt.Errorf("header and header elements are mutually exclusive")
		}
		m.Header = opts.Header
	} else {
		header, err := BuildHeader(opts.ConversationID, opts.MessageID, opts.Type)
		if err != nil {
			return nil, err
		}
		m.Header = header
	}
	if opts.Data != nil {
		body, err := serializeData(opts.Data)
		if err != nil {
			return nil, fmt.Errorf("serializing payload: %w", err)
		}
		m.Payload = append(m.Payload, body)
	}
	m.Payload = append(m.Payload, opts.AdditionalPayload...)
	return m, nil
}

// MustNew is New for messages built from static arguments, where an error
// indicates a programming mistake.
func MustNew(receiver []byte, opts Options) *Message {
	m, err := New(receiver, opts)
	if err != nil {
		panic(err)
	}
	return m
}

// serializeData encodes data into the JSON body frame. Raw bytes and strings
// pass through unencoded, everything else is marshalled.
func serializeData(data any) ([]byte, error) {
	switch d := data.(type) {
	case []byte:
		return d, nil
	case json.RawMessage:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(data)
	}
}

// FromFrames reconstructs a message read from a socket. The first four
// frames are mandatory, all further frames become the payload.
func FromFrames(frames [][]byte) (*Message, error) {
	if len(frames) < 4 {
		return nil, fmt.Errorf("%w, got %d", ErrTooFewFrames, len(frames))
	}
	if len(frames[0]) != 1 {
		return nil, fmt.Errorf("version frame must be a single byte, got %d", len(frames[0]))
	}
	m := &Message{
		Version:  frames[0][0],
		Receiver: frames[1],
		Sender:   frames[2],
		Header:   frames[3],
	}
	if len(frames) > 4 {
		m.Payload = frames[4:]
	}
	return m, nil
}

// ToFrames serializes the message for sending. The sender must be set.
func (m *Message) ToFrames() ([][]byte, error) {
	if len(m.Sender) == 0 {
		return nil, ErrEmptySender
	}
	return m.framesWithoutSenderCheck(), nil
}

func (m *Message) framesWithoutSenderCheck() [][]byte {
	frames := make([][]byte, 0, 4+len(m.Payload))
	frames = append(frames, []byte{m.Version}, m.Receiver, m.Sender, m.Header)
	return append(frames, m.Payload...)
}

// ConversationID returns the 16-byte conversation id from the header.
func (m *Message) ConversationID() []byte {
	if len(m.Header) < 16 {
		return nil
	}
	return m.Header[:16]
}

// MessageID returns the 3-byte message id from the header.
func (m *Message) MessageID() []byte {
	if len(m.Header) < 19 {
		return nil
	}
	return m.Header[16:19]
}

// Type returns the message type byte from the header.
func (m *Message) Type() MessageType {
	if len(m.Header) < 20 {
		return TypeNotDefined
	}
	return MessageType(m.Header[19])
}

// ReceiverElements splits the receiver into namespace and local name.
func (m *Message) ReceiverElements() FullName {
	return SplitName(m.Receiver, nil)
}

// SenderElements splits the sender into namespace and local name.
func (m *Message) SenderElements() FullName {
	return SplitName(m.Sender, nil)
}

// Data decodes payload frame 0 as JSON.
func (m *Message) Data() (any, error) {
	if len(m.Payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(m.Payload[0], &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Equal reports whether two messages carry the same content.
//
// Version, receiver, sender and header must match byte for byte. The payload
// matches if the frames are byte-equal, or if the first frames decode to the
// same JSON value while the remaining frames are byte-equal. A message
// without payload differs from one with an empty payload frame.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	if m.Version != other.Version ||
		!bytes.Equal(m.Receiver, other.Receiver) ||
		!bytes.Equal(m.Sender, other.Sender) ||
		!bytes.Equal(m.Header, other.Header) {
		return false
	}
	if payloadFramesEqual(m.Payload, other.Payload) {
		return true
	}
	if len(m.Payload) == 0 || len(other.Payload) == 0 {
		return false
	}
	myData, err1 := m.Data()
	otherData, err2 := other.Data()
	if err1 != nil || err2 != nil {
		return false
	}
	return jsonValueEqual(myData, otherData) &&
		payloadFramesEqual(m.Payload[1:], other.Payload[1:])
}

func payloadFramesEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// jsonValueEqual compares two decoded JSON values structurally.
func jsonValueEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !jsonValueEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// String renders the message for log output.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%s -> %s, cid %x, type %d, %d payload frames)",
		m.Sender, m.Receiver, m.ConversationID(), m.Type(), len(m.Payload))
}
