package transport

import (
	"time"

	"github.com/labmesh/labmesh/internal/envelope"
)

// Identified pairs a message with the transport identity of its sender.
type Identified struct {
	Identity []byte
	Message  *envelope.Message
}

// FakeRouter is an in-memory Router for tests. Push incoming traffic with
// Feed, inspect outgoing traffic in Sent.
type FakeRouter struct {
	Incoming []Identified
	Sent     []Identified
	Closed   bool
}

// Feed queues an incoming message for the next Read.
func (r *FakeRouter) Feed(identity []byte, m *envelope.Message) {
	r.Incoming = append(r.Incoming, Identified{Identity: identity, Message: m})
}

func (r *FakeRouter) Bind(string, int) error { return nil }

func (r *FakeRouter) Close() error {
	r.Closed = true
	return nil
}

func (r *FakeRouter) Send(identity []byte, m *envelope.Message) error {
	if _, err := m.ToFrames(); err != nil {
		return err
	}
	r.Sent = append(r.Sent, Identified{Identity: identity, Message: m})
	return nil
}

func (r *FakeRouter) Poll(time.Duration) (bool, error) {
	if r.Closed {
		return false, ErrClosed
	}
	return len(r.Incoming) > 0, nil
}

func (r *FakeRouter) Read() ([]byte, *envelope.Message, error) {
	if len(r.Incoming) == 0 {
		return nil, nil, ErrTimeout
	}
	next := r.Incoming[0]
	r.Incoming = r.Incoming[1:]
	return next.Identity, next.Message, nil
}

// FakeDealer is an in-memory Dealer for tests.
type FakeDealer struct {
	Address   string
	Incoming  []*envelope.Message
	Sent      []*envelope.Message
	connected bool
}

// Feed queues an incoming message for the next Read.
func (d *FakeDealer) Feed(m *envelope.Message) {
	d.Incoming = append(d.Incoming, m)
}

func (d *FakeDealer) Connect(address string) error {
	d.Address = address
	d.connected = true
	return nil
}

func (d *FakeDealer) Close() error {
	d.connected = false
	return nil
}

func (d *FakeDealer) Connected() bool { return d.connected }

func (d *FakeDealer) Send(m *envelope.Message) error {
	if _, err := m.ToFrames(); err != nil {
		return err
	}
	d.Sent = append(d.Sent, m)
	return nil
}

func (d *FakeDealer) Poll(time.Duration) (bool, error) {
	return len(d.Incoming) > 0, nil
}

func (d *FakeDealer) Read() (*envelope.Message, error) {
	if len(d.Incoming) == 0 {
		return nil, ErrTimeout
	}
	next := d.Incoming[0]
	d.Incoming = d.Incoming[1:]
	return next, nil
}
