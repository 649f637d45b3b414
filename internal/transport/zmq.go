package transport

import (
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/labmesh/labmesh/internal/envelope"
)

// closeLinger bounds how long a closing socket may try to flush queued
// messages.
const closeLinger = time.Second

// ZmqRouter is a Router backed by a zmq ROUTER socket. It must be used from
// a single goroutine.
type ZmqRouter struct {
	sock   *zmq.Socket
	poller *zmq.Poller
	closed bool
}

// NewZmqRouter creates the ROUTER socket in the given context. A nil
// context creates a private one.
func NewZmqRouter(ctx *zmq.Context) (*ZmqRouter, error) {
	var err error
	if ctx == nil {
		ctx, err = zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("creating zmq context: %w", err)
		}
	}
	sock, err := ctx.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("creating ROUTER socket: %w", err)
	}
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &ZmqRouter{sock: sock, poller: poller}, nil
}

func (r *ZmqRouter) Bind(host string, port int) error {
	if host == "" {
		host = "*"
	}
	if err := r.sock.Bind(fmt.Sprintf("tcp://%s:%d", host, port)); err != nil {
		return fmt.Errorf("binding to %s:%d: %w", host, port, err)
	}
	return nil
}

func (r *ZmqRouter) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.sock.SetLinger(closeLinger)
	return r.sock.Close()
}

func (r *ZmqRouter) Send(identity []byte, m *envelope.Message) error {
	frames, err := m.ToFrames()
	if err != nil {
		return err
	}
	parts := make([][]byte, 0, len(frames)+1)
	parts = append(parts, identity)
	parts = append(parts, frames...)
	if _, err := r.sock.SendMessage(parts); err != nil {
		return fmt.Errorf("sending to %x: %w", identity, err)
	}
	return nil
}

func (r *ZmqRouter) Poll(timeout time.Duration) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	polled, err := r.poller.Poll(timeout)
	if err != nil {
		return false, err
	}
	return len(polled) > 0, nil
}

func (r *ZmqRouter) Read() ([]byte, *envelope.Message, error) {
	frames, err := r.sock.RecvMessageBytes(0)
	if err != nil {
		return nil, nil, err
	}
	if len(frames) < 1 {
		return nil, nil, fmt.Errorf("empty multipart message")
	}
	m, err := envelope.FromFrames(frames[1:])
	if err != nil {
		return nil, nil, err
	}
	return frames[0], m, nil
}

// ZmqDealer is a Dealer backed by a zmq DEALER socket. It must be used from
// a single goroutine.
type ZmqDealer struct {
	ctx       *zmq.Context
	sock      *zmq.Socket
	poller    *zmq.Poller
	connected bool
}

// NewZmqDealer prepares a dealer in the given context without connecting
// yet. A nil context creates a private one.
func NewZmqDealer(ctx *zmq.Context) (*ZmqDealer, error) {
	var err error
	if ctx == nil {
		ctx, err = zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("creating zmq context: %w", err)
		}
	}
	return &ZmqDealer{ctx: ctx}, nil
}

func (d *ZmqDealer) Connect(address string) error {
	sock, err := d.ctx.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("creating DEALER socket: %w", err)
	}
	if err := sock.Connect("tcp://" + address); err != nil {
		sock.Close()
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	d.sock = sock
	d.poller = zmq.NewPoller()
	d.poller.Add(sock, zmq.POLLIN)
	d.connected = true
	return nil
}

func (d *ZmqDealer) Close() error {
	if !d.connected {
		return nil
	}
	d.connected = false
	d.sock.SetLinger(closeLinger)
	return d.sock.Close()
}

func (d *ZmqDealer) Connected() bool {
	return d.connected
}

// Socket exposes the raw zmq socket, for owners which poll it together
// with other sockets in one poller.
func (d *ZmqDealer) Socket() *zmq.Socket {
	return d.sock
}

func (d *ZmqDealer) Send(m *envelope.Message) error {
	if !d.connected {
		return ErrClosed
	}
	frames, err := m.ToFrames()
	if err != nil {
		return err
	}
	if _, err := d.sock.SendMessage(frames); err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	return nil
}

func (d *ZmqDealer) Poll(timeout time.Duration) (bool, error) {
	if !d.connected {
		return false, ErrClosed
	}
	polled, err := d.poller.Poll(timeout)
	if err != nil {
		return false, err
	}
	return len(polled) > 0, nil
}

func (d *ZmqDealer) Read() (*envelope.Message, error) {
	if !d.connected {
		return nil, ErrClosed
	}
	frames, err := d.sock.RecvMessageBytes(0)
	if err != nil {
		return nil, err
	}
	return envelope.FromFrames(frames)
}
