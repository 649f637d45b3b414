// Package transport wraps the ZeroMQ sockets used by the mesh behind small
// interfaces, so that the routing and client logic can be exercised against
// in-memory fakes.
//
// A Router is the coordinator-side multi-connection socket which tags every
// read with the opaque identity of the sending connection. A Dealer is the
// client-side socket of components and of coordinator-to-coordinator links.
package transport

import (
	"errors"
	"time"

	"github.com/labmesh/labmesh/internal/envelope"
)

// ErrTimeout is returned by blocking reads when the deadline passes without
// a message.
var ErrTimeout = errors.New("timeout")

// ErrClosed is returned when a socket is used after closing.
var ErrClosed = errors.New("socket closed")

// Router is a multi-connection socket with per-peer identities.
type Router interface {
	// Bind starts listening on host:port.
	Bind(host string, port int) error
	// Close shuts the socket down, dropping queued messages after the
	// linger time.
	Close() error
	// Send emits a message to the connection with the given identity.
	Send(identity []byte, m *envelope.Message) error
	// Poll reports whether a message can be read within the timeout.
	Poll(timeout time.Duration) (bool, error)
	// Read returns the next message and the identity of its sender.
	Read() (identity []byte, m *envelope.Message, err error)
}

// Dealer is a single bidirectional connection to a Router.
type Dealer interface {
	// Connect dials the router at address ("host:port").
	Connect(address string) error
	// Close drops the connection.
	Close() error
	// Connected reports whether the dealer has an open connection.
	Connected() bool
	// Send emits a message on the connection.
	Send(m *envelope.Message) error
	// Poll reports whether a message can be read within the timeout.
	Poll(timeout time.Duration) (bool, error)
	// Read returns the next message.
	Read() (*envelope.Message, error)
}
