// Package handler provides the client side of the control protocol: the
// thread-safe message buffer, the base communicator with the sign-in and
// heartbeat logic, the generic message handler event loop for components,
// and the pipe handler which shares one handler among many goroutines.
package handler

import (
	"sync"
	"time"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/transport"
)

// MessageBuffer is a FIFO mailbox of messages with two labels: messages
// whose conversation id was announced with AddConversationID are reserved
// for the waiter asking for exactly that id, all other messages go to the
// untagged reader.
//
// The buffer is internally synchronized; it is the only data structure of
// the core that may be touched from several goroutines.
type MessageBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	messages  []*envelope.Message
	requested map[string]struct{}
}

// NewMessageBuffer creates an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	b := &MessageBuffer{requested: make(map[string]struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// AddConversationID reserves a conversation id: a message carrying it will
// only be handed out to a reader asking for that id.
func (b *MessageBuffer) AddConversationID(conversationID []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requested[string(conversationID)] = struct{}{}
}

// RemoveConversationID drops the reservation of a conversation id.
func (b *MessageBuffer) RemoveConversationID(conversationID []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.requested, string(conversationID))
}

// IsConversationIDRequested reports whether the id is reserved.
func (b *MessageBuffer) IsConversationIDRequested(conversationID []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.requested[string(conversationID)]
	return ok
}

// Add appends a message and wakes all waiters.
func (b *MessageBuffer) Add(m *envelope.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
	b.cond.Broadcast()
}

// Retrieve removes and returns the first message with the given
// conversation id, clearing its reservation. A nil id returns the first
// message whose id is not reserved. Returns nil when nothing matches.
func (b *MessageBuffer) Retrieve(conversationID []byte) *envelope.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retrieveLocked(conversationID)
}

func (b *MessageBuffer) retrieveLocked(conversationID []byte) *envelope.Message {
	for i, m := range b.messages {
		cid := string(m.ConversationID())
		if conversationID != nil {
			if cid == string(conversationID) {
				delete(b.requested, cid)
				b.messages = append(b.messages[:i], b.messages[i+1:]...)
				return m
			}
			continue
		}
		if _, reserved := b.requested[cid]; !reserved {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return m
		}
	}
	return nil
}

// WaitForMessage blocks until a message with the conversation id is in the
// buffer or the timeout passes.
func (b *MessageBuffer) WaitForMessage(conversationID []byte, timeout time.Duration) (*envelope.Message, error) {
	deadline := time.Now().Add(timeout)
	// The timer takes the lock before broadcasting so that a waiter
	// between its deadline check and cond.Wait cannot miss the wakeup.
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.mu.Unlock() //nolint:staticcheck // empty critical section on purpose
		b.cond.Broadcast()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if m := b.retrieveLocked(conversationID); m != nil {
			return m, nil
		}
		if !time.Now().Before(deadline) {
			return nil, transport.ErrTimeout
		}
		b.cond.Wait()
	}
}

// HasFreeMessage reports whether an unreserved message is buffered, e.g.
// one parked while a reader waited for a specific conversation.
func (b *MessageBuffer) HasFreeMessage() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if _, reserved := b.requested[string(m.ConversationID())]; !reserved {
			return true
		}
	}
	return false
}

// Len returns the number of buffered messages.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}
