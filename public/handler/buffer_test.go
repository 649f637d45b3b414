package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/transport"
)

func bufferMessage(t *testing.T, cid []byte) *envelope.Message {
	t.Helper()
	m, err := envelope.New([]byte("rec"), envelope.Options{
		Sender:         []byte("snd"),
		ConversationID: cid,
	})
	require.NoError(t, err)
	return m
}

func TestBufferRetrieveByConversationID(t *testing.T) {
	b := NewMessageBuffer()
	cid := envelope.NewConversationID()
	b.AddConversationID(cid)
	m := bufferMessage(t, cid)
	b.Add(m)

	assert.Same(t, m, b.Retrieve(cid))
	assert.Nil(t, b.Retrieve(cid))
	// The reservation is cleared by the retrieval.
	assert.False(t, b.IsConversationIDRequested(cid))
}

func TestBufferIsolation(t *testing.T) {
	b := NewMessageBuffer()
	reserved := envelope.NewConversationID()
	b.AddConversationID(reserved)

	expected := bufferMessage(t, reserved)
	free := bufferMessage(t, envelope.NewConversationID())
	b.Add(expected)
	b.Add(free)

	// The untagged reader never sees the reserved message.
	assert.Same(t, free, b.Retrieve(nil))
	assert.Nil(t, b.Retrieve(nil))
	assert.Same(t, expected, b.Retrieve(reserved))
}

func TestBufferKeepsInsertionOrder(t *testing.T) {
	b := NewMessageBuffer()
	first := bufferMessage(t, envelope.NewConversationID())
	second := bufferMessage(t, envelope.NewConversationID())
	b.Add(first)
	b.Add(second)

	assert.Same(t, first, b.Retrieve(nil))
	assert.Same(t, second, b.Retrieve(nil))
}

func TestBufferWaitForMessage(t *testing.T) {
	b := NewMessageBuffer()
	cid := envelope.NewConversationID()
	b.AddConversationID(cid)
	m := bufferMessage(t, cid)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		b.Add(m)
	}()

	got, err := b.WaitForMessage(cid, time.Second)
	require.NoError(t, err)
	assert.Same(t, m, got)
	wg.Wait()
}

func TestBufferWaitForMessageTimeout(t *testing.T) {
	b := NewMessageBuffer()
	start := time.Now()
	_, err := b.WaitForMessage(envelope.NewConversationID(), 20*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
