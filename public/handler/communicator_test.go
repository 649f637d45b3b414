package handler

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

// scriptedDealer auto-answers requests sent through it, echoing the
// conversation id the way a coordinator would.
type scriptedDealer struct {
	transport.FakeDealer
	respond func(sent *envelope.Message) *envelope.Message
}

func (d *scriptedDealer) Send(m *envelope.Message) error {
	if err := d.FakeDealer.Send(m); err != nil {
		return err
	}
	if d.respond != nil {
		if response := d.respond(m); response != nil {
			d.Feed(response)
		}
	}
	return nil
}

// coordinatorScript answers sign_in/sign_out/pong like a coordinator of
// namespace N1.
func coordinatorScript(t *testing.T) func(sent *envelope.Message) *envelope.Message {
	return func(sent *envelope.Message) *envelope.Message {
		if len(sent.Payload) == 0 {
			return nil // heartbeat
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(sent.Payload[0], &req); err != nil {
			return nil
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, nil)
		require.NoError(t, err)
		m, err := envelope.New(sent.Sender, envelope.Options{
			Sender:         []byte("N1.COORDINATOR"),
			ConversationID: sent.ConversationID(),
			Type:           envelope.TypeJSON,
			Data:           resp,
		})
		require.NoError(t, err)
		return m
	}
}

func newTestCommunicator(t *testing.T, dealer transport.Dealer) *BaseCommunicator {
	t.Helper()
	cfg := Config{
		Name:    "Test",
		Timeout: 50 * time.Millisecond,
		Socket:  dealer,
	}
	base, err := newBaseCommunicator(cfg.withDefaults())
	require.NoError(t, err)
	return base
}

func TestSendMessageFillsSender(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	m, err := envelope.New([]byte("rec"), envelope.Options{})
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(m))
	assert.Equal(t, []byte("Test"), dealer.Sent[0].Sender)
}

func TestSignInAdoptsNamespace(t *testing.T) {
	dealer := &scriptedDealer{respond: coordinatorScript(t)}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	require.NoError(t, b.SignIn())
	assert.Equal(t, []byte("N1"), b.Namespace())
	assert.Equal(t, []byte("N1.Test"), b.FullName())
}

func TestSignInDuplicateNameLeavesNamespaceUnset(t *testing.T) {
	dealer := &scriptedDealer{respond: func(sent *envelope.Message) *envelope.Message {
		m, err := envelope.New(sent.Sender, envelope.Options{
			Sender:         []byte("N1.COORDINATOR"),
			ConversationID: sent.ConversationID(),
			Type:           envelope.TypeJSON,
			Data:           jsonrpc.NewErrorResponse(nil, jsonrpc.DuplicateName),
		})
		if err != nil {
			return nil
		}
		return m
	}}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	err := b.SignIn()
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.DuplicateName.Code))
	assert.Nil(t, b.Namespace())
}

func TestSignInTimeout(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	assert.ErrorIs(t, b.SignIn(), transport.ErrTimeout)
}

func TestSignOutClearsNamespace(t *testing.T) {
	dealer := &scriptedDealer{respond: coordinatorScript(t)}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)
	require.NoError(t, b.SignIn())

	require.NoError(t, b.SignOut())
	assert.Nil(t, b.Namespace())
	last := dealer.Sent[len(dealer.Sent)-1]
	assert.Contains(t, string(last.Payload[0]), `"sign_out"`)
}

func TestHeartbeatIsEmptyPayload(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	require.NoError(t, b.Heartbeat())
	sent := dealer.Sent[0]
	assert.Equal(t, envelope.CoordinatorName, sent.Receiver)
	assert.Empty(t, sent.Payload)
}

func TestAskMessageBuffersUnrelatedMessages(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	ask, err := envelope.New([]byte("rec"), envelope.Options{Type: envelope.TypeJSON,
		Data: json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"pong"}`)})
	require.NoError(t, err)

	unrelated := bufferMessage(t, envelope.NewConversationID())
	response, err := envelope.New([]byte("Test"), envelope.Options{
		Sender:         []byte("N1.rec"),
		ConversationID: ask.ConversationID(),
		Type:           envelope.TypeJSON,
		Data:           json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":null}`),
	})
	require.NoError(t, err)
	dealer.Feed(unrelated)
	dealer.Feed(response)

	got, err := b.AskMessage(ask, 0)
	require.NoError(t, err)
	assert.True(t, response.Equal(got))
	// The unrelated message is buffered for the untagged reader.
	assert.Equal(t, 1, b.Buffer().Len())
	buffered, err := b.ReadMessage(nil, time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, unrelated, buffered)
}

func TestNotSignedInTriggersReSignIn(t *testing.T) {
	dealer := &scriptedDealer{respond: coordinatorScript(t)}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	notSignedIn, err := envelope.New([]byte("Test"), envelope.Options{
		Sender: []byte("N1.COORDINATOR"),
		Type:   envelope.TypeJSON,
		Data:   jsonrpc.NewErrorResponse(nil, jsonrpc.NotSignedIn),
	})
	require.NoError(t, err)
	dealer.Feed(notSignedIn)

	// Reading the error response triggers a sign in; afterwards the
	// namespace is set again.
	_, err = b.ReadMessage(nil, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("N1"), b.Namespace())

	found := false
	for _, sent := range dealer.Sent {
		if len(sent.Payload) > 0 && string(sent.Payload[0]) != "" {
			if json.Valid(sent.Payload[0]) {
				var req jsonrpc.Request
				if json.Unmarshal(sent.Payload[0], &req) == nil && req.Method == "sign_in" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "a sign_in request must have been sent")
}

func TestAskRPCInterpretsErrors(t *testing.T) {
	dealer := &scriptedDealer{respond: func(sent *envelope.Message) *envelope.Message {
		m, err := envelope.New(sent.Sender, envelope.Options{
			Sender:         []byte("N1.rec"),
			ConversationID: sent.ConversationID(),
			Type:           envelope.TypeJSON,
			Data:           jsonrpc.NewErrorResponse(nil, jsonrpc.ReceiverUnknown.WithData("N1.rec")),
		})
		if err != nil {
			return nil
		}
		return m
	}}
	dealer.Connect("x")
	b := newTestCommunicator(t, dealer)

	err := b.AskRPC([]byte("rec"), "pong", nil, nil)
	assert.True(t, jsonrpc.IsCode(err, jsonrpc.ReceiverUnknown.Code),
		fmt.Sprintf("unexpected error: %v", err))
}
