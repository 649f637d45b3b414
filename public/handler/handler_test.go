package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
	"github.com/labmesh/labmesh/internal/transport"
)

func newTestHandler(t *testing.T, dealer transport.Dealer) *MessageHandler {
	t.Helper()
	h, err := NewMessageHandler(Config{
		Name:    "handler",
		Timeout: 50 * time.Millisecond,
		Socket:  dealer,
	})
	require.NoError(t, err)
	return h
}

func TestHandleMessageAnswersRequest(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	h := newTestHandler(t, dealer)

	m, err := envelope.New([]byte("handler"), envelope.Options{
		Sender: []byte("N1.sender"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"pong"}`),
	})
	require.NoError(t, err)
	h.HandleMessage(m)

	require.Len(t, dealer.Sent, 1)
	response := dealer.Sent[0]
	assert.Equal(t, []byte("N1.sender"), response.Receiver)
	assert.Equal(t, m.ConversationID(), response.ConversationID())
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":null}`, string(response.Payload[0]))
}

func TestHandleMessageHooks(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	h := newTestHandler(t, dealer)

	var gotError, gotResult *envelope.Message
	h.OnJSONError = func(m *envelope.Message) { gotError = m }
	h.OnJSONResult = func(m *envelope.Message) { gotResult = m }

	errMsg, err := envelope.New([]byte("handler"), envelope.Options{
		Sender: []byte("N1.a"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"x"}}`),
	})
	require.NoError(t, err)
	h.HandleMessage(errMsg)
	assert.Same(t, errMsg, gotError)

	resMsg, err := envelope.New([]byte("handler"), envelope.Options{
		Sender: []byte("N1.a"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":7}`),
	})
	require.NoError(t, err)
	h.HandleMessage(resMsg)
	assert.Same(t, resMsg, gotResult)
	assert.Len(t, dealer.Sent, 0, "neither hook message produces frames on the wire")
}

func TestBinaryEchoMethod(t *testing.T) {
	dealer := &transport.FakeDealer{}
	dealer.Connect("x")
	h := newTestHandler(t, dealer)

	require.NoError(t, h.RegisterBinaryMethod("echo",
		func(_ *jsonrpc.CallContext, _ json.RawMessage, payload [][]byte) (any, [][]byte, error) {
			out := make([][]byte, 0, len(payload))
			for _, frame := range payload {
				out = append(out, append(frame, frame...))
			}
			return nil, out, nil
		}, true, true, jsonrpc.MethodDoc{}))

	m, err := envelope.New([]byte("handler"), envelope.Options{
		Sender:            []byte("N1.director"),
		Type:              envelope.TypeJSON,
		Data:              json.RawMessage(`{"jsonrpc":"2.0","id":8,"method":"echo"}`),
		AdditionalPayload: [][]byte{[]byte("123")},
	})
	require.NoError(t, err)
	h.HandleMessage(m)

	require.Len(t, dealer.Sent, 1)
	response := dealer.Sent[0]
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":8,"result":null}`, string(response.Payload[0]))
	require.Len(t, response.Payload, 2)
	assert.Equal(t, []byte("123123"), response.Payload[1])
}

func TestListenSignsInAndOut(t *testing.T) {
	dealer := &scriptedDealer{respond: coordinatorScript(t)}
	dealer.Connect("x")
	h := newTestHandler(t, dealer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Listen(ctx, 5*time.Millisecond)
	}()

	// Sign-in happens promptly inside the loop.
	require.Eventually(t, func() bool {
		return h.Namespace() != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listen did not stop")
	}

	// The last request on the wire is the sign out.
	var methods []string
	for _, sent := range dealer.Sent {
		if len(sent.Payload) == 0 {
			continue
		}
		var req jsonrpc.Request
		if json.Unmarshal(sent.Payload[0], &req) == nil {
			methods = append(methods, req.Method)
		}
	}
	require.NotEmpty(t, methods)
	assert.Equal(t, "sign_in", methods[0])
	assert.Equal(t, "sign_out", methods[len(methods)-1])
}

func TestShutDownMethodStopsListen(t *testing.T) {
	dealer := &scriptedDealer{respond: coordinatorScript(t)}
	dealer.Connect("x")
	h := newTestHandler(t, dealer)

	// Queue the shut_down request before the loop starts; the loop signs
	// in first, buffers this message, and handles it right after.
	m, err := envelope.New([]byte("handler"), envelope.Options{
		Sender: []byte("N1.admin"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"shut_down"}`),
	})
	require.NoError(t, err)
	dealer.Feed(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Listen(context.Background(), 5*time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shut_down did not stop the loop")
	}
}
