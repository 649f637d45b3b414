package coordinator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/transport"
)

type harness struct {
	c       *Coordinator
	router  *transport.FakeRouter
	dealers []*transport.FakeDealer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{router: &transport.FakeRouter{}}
	c, err := New(Options{
		Namespace: "N1",
		Host:      "N1host",
		Port:      12300,
		Socket:    h.router,
		DealerFactory: func() (transport.Dealer, error) {
			dealer := &transport.FakeDealer{}
			h.dealers = append(h.dealers, dealer)
			return dealer, nil
		},
	})
	require.NoError(t, err)
	h.c = c
	return h
}

// deliver feeds one message into the routing logic.
func (h *harness) deliver(t *testing.T, identity string, m *envelope.Message) {
	t.Helper()
	h.c.deliverMessage([]byte(identity), m)
}

func request(t *testing.T, receiver, sender, body string) *envelope.Message {
	t.Helper()
	m, err := envelope.New([]byte(receiver), envelope.Options{
		Sender: []byte(sender),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(body),
	})
	require.NoError(t, err)
	return m
}

func (h *harness) signIn(t *testing.T, identity, name string) {
	t.Helper()
	before := len(h.router.Sent)
	h.deliver(t, identity, request(t, "COORDINATOR", name,
		`{"jsonrpc":"2.0","id":1,"method":"sign_in"}`))
	require.Greater(t, len(h.router.Sent), before)
}

func lastResponse(t *testing.T, router *transport.FakeRouter) (identityOut string, resp map[string]any, m *envelope.Message) {
	t.Helper()
	require.NotEmpty(t, router.Sent)
	sent := router.Sent[len(router.Sent)-1]
	require.NotEmpty(t, sent.Message.Payload)
	require.NoError(t, json.Unmarshal(sent.Message.Payload[0], &resp))
	return string(sent.Identity), resp, sent.Message
}

func TestSignIn(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	identity, resp, m := lastResponse(t, h.router)
	assert.Equal(t, "id-a", identity)
	assert.Contains(t, resp, "result")
	assert.Nil(t, resp["result"])
	assert.Equal(t, []byte("N1.COORDINATOR"), m.Sender)

	names := h.c.Directory().ComponentNames()
	assert.Equal(t, []string{"A"}, names)
}

func TestSignInDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	h.deliver(t, "id-b", request(t, "COORDINATOR", "A",
		`{"jsonrpc":"2.0","id":2,"method":"sign_in"}`))
	identity, resp, _ := lastResponse(t, h.router)
	assert.Equal(t, "id-b", identity)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32091), errObj["code"])

	// The first component's registration is untouched.
	storedID, err := h.c.Directory().ComponentID([]byte("A"))
	require.NoError(t, err)
	assert.Equal(t, []byte("id-a"), storedID)
}

func TestIdempotentSignIn(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	h.deliver(t, "id-a", request(t, "COORDINATOR", "A",
		`{"jsonrpc":"2.0","id":2,"method":"sign_in"}`))

	_, resp, _ := lastResponse(t, h.router)
	assert.NotContains(t, resp, "error")
}

func TestLocalDelivery(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	h.signIn(t, "id-b", "B")

	m := request(t, "B", "N1.A", `{"jsonrpc":"2.0","id":1,"method":"pong"}`)
	h.deliver(t, "id-a", m)

	sent := h.router.Sent[len(h.router.Sent)-1]
	assert.Equal(t, []byte("id-b"), sent.Identity)
	// The envelope passes through verbatim.
	assert.True(t, m.Equal(sent.Message))
}

func TestReceiverUnknown(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	m := request(t, "N1.ghost", "N1.A", `{"jsonrpc":"2.0","id":1,"method":"pong"}`)
	h.deliver(t, "id-a", m)

	identity, resp, reply := lastResponse(t, h.router)
	assert.Equal(t, "id-a", identity)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32093), errObj["code"])
	assert.Equal(t, "N1.ghost", errObj["data"])
	assert.Nil(t, resp["id"])
	assert.Equal(t, m.ConversationID(), reply.ConversationID())
	assert.Equal(t, []byte("N1.COORDINATOR"), reply.Sender)
}

func TestNodeUnknown(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	m := request(t, "N9.B", "N1.A", `{"jsonrpc":"2.0","id":1,"method":"pong"}`)
	h.deliver(t, "id-a", m)

	_, resp, _ := lastResponse(t, h.router)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32092), errObj["code"])
	assert.Equal(t, "N9", errObj["data"])
}

func TestNotSignedInHeartbeat(t *testing.T) {
	h := newHarness(t)

	m := request(t, "B", "N1.stranger", `{"jsonrpc":"2.0","id":1,"method":"pong"}`)
	h.deliver(t, "id-x", m)

	identity, resp, _ := lastResponse(t, h.router)
	assert.Equal(t, "id-x", identity)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32090), errObj["code"])
}

func TestRemoteDelivery(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	// Federate with N2.
	require.NoError(t, h.c.Directory().AddNodeSender("N2host", []byte("N2")))
	dealer := h.dealers[0]
	accept, err := envelope.New(h.c.FullName(), envelope.Options{
		Sender: []byte("N2.COORDINATOR"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":null}`),
	})
	require.NoError(t, err)
	dealer.Feed(accept)
	h.c.Directory().CheckUnfinishedConnections()

	m := request(t, "N2.B", "N1.A", `{"jsonrpc":"2.0","id":7,"method":"pong"}`)
	h.deliver(t, "id-a", m)

	forwarded := dealer.Sent[len(dealer.Sent)-1]
	assert.True(t, m.Equal(forwarded))
}

func TestCoordinatorSignIn(t *testing.T) {
	h := newHarness(t)

	m := request(t, "COORDINATOR", "N2.COORDINATOR",
		`{"jsonrpc":"2.0","id":1,"method":"coordinator_sign_in"}`)
	h.deliver(t, "id-n2", m)

	// Response goes out on the main socket, addressed without namespace.
	identity, resp, reply := lastResponse(t, h.router)
	assert.Equal(t, "id-n2", identity)
	assert.Contains(t, resp, "result")
	assert.Equal(t, []byte("COORDINATOR"), reply.Receiver)
	assert.Contains(t, h.c.Directory().NodeIDs(), "id-n2")
}

func TestRecordAndSendGlobalComponents(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	// Inbound link from N2 so its sender passes the heartbeat check.
	h.deliver(t, "id-n2", request(t, "COORDINATOR", "N2.COORDINATOR",
		`{"jsonrpc":"2.0","id":1,"method":"coordinator_sign_in"}`))
	h.deliver(t, "id-n2", request(t, "N1.COORDINATOR", "N2.COORDINATOR",
		`{"jsonrpc":"2.0","id":2,"method":"record_components","params":{"components":["X","Y"]}}`))

	h.deliver(t, "id-a", request(t, "COORDINATOR", "N1.A",
		`{"jsonrpc":"2.0","id":3,"method":"send_global_components"}`))
	_, resp, _ := lastResponse(t, h.router)
	result := resp["result"].(map[string]any)
	assert.ElementsMatch(t, []any{"X", "Y"}, result["N2"])
	assert.ElementsMatch(t, []any{"A"}, result["N1"])
}

func TestSendNodesIncludesSelf(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	h.deliver(t, "id-a", request(t, "COORDINATOR", "N1.A",
		`{"jsonrpc":"2.0","id":1,"method":"send_nodes"}`))

	_, resp, _ := lastResponse(t, h.router)
	result := resp["result"].(map[string]any)
	assert.Equal(t, "N1host:12300", result["N1"])
}

func TestHeartbeatMessageProducesNoResponse(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	before := len(h.router.Sent)

	heartbeat, err := envelope.New(envelope.CoordinatorName, envelope.Options{Sender: []byte("A")})
	require.NoError(t, err)
	h.deliver(t, "id-a", heartbeat)
	assert.Len(t, h.router.Sent, before)
}

func TestExpirationPingsThenRemoves(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	expiration := 20 * time.Millisecond

	time.Sleep(30 * time.Millisecond)
	h.c.RemoveExpiredAddresses(expiration)

	sent := h.router.Sent[len(h.router.Sent)-1]
	assert.Equal(t, []byte("id-a"), sent.Identity)
	assert.Contains(t, string(sent.Message.Payload[0]), `"pong"`)
	assert.Equal(t, []byte("N1.A"), sent.Message.Receiver)

	time.Sleep(50 * time.Millisecond)
	h.c.RemoveExpiredAddresses(expiration)
	assert.Empty(t, h.c.Directory().ComponentNames())
}

func TestSignOutBroadcastsDirectoryUpdate(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")

	// Federate so that gossip has a receiver.
	require.NoError(t, h.c.Directory().AddNodeSender("N2host", []byte("N2")))
	dealer := h.dealers[0]
	accept, err := envelope.New(h.c.FullName(), envelope.Options{
		Sender: []byte("N2.COORDINATOR"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":null}`),
	})
	require.NoError(t, err)
	dealer.Feed(accept)
	h.c.Directory().CheckUnfinishedConnections()

	h.deliver(t, "id-a", request(t, "COORDINATOR", "N1.A",
		`{"jsonrpc":"2.0","id":5,"method":"sign_out"}`))

	// The last message to the peer is the gossip batch without "A".
	var batch []map[string]any
	gossip := dealer.Sent[len(dealer.Sent)-1]
	require.NoError(t, json.Unmarshal(gossip.Payload[0], &batch))
	require.Len(t, batch, 2)
	params := batch[1]["params"].(map[string]any)
	assert.Empty(t, params["components"])
	assert.Empty(t, h.c.Directory().ComponentNames())
}

func TestDiscoverListsAdminMethods(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "id-a", "A")
	h.deliver(t, "id-a", request(t, "COORDINATOR", "N1.A",
		`{"jsonrpc":"2.0","id":1,"method":"rpc.discover"}`))

	_, resp, _ := lastResponse(t, h.router)
	result := resp["result"].(map[string]any)
	methods := result["methods"].([]any)
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.(map[string]any)["name"].(string))
	}
	for _, expected := range []string{
		"pong", "set_log_level", "shut_down", "sign_in", "sign_out",
		"coordinator_sign_in", "coordinator_sign_out", "add_nodes",
		"send_nodes", "record_components", "send_local_components",
		"send_global_components", "remove_expired_addresses",
	} {
		assert.Contains(t, names, expected)
	}
	assert.NotContains(t, names, "rpc.discover")
}
