package jsonrpc

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh/labmesh/internal/envelope"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("Test Server", "0.1.0", nil)
	s.MustRegister("add", func(_ *CallContext, params json.RawMessage) (any, error) {
		var args []float64
		if err := DecodeParams(params, &args); err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: add takes two arguments", ErrInvalidParams)
		}
		return args[0] + args[1], nil
	}, MethodDoc{Summary: "Add two numbers."})
	s.MustRegister("fail", func(_ *CallContext, _ json.RawMessage) (any, error) {
		return nil, fmt.Errorf("deliberate failure")
	}, MethodDoc{})
	s.MustRegister("rpc_error", func(_ *CallContext, _ json.RawMessage) (any, error) {
		return nil, NewRPCError(NodeUnknown.WithData("N5"))
	}, MethodDoc{})
	return s
}

func processString(t *testing.T, s *Server, request string) map[string]any {
	t.Helper()
	raw := s.ProcessRequest(&CallContext{}, []byte(request))
	require.NotNil(t, raw)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestRegisterValidation(t *testing.T) {
	s := NewServer("t", "0", nil)
	noop := func(_ *CallContext, _ json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, s.Register("a.dotted_name1", noop, MethodDoc{}))
	assert.ErrorIs(t, s.Register("a.dotted_name1", noop, MethodDoc{}), ErrDuplicateMethod)
	assert.ErrorIs(t, s.Register("spaced name", noop, MethodDoc{}), ErrInvalidMethodName)
	assert.ErrorIs(t, s.Register("dash-name", noop, MethodDoc{}), ErrInvalidMethodName)
}

func TestProcessSingleRequest(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":7,"method":"add","params":[1,2]}`)
	assert.Equal(t, float64(7), resp["id"])
	assert.Equal(t, float64(3), resp["result"])
	assert.NotContains(t, resp, "error")
}

func TestParseError(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":`)
	assert.Nil(t, resp["id"])
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32700), errObj["code"])
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":1,"method":"missing"}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
	assert.Equal(t, "missing", errObj["data"])
}

func TestInvalidParams(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":2,"method":"add","params":[1]}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32602), errObj["code"])
	dump := errObj["data"].(map[string]any)
	assert.Equal(t, "add", dump["method"])
}

func TestInternalErrorCarriesTypeAndMessage(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":3,"method":"fail"}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32603), errObj["code"])
	assert.Contains(t, errObj["data"], "deliberate failure")
}

func TestMethodRPCErrorPropagates(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":4,"method":"rpc_error"}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32092), errObj["code"])
	assert.Equal(t, "N5", errObj["data"])
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	s := newTestServer(t)
	assert.Nil(t, s.ProcessRequest(&CallContext{}, []byte(`{"jsonrpc":"2.0","method":"add","params":[1,2]}`)))
	// Errors in notifications are swallowed as well.
	assert.Nil(t, s.ProcessRequest(&CallContext{}, []byte(`{"jsonrpc":"2.0","method":"fail"}`)))
	assert.Nil(t, s.ProcessRequest(&CallContext{}, []byte(`{"jsonrpc":"2.0","method":"missing"}`)))
}

func TestBatch(t *testing.T) {
	s := newTestServer(t)

	t.Run("mixed requests and notifications", func(t *testing.T) {
		raw := s.ProcessRequest(&CallContext{}, []byte(
			`[{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]},`+
				`{"jsonrpc":"2.0","method":"add","params":[3,4]},`+
				`{"jsonrpc":"2.0","id":2,"method":"add","params":[5,6]}]`))
		require.NotNil(t, raw)
		var responses []map[string]any
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 2)
		assert.Equal(t, float64(3), responses[0]["result"])
		assert.Equal(t, float64(11), responses[1]["result"])
	})

	t.Run("all notifications yield nothing", func(t *testing.T) {
		raw := s.ProcessRequest(&CallContext{}, []byte(
			`[{"jsonrpc":"2.0","method":"add","params":[1,2]}]`))
		assert.Nil(t, raw)
	})

	t.Run("batch with responses is rejected", func(t *testing.T) {
		resp := processString(t, s,
			`[{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]},`+
				`{"jsonrpc":"2.0","id":1,"result":5}]`)
		errObj := resp["error"].(map[string]any)
		assert.Equal(t, float64(-32600), errObj["code"])
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		resp := processString(t, s, `[]`)
		errObj := resp["error"].(map[string]any)
		assert.Equal(t, float64(-32600), errObj["code"])
	})
}

func TestDiscover(t *testing.T) {
	s := newTestServer(t)
	resp := processString(t, s, `{"jsonrpc":"2.0","id":1,"method":"rpc.discover"}`)
	result := resp["result"].(map[string]any)
	assert.Equal(t, "1.2.6", result["openrpc"])
	info := result["info"].(map[string]any)
	assert.Equal(t, "Test Server", info["title"])

	methods := result["methods"].([]any)
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "add")
	assert.NotContains(t, names, "rpc.discover")

	first := methods[0].(map[string]any)
	assert.Equal(t, "Add two numbers.", first["summary"])
}

func TestBinaryMethod(t *testing.T) {
	s := NewServer("t", "0", nil)
	err := s.RegisterBinary("echo",
		func(_ *CallContext, _ json.RawMessage, payload [][]byte) (any, [][]byte, error) {
			doubled := make([][]byte, 0, len(payload))
			for _, frame := range payload {
				doubled = append(doubled, append(frame, frame...))
			}
			return nil, doubled, nil
		}, true, true, MethodDoc{})
	require.NoError(t, err)

	msg := envelope.MustNew([]byte("rec"), envelope.Options{
		Sender: []byte("snd"),
		Type:   envelope.TypeJSON,
		Data:   json.RawMessage(`{"jsonrpc":"2.0","id":8,"method":"echo"}`),
		AdditionalPayload: [][]byte{
			[]byte("123"),
		},
	})
	ctx := &CallContext{Message: msg}
	raw := s.ProcessRequest(ctx, msg.Payload[0])
	require.NotNil(t, raw)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Nil(t, resp["result"])
	assert.Contains(t, string(raw), `"result"`)
	require.Len(t, ctx.AdditionalResponse(), 1)
	assert.Equal(t, []byte("123123"), ctx.AdditionalResponse()[0])
}

func TestGenerator(t *testing.T) {
	g := NewGenerator()
	first, err := g.BuildRequest("pong", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"pong"}`, string(first))

	second, err := g.BuildRequest("set_log_level", map[string]string{"level": "ERROR"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"method":"set_log_level","params":{"level":"ERROR"}}`, string(second))

	note, err := g.BuildNotification("pong", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"pong"}`, string(note))
}

func TestInterpretResponse(t *testing.T) {
	result, err := InterpretResponse([]byte(`{"jsonrpc":"2.0","id":1,"result":5}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("5"), result)

	_, err = InterpretResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32091,"message":"taken"}}`))
	assert.True(t, IsCode(err, DuplicateName.Code))

	_, err = InterpretResponse([]byte(`{"jsonrpc":"2.0","id":1}`))
	assert.True(t, IsCode(err, InvalidServerResponse.Code))

	var n int
	require.NoError(t, InterpretResponseInto([]byte(`{"jsonrpc":"2.0","id":1,"result":5}`), &n))
	assert.Equal(t, 5, n)
}
