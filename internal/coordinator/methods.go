package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/labmesh/labmesh/internal/directory"
	"github.com/labmesh/labmesh/internal/envelope"
	"github.com/labmesh/labmesh/internal/jsonrpc"
)

// registerMethods fills the RPC server with the admin methods of the
// coordinator.
func (c *Coordinator) registerMethods() {
	rpc := jsonrpc.NewServer(string(c.fullName), "0.1.0", c.log)
	c.rpc = rpc

	// Component surface
	rpc.MustRegister("pong", c.pong, jsonrpc.MethodDoc{
		Summary: "Respond in order to test the connection",
	})
	rpc.MustRegister("set_log_level", c.setLogLevel, jsonrpc.MethodDoc{
		Summary: "Set the log level",
	})
	rpc.MustRegister("shut_down", c.shutDown, jsonrpc.MethodDoc{
		Summary: "Sign out from peers and stop the routing loop",
	})
	// Coordinator proper
	rpc.MustRegister("sign_in", c.signIn, jsonrpc.MethodDoc{
		Summary: "Register the sending component under its transport identity",
	})
	rpc.MustRegister("sign_out", c.signOut, jsonrpc.MethodDoc{
		Summary: "Unregister the sending component",
	})
	rpc.MustRegister("coordinator_sign_in", c.coordinatorSignIn, jsonrpc.MethodDoc{
		Summary: "Register the inbound half of a coordinator link",
	})
	rpc.MustRegister("coordinator_sign_out", c.coordinatorSignOut, jsonrpc.MethodDoc{
		Summary: "Remove a coordinator link",
	})
	rpc.MustRegister("add_nodes", c.addNodes, jsonrpc.MethodDoc{
		Summary: "Connect to all unknown coordinators of a namespace to address map",
	})
	rpc.MustRegister("send_nodes", c.sendNodes, jsonrpc.MethodDoc{
		Summary: "Send the known nodes as a namespace to address map",
	})
	rpc.MustRegister("record_components", c.recordComponents, jsonrpc.MethodDoc{
		Summary: "Record Components of another Coordinator",
	})
	rpc.MustRegister("send_local_components", c.sendLocalComponents, jsonrpc.MethodDoc{
		Summary: "Send the names of locally connected Components",
	})
	rpc.MustRegister("send_global_components", c.sendGlobalComponents, jsonrpc.MethodDoc{
		Summary: "Send the names of all Components in the network",
	})
	rpc.MustRegister("remove_expired_addresses", c.removeExpiredAddresses, jsonrpc.MethodDoc{
		Summary: "Remove all expired addresses from the directory",
	})
}

func (c *Coordinator) pong(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	return nil, nil
}

// logLevels maps the wire level names onto zap levels.
var logLevels = map[string]zapcore.Level{
	"CRITICAL": zapcore.ErrorLevel,
	"ERROR":    zapcore.ErrorLevel,
	"WARNING":  zapcore.WarnLevel,
	"INFO":     zapcore.InfoLevel,
	"DEBUG":    zapcore.DebugLevel,
}

func (c *Coordinator) setLogLevel(_ *jsonrpc.CallContext, params json.RawMessage) (any, error) {
	var level string
	if err := jsonrpc.DecodeSingleParam(params, "level", &level); err != nil {
		return nil, err
	}
	zapLevel, ok := logLevels[level]
	if !ok {
		return nil, fmt.Errorf("%w: unknown level %q", jsonrpc.ErrInvalidParams, level)
	}
	if c.level != nil {
		c.level.SetLevel(zapLevel)
	}
	return nil, nil
}

func (c *Coordinator) shutDown(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	c.directory.SignOutFromAllNodes()
	if c.stop != nil {
		c.stop()
	}
	return nil, nil
}

func (c *Coordinator) signIn(ctx *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	senderName := ctx.Message.SenderElements().Name
	if err := c.directory.AddComponent(senderName, ctx.Identity); err != nil {
		if errors.Is(err, directory.ErrDuplicateName) {
			return nil, jsonrpc.NewRPCError(jsonrpc.DuplicateName)
		}
		return nil, err
	}
	c.log.Info("new component signed in",
		zap.ByteString("name", senderName), zap.String("identity", fmt.Sprintf("%x", ctx.Identity)))
	c.publishDirectoryUpdate()
	return nil, nil
}

func (c *Coordinator) signOut(ctx *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	senderName := ctx.Message.SenderElements().Name
	if err := c.directory.RemoveComponent(senderName, ctx.Identity); err != nil {
		return nil, err
	}
	c.log.Info("component signed out", zap.ByteString("name", senderName))
	c.publishDirectoryUpdate()
	return nil, nil
}

func (c *Coordinator) coordinatorSignIn(ctx *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	sender := ctx.Message.SenderElements()
	// Strip the namespace so that the reply goes out via the main socket
	// instead of looping through the (not yet connected) remote path.
	ctx.Message.Sender = sender.Name
	if err := c.directory.AddNodeReceiver(ctx.Identity, sender.Namespace); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Coordinator) coordinatorSignOut(ctx *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	sender := ctx.Message.SenderElements()
	if !bytes.Equal(sender.Name, envelope.CoordinatorName) {
		return nil, fmt.Errorf("only coordinators may use coordinator sign out")
	}
	node, err := c.directory.Node(sender.Namespace)
	if err != nil {
		return nil, err
	}
	if err := c.directory.RemoveNode(sender.Namespace, ctx.Identity); err != nil {
		// Sign-out from an identity whose namespace does not match the
		// record: answer as if the peer never signed in.
		if errors.Is(err, directory.ErrIdentityMismatch) {
			return nil, jsonrpc.NewRPCError(jsonrpc.NotSignedIn)
		}
		return nil, err
	}
	// Acknowledge on the outbound half so the peer drops its inbound
	// record of us as well.
	ack, err := jsonrpc.NewRequest(100, "coordinator_sign_out", nil)
	if err != nil {
		return nil, err
	}
	m, err := envelope.New(envelope.CoordinatorFor(sender.Namespace), envelope.Options{
		Sender:         c.fullName,
		ConversationID: ctx.Message.ConversationID(),
		Type:           envelope.TypeJSON,
		Data:           ack,
	})
	if err != nil {
		return nil, err
	}
	if err := node.Send(m); err != nil {
		c.log.Warn("acknowledging coordinator_sign_out failed", zap.Error(err))
	}
	return nil, nil
}

func (c *Coordinator) addNodes(_ *jsonrpc.CallContext, params json.RawMessage) (any, error) {
	var nodes map[string]string
	if err := jsonrpc.DecodeSingleParam(params, "nodes", &nodes); err != nil {
		return nil, err
	}
	for namespace, address := range nodes {
		// Known and own namespaces are skipped silently.
		if err := c.directory.AddNodeSender(address, []byte(namespace)); err != nil {
			c.log.Debug("skipping node", zap.String("namespace", namespace), zap.Error(err))
		}
	}
	return nil, nil
}

func (c *Coordinator) sendNodes(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	return c.directory.NodesAddressMap(), nil
}

func (c *Coordinator) recordComponents(ctx *jsonrpc.CallContext, params json.RawMessage) (any, error) {
	var components []string
	if err := jsonrpc.DecodeSingleParam(params, "components", &components); err != nil {
		return nil, err
	}
	c.directory.RecordRemoteComponents(ctx.Message.SenderElements().Namespace, components)
	return nil, nil
}

func (c *Coordinator) sendLocalComponents(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	return c.directory.ComponentNames(), nil
}

func (c *Coordinator) sendGlobalComponents(_ *jsonrpc.CallContext, _ json.RawMessage) (any, error) {
	return c.directory.GlobalComponents(), nil
}

func (c *Coordinator) removeExpiredAddresses(_ *jsonrpc.CallContext, params json.RawMessage) (any, error) {
	var seconds float64
	if err := jsonrpc.DecodeSingleParam(params, "expiration_time", &seconds); err != nil {
		return nil, err
	}
	c.RemoveExpiredAddresses(time.Duration(seconds * float64(time.Second)))
	return nil, nil
}
