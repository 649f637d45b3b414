// Package proxy implements the data-plane broker: an XSUB/XPUB forwarder
// between publishers and subscribers.
//
// Publishers connect to the ingress (XSUB) side, subscribers to the egress
// (XPUB) side; the proxy forwards data messages one way and subscription
// frames the other way. A remote proxy chains onto the local proxy of
// another machine instead of binding.
package proxy

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/labmesh/labmesh/internal/envelope"
)

// Options configures a proxy.
type Options struct {
	// Sub is the host whose local proxy to subscribe to. When both Sub
	// and Pub are "localhost" (the default), the proxy binds locally
	// instead of connecting.
	Sub string
	// Pub is the host whose local proxy to publish to.
	Pub string
	// Offset shifts the port pair to run several proxies on one machine.
	Offset int
	// Context for the sockets. A nil context creates a private one.
	Context *zmq.Context
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Proxy forwards data-plane traffic between an XSUB and an XPUB socket.
type Proxy struct {
	sub *zmq.Socket // ingress, publishers connect here
	pub *zmq.Socket // egress, subscribers connect here
	log *zap.Logger
}

// New creates the proxy sockets and binds or connects them.
func New(opts Options) (*Proxy, error) {
	if opts.Sub == "" {
		opts.Sub = "localhost"
	}
	if opts.Pub == "" {
		opts.Pub = "localhost"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx := opts.Context
	var err error
	if ctx == nil {
		ctx, err = zmq.NewContext()
		if err != nil {
			return nil, fmt.Errorf("creating zmq context: %w", err)
		}
	}
	sub, err := ctx.NewSocket(zmq.XSUB)
	if err != nil {
		return nil, fmt.Errorf("creating XSUB socket: %w", err)
	}
	pub, err := ctx.NewSocket(zmq.XPUB)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("creating XPUB socket: %w", err)
	}

	ingressPort := envelope.ProxyIngressPort - 2*opts.Offset
	egressPort := ingressPort - 1
	if opts.Sub == "localhost" && opts.Pub == "localhost" {
		log.Info("starting local proxy",
			zap.Int("ingress", ingressPort), zap.Int("egress", egressPort))
		if err := sub.Bind(fmt.Sprintf("tcp://*:%d", ingressPort)); err != nil {
			sub.Close()
			pub.Close()
			return nil, fmt.Errorf("binding ingress: %w", err)
		}
		if err := pub.Bind(fmt.Sprintf("tcp://*:%d", egressPort)); err != nil {
			sub.Close()
			pub.Close()
			return nil, fmt.Errorf("binding egress: %w", err)
		}
	} else {
		// A remote proxy moves data from the local proxy of `sub` to the
		// local proxy of `pub`.
		log.Info("starting remote proxy",
			zap.String("sub", opts.Sub), zap.String("pub", opts.Pub))
		if err := sub.Connect(fmt.Sprintf("tcp://%s:%d", opts.Sub, egressPort)); err != nil {
			sub.Close()
			pub.Close()
			return nil, fmt.Errorf("connecting to source: %w", err)
		}
		if err := pub.Connect(fmt.Sprintf("tcp://%s:%d", opts.Pub, ingressPort)); err != nil {
			sub.Close()
			pub.Close()
			return nil, fmt.Errorf("connecting to sink: %w", err)
		}
	}
	return &Proxy{sub: sub, pub: pub, log: log}, nil
}

// Run forwards frames in both directions until the context is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	poller := zmq.NewPoller()
	poller.Add(p.sub, zmq.POLLIN)
	poller.Add(p.pub, zmq.POLLIN)
	for ctx.Err() == nil {
		polled, err := poller.Poll(100 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("polling proxy sockets: %w", err)
		}
		for _, item := range polled {
			switch item.Socket {
			case p.sub:
				// Data messages flow from publishers to subscribers.
				frames, err := p.sub.RecvMessageBytes(0)
				if err != nil {
					p.log.Error("reading ingress failed", zap.Error(err))
					continue
				}
				if _, err := p.pub.SendMessage(frames); err != nil {
					p.log.Error("forwarding data failed", zap.Error(err))
				}
			case p.pub:
				// Subscription frames flow from subscribers upstream.
				frames, err := p.pub.RecvMessageBytes(0)
				if err != nil {
					p.log.Error("reading subscriptions failed", zap.Error(err))
					continue
				}
				if _, err := p.sub.SendMessage(frames); err != nil {
					p.log.Error("forwarding subscription failed", zap.Error(err))
				}
			}
		}
	}
	return nil
}

// Close closes both sockets.
func (p *Proxy) Close() {
	p.sub.Close()
	p.pub.Close()
}
