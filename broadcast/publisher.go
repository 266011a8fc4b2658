// Package broadcast implements topic publish/subscribe over the transports.
//
// A Publisher owns a listener and writes each published frame to every peer
// whose advertised subscriptions match the topic, or once to a datagram group.
// A Subscriber owns a connector and dispatches frames by exact topic match;
// the advertised prefixes only let the network path drop frames early.
package broadcast

import (
	"fmt"

	"github.com/go-logr/logr"

	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/message"
	"looprpc/metrics"
	"looprpc/status"
	"looprpc/transport"
)

// PublishCallback receives the outcome of a publish: nil or the transport error.
type PublishCallback func(err error)

// Option configures a Publisher or a Subscriber.
type Option func(*options)

type options struct {
	log  logr.Logger
	conn transport.Connector
}

// WithLogger sets the endpoint's logger. The loop's logger is used by default.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithConnector makes a Subscriber use conn instead of dialing. Publishers
// ignore it.
func WithConnector(conn transport.Connector) Option {
	return func(o *options) { o.conn = conn }
}

func buildOptions(loop *eventloop.Loop, opts []Option) options {
	o := options{log: loop.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Role != config.RoleBroadcast {
		return status.Errorf(status.InvalidArgument, "broadcast needs role %s, got %s", config.RoleBroadcast, cfg.Role)
	}
	return nil
}

// Publisher is the sending side of a broadcast.
type Publisher struct {
	loop       *eventloop.Loop
	cfg        *config.Config
	log        logr.Logger
	ln         transport.Listener
	cdc        codec.Codec
	maxPayload int // 0 unless datagram
	closed     bool
}

// NewPublisher creates a publisher for cfg.Address. It binds on Start.
func NewPublisher(loop *eventloop.Loop, cfg *config.Config, opts ...Option) (*Publisher, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	o := buildOptions(loop, opts)
	p := &Publisher{
		loop: loop,
		cfg:  cfg,
		log:  o.log.WithName("publisher").WithValues("addr", cfg.Address),
		cdc:  codec.GetCodec(codec.CodecTypeTopic),
	}
	if a, _ := transport.ParseAddr(cfg.Address); a.Scheme == transport.SchemeUDP {
		p.maxPayload = cfg.MTU
	}
	return p, nil
}

// Start binds the listener.
func (p *Publisher) Start() error {
	if p.closed {
		return status.Errorf(status.InvalidArgument, "publisher closed")
	}
	if p.ln != nil {
		return status.Errorf(status.InvalidArgument, "publisher already started")
	}
	ln, err := transport.Listen(p.loop, p.cfg.Address, p.cfg.TransportOptions(p.log))
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Address, err)
	}
	ln.SetHandler(transport.ListenerHandler{
		OnReady: func() { p.log.V(1).Info("Publisher ready", "bound", ln.Addr()) },
		OnPeer: func(peer []byte, joined bool) {
			p.log.V(1).Info("Subscriber changed", "peer", fmt.Sprintf("%x", peer), "joined", joined)
		},
	})
	p.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (p *Publisher) Addr() string {
	if p.ln == nil {
		return p.cfg.Address
	}
	return p.ln.Addr()
}

// Subscribers returns the number of connected subscriber peers.
func (p *Publisher) Subscribers() int {
	if p.ln == nil || p.closed {
		return 0
	}
	return p.ln.Peers()
}

// Publish sends payload under topic. Encoding errors are returned; the
// transport outcome goes to cb, when non-nil, on the next loop turn.
func (p *Publisher) Publish(topic string, payload []byte, cb PublishCallback) error {
	if p.ln == nil || p.closed {
		return status.Errorf(status.InvalidArgument, "publisher not running")
	}
	if p.maxPayload > 0 && len(payload) > p.maxPayload {
		return status.Errorf(status.PayloadTooLarge, "payload of %d bytes exceeds %d", len(payload), p.maxPayload)
	}
	buf, err := p.cdc.Encode(&message.BroadcastFrame{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}

	err = p.ln.Broadcast(topic, buf)
	metrics.RecordPublish(status.FromError(err))
	if err != nil {
		p.log.V(1).Info("Publish failed", "topic", topic, "err", err.Error())
		err = status.Errorf(status.ConnectionLost, "publish %q: %v", topic, err)
	}
	if cb != nil {
		p.loop.Post(func() { cb(err) })
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ln == nil {
		return nil
	}
	return p.ln.Close()
}
