package broadcast

import (
	"fmt"

	"github.com/go-logr/logr"

	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/message"
	"looprpc/status"
	"looprpc/transport"
)

// Handler receives one broadcast payload. payload is owned by the callee.
type Handler func(topic string, payload []byte, userCtx any)

type subscription struct {
	handler Handler
	ctx     any
}

// Subscriber is the receiving side of a broadcast.
type Subscriber struct {
	loop   *eventloop.Loop
	log    logr.Logger
	conn   transport.Connector
	cdc    codec.Codec
	topics map[string]subscription
	closed bool
}

// NewSubscriber connects to the publisher at cfg.Address.
func NewSubscriber(loop *eventloop.Loop, cfg *config.Config, opts ...Option) (*Subscriber, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	o := buildOptions(loop, opts)
	log := o.log.WithName("subscriber").WithValues("addr", cfg.Address)

	conn := o.conn
	if conn == nil {
		var err error
		conn, err = transport.Dial(loop, cfg.Address, cfg.TransportOptions(log))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
	}
	s := &Subscriber{
		loop:   loop,
		log:    log,
		conn:   conn,
		cdc:    codec.GetCodec(codec.CodecTypeTopic),
		topics: make(map[string]subscription),
	}
	conn.SetHandler(transport.ConnectorHandler{
		OnMessage: s.onMessage,
		OnState: func(st transport.State) {
			s.log.V(1).Info("Subscriber state", "state", st.String())
		},
	})
	return s, nil
}

func (s *Subscriber) State() transport.State { return s.conn.State() }

// Subscribe routes frames whose topic equals topic to handler, replacing any
// previous handler for it.
func (s *Subscriber) Subscribe(topic string, handler Handler, userCtx any) error {
	if s.closed {
		return status.Errorf(status.InvalidArgument, "subscriber closed")
	}
	if handler == nil {
		return status.Errorf(status.InvalidArgument, "nil handler for topic %q", topic)
	}
	if len(topic) > codec.MaxTopicLen {
		return status.Errorf(status.InvalidArgument, "topic too long (%d bytes)", len(topic))
	}
	_, existed := s.topics[topic]
	s.topics[topic] = subscription{handler: handler, ctx: userCtx}
	if existed {
		return nil
	}
	return s.conn.Subscribe(topic)
}

// Unsubscribe removes the handler for topic.
func (s *Subscriber) Unsubscribe(topic string) error {
	if s.closed {
		return status.Errorf(status.InvalidArgument, "subscriber closed")
	}
	if _, ok := s.topics[topic]; !ok {
		return status.Errorf(status.InvalidArgument, "topic %q not subscribed", topic)
	}
	delete(s.topics, topic)
	return s.conn.Unsubscribe(topic)
}

// Topics returns the number of subscribed topics.
func (s *Subscriber) Topics() int { return len(s.topics) }

func (s *Subscriber) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.topics = make(map[string]subscription)
	return s.conn.Close()
}

func (s *Subscriber) onMessage(data []byte) {
	var f message.BroadcastFrame
	if err := s.cdc.Decode(data, &f); err != nil {
		s.log.V(1).Info("Dropping undecodable broadcast", "err", err.Error())
		return
	}
	sub, ok := s.topics[f.Topic]
	if !ok {
		// a prefix match upstream, or a datagram with no filter at all
		return
	}
	sub.handler(f.Topic, f.Payload, sub.ctx)
}
