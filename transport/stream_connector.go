package transport

import (
	"context"
	"net"
	"time"

	"github.com/go-logr/logr"

	"looprpc/eventloop"
	"looprpc/protocol"
)

// streamConnector serves tcp, ipc and inproc connectors.
//
// A dial goroutine owns (re)connection: it dials with exponential backoff,
// writes the greeting and posts attach. The send queue outlives connections so
// that Send works while connecting; whatever is queued when a connection drops
// is discarded, since the calls it carried are reported lost.
type streamConnector struct {
	loop    *eventloop.Loop
	addr    Addr
	opts    Options
	log     logr.Logger
	handler ConnectorHandler
	sendq   chan []byte

	// loop-only
	state  State
	conn   *conn
	topics map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	dialDone chan struct{}
}

func newStreamConnector(loop *eventloop.Loop, a Addr, opts Options) *streamConnector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &streamConnector{
		loop:     loop,
		addr:     a,
		opts:     opts,
		log:      opts.Logger,
		sendq:    make(chan []byte, opts.SndHWM),
		state:    Connecting,
		topics:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		dialDone: make(chan struct{}),
	}
	go c.dialLoop()
	return c
}

func (c *streamConnector) Addr() string { return c.addr.String() }

func (c *streamConnector) SetHandler(h ConnectorHandler) { c.handler = h }

func (c *streamConnector) State() State { return c.state }

func (c *streamConnector) MaxPayload() int { return 0 }

func (c *streamConnector) dialLoop() {
	defer close(c.dialDone)

	backoff := c.opts.ReconnectIvl
	for {
		nc, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.V(1).Info("Dial failed", "err", err.Error(), "backoff", backoff)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.opts.ReconnectIvlMax)
			continue
		}
		backoff = c.opts.ReconnectIvl

		cn := newConn(nc, c.sendq, c.opts)
		if !c.loop.Post(func() { c.attach(cn) }) {
			nc.Close()
			return
		}
		select {
		case <-cn.dead:
		case <-c.ctx.Done():
			return
		}
		if !c.sleep(c.opts.ReconnectIvl) {
			return
		}
	}
}

func (c *streamConnector) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	var (
		nc  net.Conn
		err error
	)
	if c.addr.Scheme == SchemeInproc {
		nc, err = dialInproc(ctx, c.addr.Endpoint)
	} else {
		d := net.Dialer{KeepAliveConfig: keepAliveConfig(c.opts)}
		nc, err = d.DialContext(ctx, c.addr.network(), c.addr.Endpoint)
	}
	if err != nil {
		return nil, err
	}
	tune(nc, c.opts)

	nc.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := protocol.WriteGreeting(nc); err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetWriteDeadline(time.Time{})
	return nc, nil
}

func (c *streamConnector) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// nextBackoff doubles d up to ceiling.
func nextBackoff(d, ceiling time.Duration) time.Duration {
	d *= 2
	if d > ceiling {
		return ceiling
	}
	return d
}

func (c *streamConnector) attach(cn *conn) {
	if c.state == Closed {
		cn.nc.Close()
		close(cn.dead)
		return
	}

	c.conn = cn
	cn.start(c.loop,
		func(env *protocol.Envelope) { c.deliver(cn, env) },
		func(err error) { c.lost(cn, err) },
	)
	for topic := range c.topics {
		cn.enqueue(envelope(nil, protocol.EncodeCommand(protocol.Command{Subscribe: true, Topic: topic}), true))
	}

	c.log.V(1).Info("Connected")
	c.setState(Connected)
}

func (c *streamConnector) deliver(cn *conn, env *protocol.Envelope) {
	if c.conn != cn || env.Command {
		return
	}
	if c.handler.OnMessage != nil {
		c.handler.OnMessage(env.Body)
	}
}

func (c *streamConnector) lost(cn *conn, err error) {
	if c.conn != cn {
		return
	}
	c.conn = nil
	c.drain()

	c.log.V(1).Info("Connection lost", "err", err.Error())
	c.setState(Connecting)
}

func (c *streamConnector) drain() {
	for {
		select {
		case <-c.sendq:
		default:
			return
		}
	}
}

func (c *streamConnector) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.handler.OnState != nil {
		c.handler.OnState(s)
	}
}

func (c *streamConnector) Send(data []byte) error {
	if c.state == Closed {
		return ErrClosed
	}
	select {
	case c.sendq <- envelope(nil, data, false):
		return nil
	default:
		return ErrWouldBlock
	}
}

func (c *streamConnector) Subscribe(topic string) error {
	return c.command(protocol.Command{Subscribe: true, Topic: topic})
}

func (c *streamConnector) Unsubscribe(topic string) error {
	return c.command(protocol.Command{Topic: topic})
}

// command records the subscription change and, when connected, tells the
// listener. Subscriptions are replayed on every reconnect.
func (c *streamConnector) command(cmd protocol.Command) error {
	if c.state == Closed {
		return ErrClosed
	}
	if cmd.Subscribe {
		c.topics[cmd.Topic] = struct{}{}
	} else {
		delete(c.topics, cmd.Topic)
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.enqueue(envelope(nil, protocol.EncodeCommand(cmd), true))
}

func (c *streamConnector) Close() error {
	if c.state == Closed {
		return nil
	}
	c.setState(Closed)
	c.cancel()

	if c.conn != nil {
		c.conn.close(true)
		<-c.conn.dead
		c.conn = nil
	}
	<-c.dialDone
	c.drain()
	c.log.V(1).Info("Connector closed")
	return nil
}
