package transport

import (
	"errors"
	"net"

	"github.com/go-logr/logr"

	"looprpc/eventloop"
	"looprpc/status"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// Datagram transports carry one frame per datagram, without the stream
// envelope. An empty datagram is a hello: connectors send one when created so
// the listener learns their address before any request, which lets
// publishers reach subscribers that never send anything else.
//
// The peer identity on a datagram listener is the sender's host:port.

type udpListener struct {
	loop    *eventloop.Loop
	addr    Addr
	opts    Options
	log     logr.Logger
	handler ListenerHandler
	pc      *net.UDPConn
	group   *net.UDPAddr // set when publishing to a multicast group

	// loop-only
	peers  map[string]*net.UDPAddr
	closed bool

	rcv      chan struct{}
	readDone chan struct{}
}

func listenUDP(loop *eventloop.Loop, a Addr, opts Options) (*udpListener, error) {
	ua, err := net.ResolveUDPAddr("udp", a.Endpoint)
	if err != nil {
		return nil, err
	}

	var (
		pc    *net.UDPConn
		group *net.UDPAddr
	)
	if ua.IP != nil && ua.IP.IsMulticast() {
		// A multicast listener only publishes: datagrams go to the group
		// from an ephemeral port.
		group = ua
		pc, err = net.ListenUDP("udp", &net.UDPAddr{})
	} else {
		pc, err = net.ListenUDP("udp", ua)
	}
	if err != nil {
		return nil, err
	}
	if group == nil {
		a.Endpoint = pc.LocalAddr().String()
	}
	tune(pc, opts)

	l := &udpListener{
		loop:     loop,
		addr:     a,
		opts:     opts,
		log:      opts.Logger,
		pc:       pc,
		group:    group,
		peers:    make(map[string]*net.UDPAddr),
		rcv:      make(chan struct{}, opts.RcvHWM),
		readDone: make(chan struct{}),
	}
	go l.readLoop()
	loop.Post(func() {
		if !l.closed && l.handler.OnReady != nil {
			l.handler.OnReady()
		}
	})
	return l, nil
}

func (l *udpListener) Addr() string { return l.addr.String() }

func (l *udpListener) SetHandler(h ListenerHandler) { l.handler = h }

func (l *udpListener) Peers() int { return len(l.peers) }

func (l *udpListener) MaxPayload() int { return l.opts.MTU }

func (l *udpListener) readLoop() {
	defer close(l.readDone)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.pc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.V(1).Info("Read failed", "err", err.Error())
			continue
		}
		data := append([]byte(nil), buf[:n]...)

		// datagrams past the receive high-water mark are dropped, not queued
		select {
		case l.rcv <- struct{}{}:
		default:
			l.log.V(2).Info("Datagram dropped", "peer", from.String())
			continue
		}
		l.loop.Post(func() {
			<-l.rcv
			l.deliver(from, data)
		})
	}
}

func (l *udpListener) deliver(from *net.UDPAddr, data []byte) {
	if l.closed {
		return
	}
	key := from.String()
	if _, ok := l.peers[key]; !ok {
		l.peers[key] = from
		if l.handler.OnPeer != nil {
			l.handler.OnPeer([]byte(key), true)
		}
	}
	if len(data) == 0 {
		return
	}
	if l.handler.OnMessage != nil {
		l.handler.OnMessage([]byte(key), data)
	}
}

func (l *udpListener) Send(peer []byte, data []byte) error {
	if l.closed {
		return ErrClosed
	}
	ua, ok := l.peers[string(peer)]
	if !ok {
		return ErrUnknownPeer
	}
	if len(data) > maxDatagram {
		return status.Errorf(status.PayloadTooLarge, "datagram of %d bytes", len(data))
	}
	_, err := l.pc.WriteToUDP(data, ua)
	return err
}

// Broadcast writes once to the multicast group, or once to every known peer.
// Datagram peers carry no subscriptions, so topic filtering is left to them.
func (l *udpListener) Broadcast(topic string, data []byte) error {
	if l.closed {
		return ErrClosed
	}
	if len(data) > maxDatagram {
		return status.Errorf(status.PayloadTooLarge, "datagram of %d bytes", len(data))
	}
	if l.group != nil {
		_, err := l.pc.WriteToUDP(data, l.group)
		return err
	}
	for key, ua := range l.peers {
		if _, err := l.pc.WriteToUDP(data, ua); err != nil {
			l.log.V(2).Info("Broadcast dropped for peer", "peer", key, "err", err.Error())
		}
	}
	return nil
}

func (l *udpListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.pc.Close()
	<-l.readDone
	return err
}

type udpConnector struct {
	loop    *eventloop.Loop
	addr    Addr
	opts    Options
	log     logr.Logger
	handler ConnectorHandler
	pc      *net.UDPConn
	group   *net.UDPAddr // set when subscribed to a multicast group

	state State // loop-only

	rcv      chan struct{}
	readDone chan struct{}
}

func dialUDP(loop *eventloop.Loop, a Addr, opts Options) (*udpConnector, error) {
	ua, err := net.ResolveUDPAddr("udp", a.Endpoint)
	if err != nil {
		return nil, err
	}

	c := &udpConnector{
		loop:     loop,
		addr:     a,
		opts:     opts,
		log:      opts.Logger,
		state:    Connected,
		rcv:      make(chan struct{}, opts.RcvHWM),
		readDone: make(chan struct{}),
	}
	if ua.IP != nil && ua.IP.IsMulticast() {
		c.group = ua
		c.pc, err = net.ListenMulticastUDP("udp", nil, ua)
	} else {
		c.pc, err = net.DialUDP("udp", nil, ua)
	}
	if err != nil {
		return nil, err
	}
	tune(c.pc, opts)

	if c.group == nil {
		if _, err := c.pc.Write([]byte{}); err != nil {
			c.pc.Close()
			return nil, err
		}
	}

	go c.readLoop()
	// datagram connectors are ready at once; report it like a stream connect
	loop.Post(func() {
		if c.state == Connected && c.handler.OnState != nil {
			c.handler.OnState(Connected)
		}
	})
	return c, nil
}

func (c *udpConnector) Addr() string { return c.addr.String() }

func (c *udpConnector) SetHandler(h ConnectorHandler) { c.handler = h }

func (c *udpConnector) State() State { return c.state }

func (c *udpConnector) MaxPayload() int { return c.opts.MTU }

func (c *udpConnector) readLoop() {
	defer close(c.readDone)

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := c.pc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// e.g. ICMP port unreachable surfacing on a connected socket
			c.log.V(1).Info("Read failed", "err", err.Error())
			continue
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)

		select {
		case c.rcv <- struct{}{}:
		default:
			c.log.V(2).Info("Datagram dropped")
			continue
		}
		c.loop.Post(func() {
			<-c.rcv
			if c.state == Connected && c.handler.OnMessage != nil {
				c.handler.OnMessage(data)
			}
		})
	}
}

func (c *udpConnector) Send(data []byte) error {
	if c.state == Closed {
		return ErrClosed
	}
	if len(data) > maxDatagram {
		return status.Errorf(status.PayloadTooLarge, "datagram of %d bytes", len(data))
	}
	var err error
	if c.group != nil {
		_, err = c.pc.WriteToUDP(data, c.group)
	} else {
		_, err = c.pc.Write(data)
	}
	return err
}

// Subscribe is a no-op: datagram topic matching happens in the subscriber.
func (c *udpConnector) Subscribe(string) error {
	if c.state == Closed {
		return ErrClosed
	}
	return nil
}

func (c *udpConnector) Unsubscribe(string) error {
	return c.Subscribe("")
}

func (c *udpConnector) Close() error {
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	if c.handler.OnState != nil {
		c.handler.OnState(Closed)
	}
	err := c.pc.Close()
	<-c.readDone
	return err
}
