// Package transport moves encoded frames between endpoints on an event loop.
//
// Two roles exist. A Listener binds a local address, accepts any number of
// peers and tags every received message with the sending peer's identity. A
// Connector reaches exactly one remote listener and reconnects on failure.
//
//	connector ──{""}{}{frame}──→ listener      (identity piece left empty)
//	connector ←─{id}{}{frame}─── listener      (identity names the peer)
//
// Every socket is served by its own reader and writer goroutines. Those
// goroutines never call back into endpoint code directly: received messages,
// peer changes and state changes are posted to the loop, and all methods of
// Listener and Connector must be called from the loop goroutine.
package transport

import (
	"errors"
	"time"

	"github.com/go-logr/logr"

	"looprpc/eventloop"
	"looprpc/status"
)

var (
	// ErrWouldBlock is returned by Send when the send queue is at its high-water mark.
	ErrWouldBlock = errors.New("transport: send queue full")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownPeer is returned by Listener.Send for an identity with no live peer.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// State is the connection state of a Connector.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ListenerHandler receives listener events on the loop. Nil fields are skipped.
type ListenerHandler struct {
	// OnReady fires once, on the first loop turn after the listener is bound.
	OnReady func()
	// OnMessage delivers one message body; peer and data are owned by the callee.
	OnMessage func(peer []byte, data []byte)
	// OnPeer reports a peer joining (true) or leaving (false).
	OnPeer func(peer []byte, joined bool)
}

// ConnectorHandler receives connector events on the loop. Nil fields are skipped.
type ConnectorHandler struct {
	OnMessage func(data []byte)
	// OnState fires on every state transition; Connected doubles as the readiness event.
	OnState func(s State)
}

// Listener is the multi-peer role.
type Listener interface {
	// Addr returns the bound address in scheme://endpoint form.
	Addr() string
	Send(peer []byte, data []byte) error
	// Broadcast sends data to every peer whose subscriptions match topic.
	Broadcast(topic string, data []byte) error
	Peers() int
	// MaxPayload is the largest payload one frame to a peer may carry, or 0
	// when only the codec's frame limit applies.
	MaxPayload() int
	SetHandler(h ListenerHandler)
	Close() error
}

// Connector is the single-peer role.
type Connector interface {
	Addr() string
	// Send queues data for the remote listener. While connecting data is queued
	// up to the high-water mark; queued data is discarded if the connection drops.
	Send(data []byte) error
	// Subscribe advertises a topic prefix so the listener can filter broadcasts early.
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	State() State
	// MaxPayload is the largest payload a frame may carry on this transport,
	// or 0 when only the codec's frame limit applies.
	MaxPayload() int
	SetHandler(h ConnectorHandler)
	Close() error
}

// Options tunes a transport. The zero value of any field means its default.
type Options struct {
	SndHWM int // queued outbound messages per connection
	RcvHWM int // received messages posted to the loop but not yet handled
	SndBuf int // socket send buffer in bytes
	RcvBuf int // socket receive buffer in bytes

	TCPKeepAlive  bool
	KeepAliveIdle time.Duration
	KeepAliveCnt  int
	KeepAliveIntv time.Duration

	ReconnectIvl    time.Duration
	ReconnectIvlMax time.Duration
	DialTimeout     time.Duration
	// Linger bounds how long Close keeps flushing queued data. Negative
	// discards queued data at once.
	Linger time.Duration

	// MTU bounds the payload of one datagram frame.
	MTU int

	Logger logr.Logger
}

const (
	DefaultHWM             = 1000
	DefaultReconnectIvl    = 100 * time.Millisecond
	DefaultReconnectIvlMax = 10 * time.Second
	DefaultDialTimeout     = 5 * time.Second
	DefaultLinger          = time.Second
	DefaultMTU             = 1400
	handshakeTimeout       = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.SndHWM <= 0 {
		o.SndHWM = DefaultHWM
	}
	if o.RcvHWM <= 0 {
		o.RcvHWM = DefaultHWM
	}
	if o.ReconnectIvl <= 0 {
		o.ReconnectIvl = DefaultReconnectIvl
	}
	if o.ReconnectIvlMax < o.ReconnectIvl {
		o.ReconnectIvlMax = o.ReconnectIvl
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Linger == 0 {
		o.Linger = DefaultLinger
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	return o
}

// Listen binds a listener for addr on loop.
func Listen(loop *eventloop.Loop, addr string, opts Options) (Listener, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.WithValues("addr", addr)

	switch a.Scheme {
	case SchemeUDP:
		l, err := listenUDP(loop, a, opts)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		ln, err := listenStream(a)
		if err != nil {
			return nil, err
		}
		return newStreamListener(loop, a, ln, opts), nil
	}
}

// Dial creates a connector for addr on loop. Stream connectors connect in the
// background and report progress through ConnectorHandler.OnState.
func Dial(loop *eventloop.Loop, addr string, opts Options) (Connector, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.WithValues("addr", addr)

	switch a.Scheme {
	case SchemeUDP:
		c, err := dialUDP(loop, a, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return newStreamConnector(loop, a, opts), nil
	}
}

func invalidAddr(addr, reason string) error {
	return status.Errorf(status.InvalidArgument, "address %q: %s", addr, reason)
}
