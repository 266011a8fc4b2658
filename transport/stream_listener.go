package transport

import (
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"looprpc/eventloop"
	"looprpc/protocol"
)

// streamListener serves tcp, ipc and inproc listeners.
//
// Accept flow:
//
//	acceptLoop → go handshake(greeting) → Post(join) → peer gets a ULID identity
//	  → conn.start: readLoop posts deliver, writeLoop drains the peer's send queue
type streamListener struct {
	loop    *eventloop.Loop
	addr    Addr
	ln      net.Listener
	opts    Options
	log     logr.Logger
	handler ListenerHandler
	entropy io.Reader // used on the loop only

	// loop-only
	peers  map[string]*streamPeer
	closed bool

	done       chan struct{}
	acceptDone chan struct{}
}

type streamPeer struct {
	id     []byte
	conn   *conn
	topics map[string]struct{} // subscribed topic prefixes
}

func (p *streamPeer) matches(topic string) bool {
	for prefix := range p.topics {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func listenStream(a Addr) (net.Listener, error) {
	switch a.Scheme {
	case SchemeInproc:
		return listenInproc(a.Endpoint)
	case SchemeIPC:
		if err := cleanupSocket(a.Endpoint); err != nil {
			return nil, err
		}
	}
	return net.Listen(a.network(), a.Endpoint)
}

// cleanupSocket removes a stale unix socket left by a previous process.
func cleanupSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func newStreamListener(loop *eventloop.Loop, a Addr, ln net.Listener, opts Options) *streamListener {
	if a.Scheme == SchemeTCP {
		// resolves port 0 to the port actually bound
		a.Endpoint = ln.Addr().String()
	}
	l := &streamListener{
		loop:       loop,
		addr:       a,
		ln:         ln,
		opts:       opts,
		log:        opts.Logger,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		peers:      make(map[string]*streamPeer),
		done:       make(chan struct{}),
		acceptDone: make(chan struct{}),
	}
	go l.acceptLoop()
	loop.Post(func() {
		if !l.closed && l.handler.OnReady != nil {
			l.handler.OnReady()
		}
	})
	l.log.V(1).Info("Listening")
	return l
}

func (l *streamListener) Addr() string { return l.addr.String() }

func (l *streamListener) SetHandler(h ListenerHandler) { l.handler = h }

func (l *streamListener) Peers() int { return len(l.peers) }

func (l *streamListener) MaxPayload() int { return 0 }

func (l *streamListener) acceptLoop() {
	defer close(l.acceptDone)
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			// Close makes Accept fail; only report failures nobody asked for.
			select {
			case <-l.done:
			default:
				l.log.Error(err, "Accept failed, listener stopped")
			}
			return
		}
		go l.handshake(nc)
	}
}

func (l *streamListener) handshake(nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := protocol.ReadGreeting(nc); err != nil {
		l.log.V(1).Info("Rejected connection", "remote", nc.RemoteAddr().String(), "err", err.Error())
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{})
	tune(nc, l.opts)

	if !l.loop.Post(func() { l.join(nc) }) {
		nc.Close()
	}
}

func (l *streamListener) join(nc net.Conn) {
	if l.closed {
		nc.Close()
		return
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy)
	p := &streamPeer{
		id:     id[:],
		conn:   newConn(nc, make(chan []byte, l.opts.SndHWM), l.opts),
		topics: make(map[string]struct{}),
	}
	l.peers[string(p.id)] = p
	p.conn.start(l.loop,
		func(env *protocol.Envelope) { l.deliver(p, env) },
		func(err error) { l.drop(p, err) },
	)

	l.log.V(1).Info("Peer joined", "peer", id.String())
	if l.handler.OnPeer != nil {
		l.handler.OnPeer(p.id, true)
	}
}

func (l *streamListener) deliver(p *streamPeer, env *protocol.Envelope) {
	if l.peers[string(p.id)] != p {
		return
	}

	if env.Command {
		cmd, err := protocol.DecodeCommand(env.Body)
		if err != nil {
			l.drop(p, err)
			return
		}
		if cmd.Subscribe {
			p.topics[cmd.Topic] = struct{}{}
		} else {
			delete(p.topics, cmd.Topic)
		}
		return
	}

	if l.handler.OnMessage != nil {
		l.handler.OnMessage(p.id, env.Body)
	}
}

// drop closes and forgets one peer; the others keep being served.
func (l *streamListener) drop(p *streamPeer, err error) {
	key := string(p.id)
	if l.peers[key] != p {
		return
	}
	delete(l.peers, key)
	p.conn.close(false)

	if errors.Is(err, io.EOF) {
		l.log.V(1).Info("Peer left", "peer", ulid.ULID(p.id).String())
	} else {
		l.log.V(1).Info("Peer dropped", "peer", ulid.ULID(p.id).String(), "err", err.Error())
	}
	if l.handler.OnPeer != nil {
		l.handler.OnPeer(p.id, false)
	}
}

func (l *streamListener) Send(peer []byte, data []byte) error {
	if l.closed {
		return ErrClosed
	}
	p, ok := l.peers[string(peer)]
	if !ok {
		return ErrUnknownPeer
	}
	return p.conn.enqueue(envelope(p.id, data, false))
}

// Broadcast skips peers whose send queue is full, as a subscriber that cannot
// keep up loses messages rather than stalling the publisher.
func (l *streamListener) Broadcast(topic string, data []byte) error {
	if l.closed {
		return ErrClosed
	}
	for _, p := range l.peers {
		if !p.matches(topic) {
			continue
		}
		if err := p.conn.enqueue(envelope(p.id, data, false)); err != nil {
			l.log.V(2).Info("Broadcast dropped for peer", "peer", ulid.ULID(p.id).String(), "err", err.Error())
		}
	}
	return nil
}

func (l *streamListener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)

	err := l.ln.Close()
	for _, p := range l.peers {
		p.conn.close(true)
	}
	for _, p := range l.peers {
		<-p.conn.dead
	}
	<-l.acceptDone
	l.peers = make(map[string]*streamPeer)

	if l.addr.Scheme == SchemeIPC {
		err = multierr.Append(err, cleanupSocket(l.addr.Endpoint))
	}
	l.log.V(1).Info("Listener closed")
	return err
}

func envelope(identity, body []byte, command bool) []byte {
	buf := make([]byte, 0, 3*protocol.PieceHeaderSize+len(identity)+len(body))
	return protocol.AppendEnvelope(buf, &protocol.Envelope{Identity: identity, Body: body, Command: command})
}
