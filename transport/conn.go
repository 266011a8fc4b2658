package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"looprpc/eventloop"
	"looprpc/protocol"
)

const readBufferSize = 64 << 10

// conn is one live stream socket with its reader and writer goroutines.
//
//	loop ──enqueue──→ sendq ──writeLoop──→ socket
//	loop ←──Post───── rcv tokens ←──readLoop── socket
//
// The rcv channel holds one token per message posted to the loop and not yet
// handled, so a slow loop stops the reader at the receive high-water mark.
type conn struct {
	nc     net.Conn
	sendq  chan []byte
	rcv    chan struct{}
	linger time.Duration

	done    chan struct{}
	dead    chan struct{} // closed once both goroutines have exited
	once    sync.Once
	discard atomic.Bool
	wg      sync.WaitGroup
}

func newConn(nc net.Conn, sendq chan []byte, opts Options) *conn {
	return &conn{
		nc:     nc,
		sendq:  sendq,
		rcv:    make(chan struct{}, opts.RcvHWM),
		linger: opts.Linger,
		done:   make(chan struct{}),
		dead:   make(chan struct{}),
	}
}

// start runs the goroutines. deliver and lost are invoked on the loop; lost
// may be invoked more than once for the same connection.
func (c *conn) start(loop *eventloop.Loop, deliver func(*protocol.Envelope), lost func(error)) {
	c.wg.Add(2)
	go c.readLoop(loop, deliver, lost)
	go c.writeLoop(loop, lost)
	go func() {
		c.wg.Wait()
		close(c.dead)
	}()
}

// enqueue hands an encoded envelope to the writer without blocking.
func (c *conn) enqueue(buf []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendq <- buf:
		return nil
	default:
		return ErrWouldBlock
	}
}

// close stops the goroutines. With flush the writer first drains the send
// queue within the linger period; without it queued data is abandoned.
func (c *conn) close(flush bool) {
	c.once.Do(func() {
		c.discard.Store(!flush)
		close(c.done)
	})
}

func (c *conn) readLoop(loop *eventloop.Loop, deliver func(*protocol.Envelope), lost func(error)) {
	defer c.wg.Done()

	r := bufio.NewReaderSize(c.nc, readBufferSize)
	for {
		env, err := protocol.ReadEnvelope(r)
		if err != nil {
			c.close(false)
			loop.Post(func() { lost(err) })
			return
		}

		select {
		case c.rcv <- struct{}{}:
		case <-c.done:
			return
		}
		loop.Post(func() {
			<-c.rcv
			deliver(env)
		})
	}
}

func (c *conn) writeLoop(loop *eventloop.Loop, lost func(error)) {
	defer c.wg.Done()
	defer c.nc.Close()

	for {
		select {
		case buf := <-c.sendq:
			if _, err := c.nc.Write(buf); err != nil {
				c.close(false)
				loop.Post(func() { lost(err) })
				return
			}
		case <-c.done:
			if !c.discard.Load() && c.linger > 0 {
				c.flush()
			}
			return
		}
	}
}

func (c *conn) flush() {
	c.nc.SetWriteDeadline(time.Now().Add(c.linger))
	for {
		select {
		case buf := <-c.sendq:
			if _, err := c.nc.Write(buf); err != nil {
				return
			}
		default:
			return
		}
	}
}

// tune applies socket buffer and keepalive options where the socket supports them.
func tune(nc net.Conn, opts Options) {
	type buffered interface {
		SetReadBuffer(bytes int) error
		SetWriteBuffer(bytes int) error
	}
	if b, ok := nc.(buffered); ok {
		if opts.RcvBuf > 0 {
			b.SetReadBuffer(opts.RcvBuf)
		}
		if opts.SndBuf > 0 {
			b.SetWriteBuffer(opts.SndBuf)
		}
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetKeepAliveConfig(keepAliveConfig(opts))
	}
}

func keepAliveConfig(opts Options) net.KeepAliveConfig {
	if !opts.TCPKeepAlive {
		return net.KeepAliveConfig{Enable: false}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     opts.KeepAliveIdle,
		Interval: opts.KeepAliveIntv,
		Count:    opts.KeepAliveCnt,
	}
}
