package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/message"
	"looprpc/registry"
	"looprpc/status"
	"looprpc/transport"
)

func runUntil(t *testing.T, loop *eventloop.Loop, cond func() bool) {
	t.Helper()
	expired := false
	tm := loop.AfterFunc(5*time.Second, func() { expired = true })
	defer tm.Stop()
	loop.RunUntil(func() bool { return cond() || expired })
	require.False(t, expired, "condition not met in time")
}

func newLoop(t *testing.T) *eventloop.Loop {
	loop := eventloop.New()
	t.Cleanup(loop.Close)
	return loop
}

func newServer(t *testing.T, loop *eventloop.Loop, addr string, opts ...Option) *Server {
	t.Helper()
	srv, err := New(loop, config.New(addr), append([]Option{WithLogger(testr.New(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func echo(req *Request) { req.Reply(status.OK, req.Payload) }

// peer speaks frames to a server over a bare connector, so tests control ids.
type peer struct {
	conn   transport.Connector
	frames []message.Frame
}

func dialPeer(t *testing.T, loop *eventloop.Loop, addr string) *peer {
	t.Helper()
	conn, err := transport.Dial(loop, addr, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &peer{conn: conn}
	conn.SetHandler(transport.ConnectorHandler{OnMessage: func(data []byte) {
		var f message.Frame
		require.NoError(t, codec.DecodeFrame(append([]byte(nil), data...), &f))
		p.frames = append(p.frames, f)
	}})
	return p
}

func (p *peer) send(t *testing.T, kind message.Kind, id uint32, method string, payload []byte) {
	t.Helper()
	buf, err := codec.EncodeFrame(&message.Frame{Kind: kind, ID: id, Method: method, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, p.conn.Send(buf))
}

func (p *peer) call(t *testing.T, id uint32, method string, payload []byte) {
	t.Helper()
	p.send(t, message.KindRequest, id, method, payload)
}

func testRoutingIsolation(t *testing.T, addr string) {
	loop := newLoop(t)
	srv := newServer(t, loop, addr)
	require.NoError(t, srv.Register("echo", echo, nil))
	require.NoError(t, srv.Start(context.Background()))

	a := dialPeer(t, loop, srv.Addr())
	b := dialPeer(t, loop, srv.Addr())
	// both peers use the same correlation id
	a.call(t, 1, "echo", []byte("a"))
	b.call(t, 1, "echo", []byte("b"))

	runUntil(t, loop, func() bool { return len(a.frames) == 1 && len(b.frames) == 1 })
	assert.Equal(t, message.KindResponse, a.frames[0].Kind)
	assert.Equal(t, uint32(1), a.frames[0].ID)
	assert.Equal(t, []byte("a"), a.frames[0].Payload)
	assert.Equal(t, uint32(1), b.frames[0].ID)
	assert.Equal(t, []byte("b"), b.frames[0].Payload)
	assert.Equal(t, 2, srv.Stats().Peers)
}

func TestRoutingIsolationInproc(t *testing.T) { testRoutingIsolation(t, "inproc://server-routing") }

func TestRoutingIsolationTCP(t *testing.T) { testRoutingIsolation(t, "tcp://127.0.0.1:0") }

func TestRoutingIsolationUDP(t *testing.T) { testRoutingIsolation(t, "udp://127.0.0.1:0") }

func TestOversizedDatagramReply(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "udp://127.0.0.1:0")
	var replyErrs []error
	require.NoError(t, srv.Register("big", func(req *Request) {
		n := int(req.Payload[0]) + transport.DefaultMTU - 1
		err := req.Reply(status.OK, make([]byte, n))
		replyErrs = append(replyErrs, err)
		if err != nil {
			req.Reply(status.PayloadTooLarge, nil)
		}
	}, nil))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 1, "big", []byte{1}) // exactly the MTU
	p.call(t, 2, "big", []byte{2}) // one byte over
	runUntil(t, loop, func() bool { return len(p.frames) == 2 })

	require.Len(t, replyErrs, 2)
	assert.NoError(t, replyErrs[0])
	assert.ErrorIs(t, replyErrs[1], status.ErrPayloadTooLarge)

	byID := map[uint32]message.Frame{p.frames[0].ID: p.frames[0], p.frames[1].ID: p.frames[1]}
	assert.Equal(t, int32(status.OK), byID[1].ErrorCode)
	assert.Len(t, byID[1].Payload, transport.DefaultMTU)
	assert.Equal(t, int32(status.PayloadTooLarge), byID[2].ErrorCode)
	assert.Empty(t, byID[2].Payload)
	assert.Equal(t, uint64(2), srv.Stats().Responses)
}

func TestMethodNotFoundAndUnregister(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-unregister")
	require.NoError(t, srv.Register("echo", echo, nil))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 1, "absent", []byte("x"))
	runUntil(t, loop, func() bool { return len(p.frames) == 1 })
	assert.Equal(t, int32(status.MethodNotFound), p.frames[0].ErrorCode)
	assert.Empty(t, p.frames[0].Payload)

	require.NoError(t, srv.Unregister("echo"))
	assert.ErrorIs(t, srv.Unregister("echo"), status.ErrInvalidArgument)
	p.call(t, 2, "echo", []byte("x"))
	runUntil(t, loop, func() bool { return len(p.frames) == 2 })
	assert.Equal(t, uint32(2), p.frames[1].ID)
	assert.Equal(t, int32(status.MethodNotFound), p.frames[1].ErrorCode)
}

func TestRegisterRejects(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-rejects")

	require.NoError(t, srv.Register("echo", echo, nil))
	assert.ErrorIs(t, srv.Register("echo", echo, nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, srv.Register("", echo, nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, srv.Register("nil", nil, nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, srv.Register(string(make([]byte, codec.MaxMethodLen+1)), echo, nil), status.ErrInvalidArgument)
	assert.Equal(t, 1, srv.Stats().Methods)
}

func TestNewRejectsBroadcastRole(t *testing.T) {
	loop := newLoop(t)
	cfg := config.New("inproc://server-role")
	cfg.Role = config.RoleBroadcast
	_, err := New(loop, cfg)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}

func TestDeferredReplyAndUserContext(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-deferred")

	type counter struct{ n int }
	ctr := &counter{}
	require.NoError(t, srv.Register("later", func(req *Request) {
		req.Context.(*counter).n++
		loop.AfterFunc(10*time.Millisecond, func() {
			req.Reply(status.Code(42), []byte("app error"))
		})
	}, ctr))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 9, "later", nil)
	runUntil(t, loop, func() bool { return len(p.frames) == 1 })

	assert.Equal(t, 1, ctr.n)
	assert.Equal(t, uint32(9), p.frames[0].ID)
	assert.Equal(t, int32(42), p.frames[0].ErrorCode)
	assert.Equal(t, []byte("app error"), p.frames[0].Payload)
}

func TestNotifications(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-notify")

	var seen []string
	var replyErr error
	require.NoError(t, srv.Register("log", func(req *Request) {
		seen = append(seen, string(req.Payload))
		replyErr = req.Reply(status.OK, nil)
	}, nil))
	require.NoError(t, srv.Register("echo", echo, nil))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.send(t, message.KindNotification, 0, "log", []byte("one"))
	p.send(t, message.KindNotification, 0, "absent", nil)
	p.call(t, 5, "echo", nil)

	// the echo response is the only frame sent back
	runUntil(t, loop, func() bool { return len(p.frames) == 1 })
	assert.Equal(t, uint32(5), p.frames[0].ID)
	assert.Equal(t, []string{"one"}, seen)
	assert.ErrorIs(t, replyErr, status.ErrInvalidArgument)

	st := srv.Stats()
	assert.Equal(t, uint64(3), st.Requests)
	assert.Equal(t, uint64(1), st.Responses)
}

func TestUndecodableAndStrayFramesDropped(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-garbage")
	require.NoError(t, srv.Register("echo", echo, nil))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	require.NoError(t, p.conn.Send([]byte{0xff, 0x01}))
	p.send(t, message.KindResponse, 3, "", nil)
	p.call(t, 4, "echo", []byte("still here"))

	runUntil(t, loop, func() bool { return len(p.frames) == 1 })
	assert.Equal(t, uint32(4), p.frames[0].ID)
	assert.Equal(t, uint64(1), srv.Stats().Requests)
}

func TestUseWrapsHandlers(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-use")

	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(req *Request) {
				order = append(order, name+":"+req.Method)
				next(req)
			}
		}
	}
	srv.Use(tag("outer"), tag("inner"))
	require.NoError(t, srv.Register("echo", echo, nil))
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 1, "echo", nil)
	p.call(t, 2, "absent", nil)
	runUntil(t, loop, func() bool { return len(p.frames) == 2 })

	// middleware sees unknown methods too
	assert.Equal(t, []string{"outer:echo", "inner:echo", "outer:absent", "inner:absent"}, order)
}

type Arith struct{}

func (a *Arith) Double(p []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(p))
	return append(append(out, p...), p...), nil
}

func (a *Arith) Fail(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("empty input")
	}
	return nil, status.Errorf(status.InvalidArgument, "bad %q", p)
}

// Add has the wrong shape and is skipped.
func (a *Arith) Add(x, y int) int { return x + y }

func TestRegisterService(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-service")

	names, err := srv.RegisterService(&Arith{}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Arith.Double", "Arith.Fail"}, names)

	_, err = srv.RegisterService(Arith{}, nil)
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	require.NoError(t, srv.Start(context.Background()))

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 1, "Arith.Double", []byte("ab"))
	p.call(t, 2, "Arith.Fail", []byte("x"))
	p.call(t, 3, "Arith.Fail", nil)
	runUntil(t, loop, func() bool { return len(p.frames) == 3 })

	assert.Equal(t, []byte("abab"), p.frames[0].Payload)
	assert.Equal(t, int32(status.OK), p.frames[0].ErrorCode)
	assert.Equal(t, int32(status.InvalidArgument), p.frames[1].ErrorCode)
	assert.Contains(t, string(p.frames[1].Payload), `bad "x"`)
	assert.Equal(t, int32(status.Internal), p.frames[2].ErrorCode)
	assert.Equal(t, "empty input", string(p.frames[2].Payload))
}

func TestReplyAfterClose(t *testing.T) {
	loop := newLoop(t)
	srv := newServer(t, loop, "inproc://server-closed")

	var held *Request
	require.NoError(t, srv.Register("hold", func(req *Request) { held = req }, nil))
	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), status.ErrInvalidArgument)

	p := dialPeer(t, loop, srv.Addr())
	p.call(t, 1, "hold", nil)
	runUntil(t, loop, func() bool { return held != nil })

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, held.Reply(status.OK, nil), status.ErrConnectionLost)
	assert.ErrorIs(t, srv.Start(context.Background()), status.ErrInvalidArgument)
}

func TestRegistryAdvertisement(t *testing.T) {
	loop := newLoop(t)
	reg := registry.NewMemoryRegistry()
	defer reg.Close()

	srv := newServer(t, loop, "inproc://server-advertised", WithRegistry(reg, "echo", 3, time.Minute))
	require.NoError(t, srv.Start(context.Background()))

	got, err := reg.Discover(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{{Addr: "inproc://server-advertised", Weight: 3}}, got)

	require.NoError(t, srv.Close())
	got, err = reg.Discover(context.Background(), "echo")
	require.NoError(t, err)
	assert.Empty(t, got)
}
