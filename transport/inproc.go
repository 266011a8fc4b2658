package transport

import (
	"context"
	"net"
	"sync"
	"syscall"
)

// Inproc endpoints live in a process-wide table keyed by label. Each dial
// hands one end of a net.Pipe to the listener's Accept, so inproc peers run
// through the same stream code as tcp and ipc peers.
var inproc = struct {
	sync.Mutex
	listeners map[string]*inprocListener
}{listeners: make(map[string]*inprocListener)}

type inprocAddr string

func (a inprocAddr) Network() string { return SchemeInproc }
func (a inprocAddr) String() string  { return string(a) }

type inprocListener struct {
	label string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func listenInproc(label string) (net.Listener, error) {
	inproc.Lock()
	defer inproc.Unlock()

	if _, ok := inproc.listeners[label]; ok {
		return nil, &net.OpError{Op: "listen", Net: SchemeInproc, Addr: inprocAddr(label), Err: syscall.EADDRINUSE}
	}
	l := &inprocListener{
		label: label,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	inproc.listeners[label] = l
	return l, nil
}

func dialInproc(ctx context.Context, label string) (net.Conn, error) {
	inproc.Lock()
	l, ok := inproc.listeners[label]
	inproc.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: SchemeInproc, Addr: inprocAddr(label), Err: syscall.ECONNREFUSED}
	}

	local, remote := net.Pipe()
	select {
	case l.conns <- remote:
		return local, nil
	case <-l.done:
		local.Close()
		remote.Close()
		return nil, &net.OpError{Op: "dial", Net: SchemeInproc, Addr: inprocAddr(label), Err: syscall.ECONNREFUSED}
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (l *inprocListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *inprocListener) Close() error {
	l.once.Do(func() {
		inproc.Lock()
		delete(inproc.listeners, l.label)
		inproc.Unlock()
		close(l.done)
	})
	return nil
}

func (l *inprocListener) Addr() net.Addr { return inprocAddr(l.label) }
