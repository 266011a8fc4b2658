package server

import (
	"errors"

	"looprpc/eventloop"
	"looprpc/status"
)

// ReplyFunc emits the response of a request.
type ReplyFunc func(code status.Code, payload []byte) error

// Request is one inbound request or notification. Peer and Payload stay valid
// after the handler returns, so a handler may reply from a later callback.
type Request struct {
	Peer         []byte // opaque identity of the sending peer
	ID           uint32
	Method       string
	Payload      []byte
	Context      any // user context given to Register
	Notification bool

	loop    *eventloop.Loop
	handler Handler
	label   string
	reply   ReplyFunc
	replied bool
}

// NewRequest builds a request served outside a listener; reply emits its
// response. Middleware tests and in-process dispatch use it.
func NewRequest(loop *eventloop.Loop, id uint32, method string, payload []byte, reply ReplyFunc) *Request {
	return &Request{
		ID:      id,
		Method:  method,
		Payload: payload,
		loop:    loop,
		reply:   reply,
	}
}

// Loop returns the loop the request is served on.
func (r *Request) Loop() *eventloop.Loop { return r.loop }

// Replied reports whether Reply has been called.
func (r *Request) Replied() bool { return r.replied }

// Reply sends the response. Only the first call has an effect; later calls
// and calls on a notification fail with InvalidArgument.
func (r *Request) Reply(code status.Code, payload []byte) error {
	if r.Notification {
		return status.Errorf(status.InvalidArgument, "reply to notification %s", r.Method)
	}
	if r.replied {
		return status.Errorf(status.InvalidArgument, "request %d already replied", r.ID)
	}
	r.replied = true
	err := r.reply(code, payload)
	if errors.Is(err, status.ErrPayloadTooLarge) {
		// nothing was sent; the handler may reply again with less
		r.replied = false
	}
	return err
}

// WrapReply lets middleware observe or alter the reply. w receives the reply
// function installed so far and returns its replacement.
func (r *Request) WrapReply(w func(next ReplyFunc) ReplyFunc) {
	r.reply = w(r.reply)
}
