// Package async provides suspend handles: single-shot completions an
// application attaches to a call and later awaits by driving the loop.
//
// A handle belongs to one loop and one waiter. Await runs the loop one turn at
// a time until the handle reaches a terminal state, so it must never be called
// from inside a loop callback whose completion it depends on.
package async

import (
	"time"

	"looprpc/eventloop"
	"looprpc/status"
)

// State is the lifecycle of a handle.
type State int

const (
	Idle State = iota // created, not yet attached to a call
	Pending
	Ready
	TimedOut
	Cancelled
	Freed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	case Freed:
		return "Freed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of Ready, TimedOut and Cancelled.
func (s State) Terminal() bool {
	return s == Ready || s == TimedOut || s == Cancelled
}

// Result is what a handle holds once terminal.
type Result struct {
	Code    status.Code
	Payload []byte
}

// Err returns nil for OK and a *status.Error otherwise.
func (r Result) Err() error {
	return status.FromCode(r.Code)
}

// Handle is a suspendable completion.
type Handle struct {
	loop   *eventloop.Loop
	state  State
	result Result
	timer  *eventloop.Timer
	detach func()
}

// New creates an idle handle bound to loop.
func New(loop *eventloop.Loop) *Handle {
	return &Handle{loop: loop}
}

// NewWithTimeout creates an idle handle bounded by d from now. If the bound
// elapses first, the handle moves to TimedOut and any attached call is
// withdrawn from its client; a handle still idle then can no longer be armed.
func NewWithTimeout(loop *eventloop.Loop, d time.Duration) *Handle {
	h := New(loop)
	h.bound(d)
	return h
}

func (h *Handle) State() State { return h.state }

// Result returns the stored result. It is the zero Result until terminal.
func (h *Handle) Result() Result { return h.result }

// Arm attaches the handle to a submitted call. detach, when non-nil, withdraws
// that call from its client; it is invoked if the handle times out through
// AwaitTimeout or is freed while pending. A handle can be armed once.
func (h *Handle) Arm(detach func()) error {
	if h.state != Idle {
		return status.Errorf(status.InvalidArgument, "handle is %s", h.state)
	}
	h.state = Pending
	h.detach = detach
	return nil
}

// Complete moves a pending handle to Ready, copying payload. It reports
// whether the transition happened.
func (h *Handle) Complete(code status.Code, payload []byte) bool {
	if h.state != Pending {
		return false
	}
	h.finish(Ready, code, append([]byte(nil), payload...))
	return true
}

// Expire moves a pending handle to TimedOut.
func (h *Handle) Expire() bool {
	if h.state != Pending {
		return false
	}
	h.finish(TimedOut, status.TimedOut, nil)
	return true
}

// Cancel moves a pending handle to Cancelled.
func (h *Handle) Cancel() bool {
	if h.state != Pending {
		return false
	}
	h.finish(Cancelled, status.Cancelled, nil)
	return true
}

func (h *Handle) finish(s State, code status.Code, payload []byte) {
	h.state = s
	h.result = Result{Code: code, Payload: payload}
	h.detach = nil
	h.timer.Stop()
	h.timer = nil
}

// Await drives the loop until the handle is terminal and returns the result's
// error. Awaiting a terminal handle returns at once; awaiting an idle or freed
// handle fails with InvalidArgument.
func (h *Handle) Await() error {
	switch h.state {
	case Idle, Freed:
		return status.Errorf(status.InvalidArgument, "await on %s handle", h.state)
	}
	if !h.loop.RunUntil(func() bool { return h.state.Terminal() }) {
		return status.Errorf(status.Internal, "loop closed while awaiting")
	}
	return h.result.Err()
}

// AwaitTimeout is Await bounded by d. The bound starts now unless the handle
// was created with NewWithTimeout, whose earlier bound is kept. When it
// elapses the handle moves to TimedOut and its call is withdrawn from the
// client.
func (h *Handle) AwaitTimeout(d time.Duration) error {
	if h.state == Pending && h.timer == nil {
		h.bound(d)
	}
	return h.Await()
}

func (h *Handle) bound(d time.Duration) {
	h.timer = h.loop.AfterFunc(d, func() {
		h.timer = nil
		switch h.state {
		case Idle:
			h.finish(TimedOut, status.TimedOut, nil)
		case Pending:
			detach := h.detach
			if h.Expire() && detach != nil {
				detach()
			}
		}
	})
}

// Free releases the handle. A pending call is withdrawn from its client
// without further notification.
func (h *Handle) Free() {
	if h.state == Freed {
		return
	}
	if h.state == Pending && h.detach != nil {
		h.detach()
	}
	h.timer.Stop()
	h.timer = nil
	h.detach = nil
	h.state = Freed
	h.result = Result{}
}
