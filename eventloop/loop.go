// Package eventloop provides the single-threaded loop every endpoint binds to.
//
// A Loop is a FIFO of callbacks drained by whichever goroutine calls Run,
// RunOnce or RunNoWait. Transport goroutines (accept, read, write, dial) never
// touch endpoint state: they Post their results, and the callbacks run serially
// on the loop. Endpoint code therefore needs no locks.
//
//	reader goroutine ──Post(onMessage)──┐
//	timer (clock)    ──Post(onExpire)───┼──→ queue ──→ RunOnce() ──→ callbacks, one at a time
//	dialer goroutine ──Post(onConnect)──┘
//
// The loop is injected, never owned: endpoints install timers and goroutines on
// it and remove only what they installed. The caller creates the loop, drives
// it, and closes it after the endpoints are gone.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Loop is a single-threaded callback queue.
type Loop struct {
	clock clock.WithDelayedExecution
	log   logr.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{} // capacity 1, signalled when queue goes non-empty
	stop   atomic.Bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock used for timers. Tests pass a FakeClock.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the loop's logger.
func WithLogger(log logr.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: clock.RealClock{},
		log:   logr.Discard(),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn to run on the loop. It is safe from any goroutine, never
// blocks, and returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// RunOnce blocks until at least one callback is queued, then runs every
// callback queued at that moment. It returns the number of callbacks run, 0 if
// the loop is closed.
func (l *Loop) RunOnce() int {
	n, _ := l.turn(context.Background(), true)
	return n
}

// RunNoWait runs the callbacks queued right now without blocking.
func (l *Loop) RunNoWait() int {
	n, _ := l.turn(context.Background(), false)
	return n
}

// Run drives the loop until ctx is done, Stop is called, or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	l.stop.Store(false)
	for !l.stop.Load() {
		if _, err := l.turn(ctx, true); err != nil {
			return err
		}
		if l.isClosed() {
			return nil
		}
	}
	return nil
}

// RunUntil runs turns until done reports true. It returns false if the loop
// closed first.
func (l *Loop) RunUntil(done func() bool) bool {
	for !done() {
		if l.isClosed() {
			return false
		}
		l.RunOnce()
	}
	return true
}

// Stop makes a running Run return after its current turn. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stop.Store(true)
	l.Post(func() {})
}

// Close discards queued callbacks and refuses new ones. Endpoints bound to the
// loop must be closed before the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Logger returns the loop's logger.
func (l *Loop) Logger() logr.Logger {
	return l.log
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) turn(ctx context.Context, block bool) (int, error) {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		if len(batch) > 0 {
			for i, fn := range batch {
				batch[i] = nil
				fn()
			}
			return len(batch), nil
		}
		if closed || !block {
			return 0, nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
