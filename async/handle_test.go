package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"looprpc/eventloop"
	"looprpc/status"
)

func TestAwaitReady(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	h := New(loop)
	require.NoError(t, h.Arm(nil))

	payload := []byte{0x48, 0x69}
	loop.Post(func() { h.Complete(status.OK, payload) })

	require.NoError(t, h.Await())
	assert.Equal(t, Ready, h.State())
	payload[0] = 0 // the handle holds its own copy
	assert.Equal(t, []byte{0x48, 0x69}, h.Result().Payload)

	// a second await returns the stored result without running the loop
	require.NoError(t, h.Await())
}

func TestSingleTerminalTransition(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	h := New(loop)
	require.NoError(t, h.Arm(nil))
	require.True(t, h.Cancel())

	assert.False(t, h.Complete(status.OK, []byte("late")))
	assert.False(t, h.Expire())
	assert.False(t, h.Cancel())
	assert.Equal(t, Cancelled, h.State())
	assert.ErrorIs(t, h.Await(), status.ErrCancelled)
}

func TestAwaitUnarmed(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	h := New(loop)
	assert.ErrorIs(t, h.Await(), status.ErrInvalidArgument)

	require.NoError(t, h.Arm(nil))
	assert.ErrorIs(t, h.Arm(nil), status.ErrInvalidArgument, "armed twice")
}

func TestAwaitTimeoutDetaches(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	detached := 0
	h := New(loop)
	require.NoError(t, h.Arm(func() { detached++ }))

	start := time.Now()
	err := h.AwaitTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, status.ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, TimedOut, h.State())
	assert.Equal(t, 1, detached)
}

func TestAwaitTimeoutStopsOnCompletion(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	loop := eventloop.New(eventloop.WithClock(fc))
	defer loop.Close()

	h := New(loop)
	require.NoError(t, h.Arm(func() { t.Error("detach after completion") }))
	loop.Post(func() { h.Complete(status.Code(42), []byte("app")) })

	err := h.AwaitTimeout(time.Second)
	assert.Equal(t, status.Code(42), status.FromError(err))
	assert.False(t, fc.HasWaiters(), "timer must be stopped")

	fc.Step(2 * time.Second)
	loop.RunNoWait()
	assert.Equal(t, Ready, h.State())
}

func TestTimeoutFromCreation(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	loop := eventloop.New(eventloop.WithClock(fc))
	defer loop.Close()

	detached := 0
	h := NewWithTimeout(loop, time.Second)
	fc.Step(600 * time.Millisecond)
	loop.RunNoWait()
	require.NoError(t, h.Arm(func() { detached++ }))

	// the bound counts from creation, so 400ms more is enough
	fc.Step(400 * time.Millisecond)
	loop.RunOnce()
	assert.Equal(t, TimedOut, h.State())
	assert.Equal(t, 1, detached)
	assert.ErrorIs(t, h.AwaitTimeout(time.Hour), status.ErrTimedOut)
	assert.False(t, fc.HasWaiters())
}

func TestTimeoutBeforeArm(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	loop := eventloop.New(eventloop.WithClock(fc))
	defer loop.Close()

	h := NewWithTimeout(loop, time.Second)
	fc.Step(time.Second)
	loop.RunOnce()

	assert.Equal(t, TimedOut, h.State())
	assert.ErrorIs(t, h.Arm(nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, h.Await(), status.ErrTimedOut)
}

func TestCompletionStopsCreationTimer(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	loop := eventloop.New(eventloop.WithClock(fc))
	defer loop.Close()

	h := NewWithTimeout(loop, time.Second)
	require.NoError(t, h.Arm(func() { t.Error("detach after completion") }))
	require.True(t, h.Complete(status.OK, []byte("ok")))
	assert.False(t, fc.HasWaiters())

	fc.Step(2 * time.Second)
	loop.RunNoWait()
	assert.Equal(t, Ready, h.State())
	assert.Equal(t, []byte("ok"), h.Result().Payload)
}

func TestFreePending(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	detached := false
	h := New(loop)
	require.NoError(t, h.Arm(func() { detached = true }))
	h.Free()

	assert.True(t, detached)
	assert.Equal(t, Freed, h.State())
	assert.ErrorIs(t, h.Await(), status.ErrInvalidArgument)
	assert.False(t, h.Complete(status.OK, nil))
}

func TestAwaitAllAndAny(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	hs := []*Handle{New(loop), New(loop), New(loop)}
	for _, h := range hs {
		require.NoError(t, h.Arm(nil))
	}

	loop.Post(func() { hs[1].Complete(status.OK, nil) })
	assert.Equal(t, 1, AwaitAny(hs...))

	loop.Post(func() {
		hs[0].Complete(status.OK, nil)
		hs[2].Complete(status.MethodNotFound, nil)
	})
	assert.Equal(t, 2, AwaitAll(hs...))
	assert.Equal(t, 0, AwaitAny(hs...))
}

func TestAwaitAnyNothingArmed(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	assert.Equal(t, -1, AwaitAny())
	assert.Equal(t, -1, AwaitAny(New(loop), New(loop)))
}
