package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looprpc/async"
	"looprpc/eventloop"
	"looprpc/status"
)

func noop([]byte, error) {}

func TestTakeTwiceReturnsNotFound(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Insert(&Entry{ID: 1, Callback: noop}))

	e, ok := r.Take(1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.ID)

	_, ok = r.Take(1)
	assert.False(t, ok, "second take must miss")
	assert.Equal(t, 0, r.Len())
}

func TestInsertAtBound(t *testing.T) {
	r := New(2)
	require.NoError(t, r.Insert(&Entry{ID: 1, Callback: noop}))
	require.NoError(t, r.Insert(&Entry{ID: 2, Callback: noop}))

	err := r.Insert(&Entry{ID: 3, Callback: noop})
	assert.ErrorIs(t, err, status.ErrAdmissionRefused)
	assert.Equal(t, 2, r.Len())

	r.Take(1)
	assert.NoError(t, r.Insert(&Entry{ID: 3, Callback: noop}))
	assert.Equal(t, 2, r.Cap())
}

func TestInsertValidatesEntry(t *testing.T) {
	r := New(8)
	loop := eventloop.New()
	defer loop.Close()

	assert.ErrorIs(t, r.Insert(&Entry{ID: 1}), status.ErrInvalidArgument)
	assert.ErrorIs(t, r.Insert(&Entry{ID: 1, Callback: noop, Handle: async.New(loop)}), status.ErrInvalidArgument)

	require.NoError(t, r.Insert(&Entry{ID: 1, Handle: async.New(loop)}))
	assert.ErrorIs(t, r.Insert(&Entry{ID: 1, Callback: noop}), status.ErrInvalidArgument, "duplicate id")
}

func TestCancelStampsEntry(t *testing.T) {
	r := New(2)
	require.NoError(t, r.Insert(&Entry{ID: 9, Callback: noop}))

	e, ok := r.Cancel(9)
	require.True(t, ok)
	assert.True(t, e.Cancelled)

	_, ok = r.Cancel(9)
	assert.False(t, ok)
}

func TestForEachExpired(t *testing.T) {
	now := time.Now()
	r := New(8)
	require.NoError(t, r.Insert(&Entry{ID: 1, Callback: noop, Deadline: now.Add(-time.Millisecond)}))
	require.NoError(t, r.Insert(&Entry{ID: 2, Callback: noop, Deadline: now}))
	require.NoError(t, r.Insert(&Entry{ID: 3, Callback: noop, Deadline: now.Add(time.Second)}))
	require.NoError(t, r.Insert(&Entry{ID: 4, Callback: noop}))

	var expired []uint32
	r.ForEachExpired(now, func(e *Entry) {
		expired = append(expired, e.ID)
		r.Take(e.ID)
	})
	assert.ElementsMatch(t, []uint32{1, 2}, expired)
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(3))
	assert.True(t, r.Contains(4))
}

func TestDrain(t *testing.T) {
	r := New(8)
	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, r.Insert(&Entry{ID: id, Callback: noop}))
	}
	assert.Len(t, r.Drain(), 5)
	assert.Equal(t, 0, r.Len())
}
