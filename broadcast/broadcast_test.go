package broadcast

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looprpc/config"
	"looprpc/eventloop"
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

func broadcastConfig(addr string) *config.Config {
	cfg := config.New(addr)
	cfg.Role = config.RoleBroadcast
	return cfg
}

type delivery struct {
	topic   string
	payload []byte
	ctx     any
}

type inbox []delivery

func (in *inbox) handler(topic string, payload []byte, userCtx any) {
	*in = append(*in, delivery{topic: topic, payload: payload, ctx: userCtx})
}

func (in inbox) count(topic string) int {
	n := 0
	for _, d := range in {
		if d.topic == topic {
			n++
		}
	}
	return n
}

func setup(t *testing.T, addr string) (*eventloop.Loop, *Publisher, *Subscriber) {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	pub, err := NewPublisher(loop, broadcastConfig(addr), WithLogger(testr.New(t)))
	require.NoError(t, err)
	require.NoError(t, pub.Start())
	t.Cleanup(func() { pub.Close() })

	sub, err := NewSubscriber(loop, broadcastConfig(pub.Addr()), WithLogger(testr.New(t)))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return loop, pub, sub
}

// publishUntil publishes every frame in turn, repeating every few
// milliseconds until cond holds. Subscriptions reach the publisher
// asynchronously, so the first rounds may go nowhere.
func publishUntil(t *testing.T, loop *eventloop.Loop, pub *Publisher, frames []delivery, cond func() bool) {
	t.Helper()
	var tick func()
	var tm *eventloop.Timer
	tick = func() {
		for _, f := range frames {
			require.NoError(t, pub.Publish(f.topic, f.payload, nil))
		}
		tm = loop.AfterFunc(5*time.Millisecond, tick)
	}
	tick()
	runUntil(t, loop, cond)
	tm.Stop()
}

func testTopicFiltering(t *testing.T, addr string) {
	loop, pub, sub := setup(t, addr)

	var got inbox
	require.NoError(t, sub.Subscribe("w", got.handler, "ctx"))

	publishUntil(t, loop, pub, []delivery{
		{topic: "x", payload: []byte{0xBB}},
		{topic: "w", payload: []byte{0xAA}},
	}, func() bool { return len(got) > 0 })

	for _, d := range got {
		assert.Equal(t, "w", d.topic)
		assert.Equal(t, []byte{0xAA}, d.payload)
		assert.Equal(t, "ctx", d.ctx)
	}
}

func TestTopicFilteringInproc(t *testing.T) { testTopicFiltering(t, "inproc://broadcast-filter") }

func TestTopicFilteringTCP(t *testing.T) { testTopicFiltering(t, "tcp://127.0.0.1:0") }

func TestTopicFilteringUDP(t *testing.T) { testTopicFiltering(t, "udp://127.0.0.1:0") }

func TestPrefixMatchesAreNotDelivered(t *testing.T) {
	loop, pub, sub := setup(t, "inproc://broadcast-prefix")

	var got inbox
	require.NoError(t, sub.Subscribe("w", got.handler, nil))

	// "weather" passes the publisher's prefix filter but not the exact match
	publishUntil(t, loop, pub, []delivery{
		{topic: "weather", payload: []byte("rain")},
		{topic: "w", payload: []byte("w")},
	}, func() bool { return len(got) > 0 })

	assert.Equal(t, len(got), got.count("w"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	loop, pub, sub := setup(t, "inproc://broadcast-unsubscribe")

	var w, z inbox
	require.NoError(t, sub.Subscribe("w", w.handler, nil))
	require.NoError(t, sub.Subscribe("z", z.handler, nil))
	publishUntil(t, loop, pub, []delivery{{topic: "w"}, {topic: "z"}}, func() bool { return len(w) > 0 && len(z) > 0 })

	require.NoError(t, sub.Unsubscribe("w"))
	assert.ErrorIs(t, sub.Unsubscribe("w"), status.ErrInvalidArgument)
	assert.Equal(t, 1, sub.Topics())

	// frames behind the unsubscribe on the same stream see it applied
	seen := len(w)
	delivered := len(z)
	require.NoError(t, pub.Publish("w", nil, nil))
	require.NoError(t, pub.Publish("z", nil, nil))
	runUntil(t, loop, func() bool { return len(z) > delivered })
	assert.Equal(t, seen, len(w))
}

func TestSubscribeReplacesHandler(t *testing.T) {
	loop, pub, sub := setup(t, "inproc://broadcast-replace")

	var first, second inbox
	require.NoError(t, sub.Subscribe("t", first.handler, nil))
	require.NoError(t, sub.Subscribe("t", second.handler, nil))
	assert.Equal(t, 1, sub.Topics())

	publishUntil(t, loop, pub, []delivery{{topic: "t", payload: []byte("p")}}, func() bool { return len(second) > 0 })
	assert.Empty(t, first)
}

func TestPublishCallbackAndLimits(t *testing.T) {
	loop, pub, sub := setup(t, "udp://127.0.0.1:0")
	assert.Equal(t, transport.DefaultMTU, pub.maxPayload)

	var results []error
	require.NoError(t, pub.Publish("t", make([]byte, transport.DefaultMTU), func(err error) { results = append(results, err) }))
	assert.Empty(t, results, "outcome is reported on the next turn")
	runUntil(t, loop, func() bool { return len(results) == 1 })
	assert.NoError(t, results[0])

	err := pub.Publish("t", make([]byte, transport.DefaultMTU+1), nil)
	assert.ErrorIs(t, err, status.ErrPayloadTooLarge)

	assert.ErrorIs(t, sub.Subscribe("t", nil, nil), status.ErrInvalidArgument)
	assert.ErrorIs(t, sub.Subscribe(string(make([]byte, 0x10000)), func(string, []byte, any) {}, nil), status.ErrInvalidArgument)

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("t", nil, nil), status.ErrInvalidArgument)
}

func TestRoleChecked(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	_, err := NewPublisher(loop, config.New("inproc://broadcast-role"))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
	_, err = NewSubscriber(loop, config.New("inproc://broadcast-role"))
	assert.ErrorIs(t, err, status.ErrInvalidArgument)
}
