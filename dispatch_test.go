package crisola

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogger(emitter string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	}))
}

// counterSum adds up a counter over every interval kept by the sink.
func counterSum(sink *metrics.InmemSink, key string) float64 {
	var sum float64
	for _, intv := range sink.Data() {
		intv.RLock()
		if c, ok := intv.Counters[key]; ok && c.AggregateSample != nil {
			sum += c.Sum
		}
		intv.RUnlock()
	}
	return sum
}

func TestDispatcher_Inline(t *testing.T) {
	cfg := defaultConfig()
	cfg.inline = true
	d := newDispatcher(&cfg, testLogger("inline"), &metrics.BlackholeSink{})
	defer d.close()

	var got []ChannelID
	sub := SubscriberFunc(func(cid ChannelID, payload []byte) {
		require.Equal(t, "hello", string(payload))
		got = append(got, cid)
	})

	d.dispatch([]subscription{{cid: 1, sub: sub}, {cid: 2, sub: sub}}, []byte("hello"))
	require.Equal(t, []ChannelID{1, 2}, got, "inline delivery happens before dispatch returns")
}

func TestDispatcher_Queued(t *testing.T) {
	cfg := defaultConfig()
	d := newDispatcher(&cfg, testLogger("queued"), &metrics.BlackholeSink{})

	var mu sync.Mutex
	var got []string
	sub := SubscriberFunc(func(_ ChannelID, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
	})

	buf := []byte("first")
	d.dispatch([]subscription{{cid: 1, sub: sub}}, buf)
	copy(buf, "xxxxx")
	d.dispatch([]subscription{{cid: 1, sub: sub}}, []byte("second"))

	d.close()
	require.Equal(t, []string{"first", "second"}, got, "payloads are copied and kept in order")
}

func TestDispatcher_DropWhenFull(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	cfg := defaultConfig()
	cfg.dispatchQueue = 1
	d := newDispatcher(&cfg, testLogger("drop"), sink)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var delivered atomic.Int32
	sub := SubscriberFunc(func(ChannelID, []byte) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		delivered.Add(1)
	})
	subs := []subscription{{cid: 1, sub: sub}}

	// the first delivery occupies the worker.
	d.dispatch(subs, []byte("a"))
	<-started

	// the second one fills the queue, the others are dropped.
	for i := 0; i < 5; i++ {
		d.dispatch(subs, []byte("b"))
	}
	require.Equal(t, float64(4), counterSum(sink, "crisola.dispatch.drop.count"))

	close(release)
	d.close()
	require.Equal(t, int32(2), delivered.Load())
}

func TestDispatcher_RecoverPanic(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	cfg := defaultConfig()
	cfg.inline = true
	d := newDispatcher(&cfg, testLogger("panic"), sink)

	called := false
	subs := []subscription{
		{cid: 7, sub: SubscriberFunc(func(ChannelID, []byte) { panic("boom") })},
		{cid: 8, sub: SubscriberFunc(func(ChannelID, []byte) { called = true })},
	}

	require.NotPanics(t, func() { d.dispatch(subs, []byte("hello")) })
	require.True(t, called, "a panicking subscriber must not starve the others")
	require.Equal(t, float64(1), counterSum(sink, "crisola.subscriber.panic.count;channel=7"))
}
