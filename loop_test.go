package crisola

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const barrierChannel ChannelID = 0xFFFF

// loopbackPeer runs an event loop over a unicast loopback socket. The
// remote socket stands for the rest of the group: frames published by the
// peer land on it, and whatever it sends is received by the peer.
type loopbackPeer struct {
	pm     *PeerManager
	peer   *Peer
	addr   *net.UDPAddr
	remote *net.UDPConn
}

func startLoopback(t *testing.T, emitter string, opts ...Option) *loopbackPeer {
	t.Helper()
	conn := listenLoopback(t)
	remote := listenLoopback(t)
	_ = remote.SetReadBuffer(1 << 20)

	cfg := defaultConfig()
	for _, opt := range opts {
		require.NoError(t, opt(&cfg))
	}
	msink := cfg.msink
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}

	gc := newGroupConn(conn, remote.LocalAddr().(*net.UDPAddr))
	pm, peer := start(gc, &cfg, testLogger(emitter), msink)

	lp := &loopbackPeer{
		pm:     pm,
		peer:   peer,
		addr:   conn.LocalAddr().(*net.UDPAddr),
		remote: remote,
	}
	t.Cleanup(func() {
		_ = pm.Shutdown()
		select {
		case <-peer.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("event loop of %s did not stop", emitter)
		}
		remote.Close()
	})
	return lp
}

func (lp *loopbackPeer) send(t *testing.T, datagram []byte) {
	t.Helper()
	_, err := lp.remote.WriteToUDP(datagram, lp.addr)
	require.NoError(t, err)
}

// readFrame reads the next frame published by the peer.
func (lp *loopbackPeer) readFrame(t *testing.T) Frame {
	t.Helper()
	buf := make([]byte, receiveBufferSize)
	require.NoError(t, lp.remote.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := lp.remote.ReadFromUDP(buf)
	require.NoError(t, err)
	frame, err := ParseFrame(buf[:n])
	require.NoError(t, err)
	return frame
}

// barrier returns once every command sent before it has been applied.
func (lp *loopbackPeer) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, lp.pm.PublishBytes(barrierChannel, nil))
	for {
		if lp.readFrame(t).Channel == barrierChannel {
			return
		}
	}
}

func frameOf(cid ChannelID, seq uint64, payload string) []byte {
	b := make([]byte, HeaderLen, HeaderLen+len(payload))
	binary.LittleEndian.PutUint16(b[0:2], uint16(cid))
	binary.LittleEndian.PutUint64(b[2:HeaderLen], seq)
	return append(b, payload...)
}

type delivered struct {
	cid     ChannelID
	payload string
}

func recorder(out chan<- delivered) SubscriberFunc {
	return func(cid ChannelID, payload []byte) {
		out <- delivered{cid: cid, payload: string(payload)}
	}
}

func expectDelivery(t *testing.T, ch <-chan delivered) delivered {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a delivery")
		return delivered{}
	}
}

func expectNoDelivery(t *testing.T, ch <-chan delivered) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on channel %d: %q", d.cid, d.payload)
	case <-time.After(200 * time.Millisecond):
	}
}

type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Deliver(cid ChannelID, payload []byte) {
	m.Called(cid, append([]byte(nil), payload...))
}

func TestLoop_SubscribeThenReceive(t *testing.T) {
	lp := startLoopback(t, "node1", WithInlineDelivery())

	got := make(chan struct{})
	sub := &mockSubscriber{}
	sub.On("Deliver", ChannelID(1212), []byte("hello")).
		Return().
		Run(func(mock.Arguments) { close(got) }).
		Once()

	require.NoError(t, lp.pm.Subscribe(1212, sub))
	lp.barrier(t)
	lp.send(t, []byte("hello"))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber was not called")
	}
	sub.AssertExpectations(t)
}

func TestLoop_BroadcastDelivery(t *testing.T) {
	lp := startLoopback(t, "node1")

	ch := make(chan delivered, 8)
	require.NoError(t, lp.pm.Subscribe(1, recorder(ch)))
	require.NoError(t, lp.pm.SubscribeFunc(2, recorder(ch)))
	lp.barrier(t)

	raw := frameOf(7, 1, "payload")
	lp.send(t, raw)

	got := map[ChannelID]string{}
	for i := 0; i < 2; i++ {
		d := expectDelivery(t, ch)
		got[d.cid] = d.payload
	}
	require.Equal(t, map[ChannelID]string{1: string(raw), 2: string(raw)}, got,
		"every subscriber gets the raw datagram with its own channel id")
	expectNoDelivery(t, ch)
}

func TestLoop_Unsubscribe(t *testing.T) {
	lp := startLoopback(t, "node1")

	ch := make(chan delivered, 8)
	require.NoError(t, lp.pm.Subscribe(1212, recorder(ch)))
	require.NoError(t, lp.pm.Subscribe(1212, recorder(ch)))
	require.NoError(t, lp.pm.Subscribe(3, recorder(ch)))
	lp.barrier(t)

	lp.send(t, []byte("hello"))
	for i := 0; i < 3; i++ {
		expectDelivery(t, ch)
	}

	require.NoError(t, lp.pm.Unsubscribe(1212))
	lp.barrier(t)
	lp.send(t, []byte("hello"))
	require.Equal(t, ChannelID(3), expectDelivery(t, ch).cid)
	expectNoDelivery(t, ch)

	require.NoError(t, lp.pm.Unsubscribe(42), "removing an unknown channel is a no-op")
	require.NoError(t, lp.pm.Unsubscribe(3))
	lp.barrier(t)
	lp.send(t, []byte("hello"))
	expectNoDelivery(t, ch)
}

func TestLoop_PublishFrames(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	lp := startLoopback(t, "node1", WithMetricSink(sink))

	for i := 0; i < 3; i++ {
		require.NoError(t, lp.pm.PublishBytes(0x0102, []byte(strconv.Itoa(i))))
	}
	msg, err := NewMessage(5)
	require.NoError(t, err)
	_, err = msg.WriteString("other")
	require.NoError(t, err)
	require.NoError(t, lp.pm.Publish(3, msg))

	seqs := map[ChannelID][]uint64{}
	for i := 0; i < 4; i++ {
		frame := lp.readFrame(t)
		seqs[frame.Channel] = append(seqs[frame.Channel], frame.Seq)
		if frame.Channel == 0x0102 {
			idx, err := strconv.Atoi(string(frame.Payload))
			require.NoError(t, err)
			require.Equal(t, uint64(idx+1), frame.Seq)
		} else {
			require.Equal(t, "other", string(frame.Payload))
		}
	}
	require.ElementsMatch(t, []uint64{1, 2, 3}, seqs[0x0102])
	require.Equal(t, []uint64{1}, seqs[3], "each channel counts its own frames")

	require.Eventually(t, func() bool {
		return counterSum(sink, "crisola.datagram.out.bytes;channel=258") == float64(3*(HeaderLen+1))
	}, 2*time.Second, 50*time.Millisecond)
}

func TestLoop_PublishSealsMessage(t *testing.T) {
	lp := startLoopback(t, "node1")

	msg, err := NewMessage(5)
	require.NoError(t, err)
	_, err = msg.WriteString("hello")
	require.NoError(t, err)

	require.NoError(t, lp.pm.Publish(1, msg))
	require.ErrorIs(t, lp.pm.Publish(1, msg), ErrMessageSealed)
	_, err = msg.WriteString("late")
	require.ErrorIs(t, err, ErrMessageSealed)

	frame := lp.readFrame(t)
	require.Equal(t, "hello", string(frame.Payload))

	require.ErrorIs(t, lp.pm.Publish(1, nil), ErrInvalidCommand)
	require.ErrorIs(t, lp.pm.Subscribe(1, nil), ErrInvalidCommand)
	require.ErrorIs(t, lp.pm.SubscribeFunc(1, nil), ErrInvalidCommand)
}

func TestLoop_ProducerOrder(t *testing.T) {
	const producers = 4
	const perProducer = 50
	lp := startLoopback(t, "node1")

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := lp.pm.PublishBytes(ChannelID(p), []byte(strconv.Itoa(i))); err != nil {
					t.Errorf("producer %d failed to publish: %s", p, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// sequence numbers are assigned when the loop applies a command, so
	// they reveal the order in which commands were applied.
	for n := 0; n < producers*perProducer; n++ {
		frame := lp.readFrame(t)
		idx, err := strconv.Atoi(string(frame.Payload))
		require.NoError(t, err)
		require.Equal(t, uint64(idx+1), frame.Seq, "commands of channel %d applied out of order", frame.Channel)
	}
}

func TestLoop_ShutdownWakesLoop(t *testing.T) {
	lp := startLoopback(t, "node1", WithPollInterval(time.Hour))

	ch := make(chan delivered, 1)
	require.NoError(t, lp.pm.Subscribe(1, recorder(ch)))
	require.NoError(t, lp.pm.Shutdown())

	select {
	case <-lp.peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not wake the event loop up")
	}
	require.NoError(t, lp.peer.Wait())

	require.ErrorIs(t, lp.pm.Subscribe(1, recorder(ch)), ErrPeerClosed)
	require.ErrorIs(t, lp.pm.PublishBytes(1, []byte("late")), ErrPeerClosed)
	require.ErrorIs(t, lp.pm.Shutdown(), ErrPeerClosed)
}

func TestLoop_DeliverByChannel(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	lp := startLoopback(t, "node1",
		WithDeliveryMode(DeliverByChannel),
		WithMetricSink(sink),
	)

	ch := make(chan delivered, 8)
	require.NoError(t, lp.pm.Subscribe(5, recorder(ch)))
	lp.barrier(t)

	lp.send(t, []byte("abc"))
	lp.send(t, frameOf(6, 1, "nope"))
	lp.send(t, frameOf(5, 1, "yes"))

	require.Equal(t, delivered{cid: 5, payload: "yes"}, expectDelivery(t, ch))
	expectNoDelivery(t, ch)

	require.Eventually(t, func() bool {
		return counterSum(sink, "crisola.datagram.in.error.count;error=too_short") == 1 &&
			counterSum(sink, "crisola.datagram.in.count") == 3
	}, 2*time.Second, 50*time.Millisecond)
}

func TestLoop_SlowSubscriberDoesNotStall(t *testing.T) {
	lp := startLoopback(t, "node1")

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	require.NoError(t, lp.pm.SubscribeFunc(1, func(ChannelID, []byte) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))
	lp.barrier(t)

	lp.send(t, []byte("hello"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber was not called")
	}

	// the subscriber is still blocked, the loop must keep going.
	lp.barrier(t)
}

func TestLoop_SendFailureIsFatal(t *testing.T) {
	conn := listenLoopback(t)
	cfg := defaultConfig()

	// an IPv6 group cannot be reached from an IPv4 socket.
	gc := newGroupConn(conn, &net.UDPAddr{IP: net.ParseIP("ff02::1"), Port: 9})
	pm, peer := start(gc, &cfg, testLogger("node1"), &metrics.BlackholeSink{})

	require.NoError(t, pm.PublishBytes(1, []byte("hello")))

	select {
	case <-peer.Done():
	case <-time.After(5 * time.Second):
		_ = pm.Shutdown()
		t.Fatalf("a send failure must end the event loop")
	}
	require.ErrorIs(t, peer.Wait(), ErrSend)
	require.ErrorIs(t, pm.PublishBytes(1, []byte("late")), ErrPeerClosed)
}

func TestLoop_CommandsBetweenFullBatches(t *testing.T) {
	lp := startLoopback(t, "node1", WithMaxBatch(1))

	ch := make(chan delivered, 1)
	require.NoError(t, lp.pm.SubscribeFunc(1, func(cid ChannelID, payload []byte) {
		select {
		case ch <- delivered{cid: cid, payload: string(payload)}:
		default:
		}
	}))
	lp.barrier(t)

	stop := make(chan struct{})
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = lp.remote.WriteToUDP([]byte("flood"), lp.addr)
			}
		}
	}()

	// every read returns a full batch, commands must still get through.
	expectDelivery(t, ch)
	lp.barrier(t)
	close(stop)
	<-flooded
}
