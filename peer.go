package crisola

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/hashicorp/go-metrics"
)

// Peer is the joinable reference to a running event loop.
type Peer struct {
	group     string
	localAddr net.Addr

	done chan struct{}
	err  error
}

// Wait blocks until the event loop terminates and returns its outcome:
// nil after a `PeerManager.Shutdown`, or the fatal error which ended it.
func (p *Peer) Wait() error {
	<-p.done
	return p.err
}

// Done is closed when the event loop has terminated.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Group is the address frames are sent to.
func (p *Peer) Group() string {
	return p.group
}

// LocalAddr is the address the socket of the peer is bound to.
func (p *Peer) LocalAddr() net.Addr {
	return p.localAddr
}

// PeerManager is the producer side of a peer. It is safe for concurrent
// use: share the pointer with as many goroutines as you want.
//
// Every method returns as soon as the command is queued, not once the
// event loop applied it.
type PeerManager struct {
	queue *commandQueue
	waker *waker
}

// NewPeer binds a socket on the multicast group addr, joins it and starts
// the event loop. Nothing is left running when it fails.
func NewPeer(addr netip.AddrPort, opts ...Option) (*PeerManager, *Peer, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}
	logger = logger.With(LabelGroup.L(addr.String()))

	msink := cfg.msink
	if msink == nil {
		msink = metrics.Default()
	}

	conn, err := bindGroup(addr, &cfg, logger, msink)
	if err != nil {
		return nil, nil, err
	}

	pm, peer := start(conn, &cfg, logger, msink)
	return pm, peer, nil
}

func start(conn *groupConn, cfg *config, logger *slog.Logger, msink metrics.MetricSink) (*PeerManager, *Peer) {
	queue := newCommandQueue()
	wk := newWaker(conn)
	loop := newEventLoop(cfg, logger, msink, conn, queue, wk)

	peer := &Peer{
		group:     conn.dest.String(),
		localAddr: conn.LocalAddr(),
		done:      make(chan struct{}),
	}
	go func() {
		peer.err = loop.run()
		close(peer.done)
	}()

	return &PeerManager{queue: queue, waker: wk}, peer
}

func (pm *PeerManager) submit(cmd *command) error {
	if pm.waker.closed.Load() {
		return ErrPeerClosed
	}
	pm.queue.push(cmd)
	return pm.waker.wake()
}

// Subscribe registers sub on cid. Subscribing the same channel several
// times is allowed, each subscription gets its own delivery.
func (pm *PeerManager) Subscribe(cid ChannelID, sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidCommand)
	}
	return pm.submit(&command{kind: cmdSubscribe, cid: cid, subscriber: sub})
}

// SubscribeFunc is `Subscribe` for a plain function.
func (pm *PeerManager) SubscribeFunc(cid ChannelID, fn func(cid ChannelID, payload []byte)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidCommand)
	}
	return pm.Subscribe(cid, SubscriberFunc(fn))
}

// Unsubscribe removes every subscription on cid.
//
// Unless `WithInlineDelivery` is set, datagrams read before the command is
// applied are still queued for the dispatcher and may reach the removed
// subscribers after Unsubscribe returns.
func (pm *PeerManager) Unsubscribe(cid ChannelID) error {
	return pm.submit(&command{kind: cmdUnsubscribe, cid: cid})
}

// Publish sends msg on cid. The message is sealed by this call: writing to
// it or publishing it again fails with `ErrMessageSealed`.
func (pm *PeerManager) Publish(cid ChannelID, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidCommand)
	}
	if err := msg.seal(); err != nil {
		return err
	}
	return pm.submit(&command{kind: cmdPublish, cid: cid, msg: msg})
}

// PublishBytes copies payload into a new `Message` and publishes it.
func (pm *PeerManager) PublishBytes(cid ChannelID, payload []byte) error {
	msg, err := NewMessage(len(payload))
	if err != nil {
		return err
	}
	if _, err := msg.Write(payload); err != nil {
		return err
	}
	return pm.Publish(cid, msg)
}

// Shutdown asks the event loop to stop. Use `Peer.Wait` to know when it
// is done.
func (pm *PeerManager) Shutdown() error {
	return pm.submit(&command{kind: cmdStop})
}
