// Package crisola is a small publish/subscribe core running directly on top
// of multicast UDP, for group communication on a local network.
//
// Several logical *channels*, identified by a `ChannelID`, share a single
// multicast group. Any goroutine can publish on a channel, and subscribers
// are called when datagrams are received from the group.
//
// ## How it works
//
// `NewPeer` binds a socket on the group port, joins the group and starts
// an *event loop* goroutine. The event loop is the only one touching the
// socket and the subscriptions. You talk to it through the `PeerManager`
// it returns, which is safe to share between goroutines:
//
//	pm, peer, err := crisola.NewPeer(netip.MustParseAddrPort("226.26.26.26:2626"))
//	if err != nil {
//		return err
//	}
//	pm.SubscribeFunc(1212, func(cid crisola.ChannelID, payload []byte) {
//		slog.Info("received", "channel", cid, "payload", payload)
//	})
//	pm.PublishBytes(1212, []byte("hello"))
//	pm.Shutdown()
//	return peer.Wait()
//
// `PeerManager` methods only enqueue a command on a lock-free queue and
// wake the event loop up, they never wait for the command to be applied.
// Commands of a goroutine are applied in the order it sent them.
//
// ## Wire format
//
// Each datagram is a frame: the channel id on 2 bytes, a sequence number on
// 8 bytes (both little-endian), then the payload, at most `MaxPayloadLen`
// bytes. Sequence numbers count the frames sent by a peer on each channel,
// starting at 1. They are informative: nothing in this package reorders
// frames or detects losses.
//
// ## Delivery
//
// By default, every datagram received is given *as is*, header included,
// to every subscriber, whatever the channel it was sent on. Use
// `WithDeliveryMode(DeliverByChannel)` to only reach the subscribers of the
// channel carried by the frame, with the header stripped.
//
// Subscribers are invoked from a dispatcher goroutine fed by a bounded
// queue, so a slow subscriber cannot stall the socket. When the queue is
// full, datagrams are dropped. `WithInlineDelivery` calls them from the
// event loop instead.
//
// ## Non-goals
//
// There is no reliability, ordering, congestion control, fragmentation,
// authentication nor encryption. Multicast UDP is best-effort, and so is
// this package.
package crisola
