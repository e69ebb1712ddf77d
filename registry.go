package crisola

// Subscriber receives datagrams for the channels it subscribed to.
//
// *Implementations* MUST NOT block for long: depending on the delivery
// options, they are either invoked by the dispatcher workers or by the
// event loop itself. The payload is only valid for the duration of the
// call; copy it to retain it.
type Subscriber interface {
	Deliver(cid ChannelID, payload []byte)
}

// SubscriberFunc adapts a function or a closure to a `Subscriber`.
type SubscriberFunc func(cid ChannelID, payload []byte)

func (fn SubscriberFunc) Deliver(cid ChannelID, payload []byte) {
	fn(cid, payload)
}

type subscription struct {
	cid ChannelID
	sub Subscriber
}

// registry is the ordered list of subscriptions owned by the event loop.
// Linear scans are fine for the tens to hundreds of subscriptions it is
// meant to hold.
//
// The backing slice is copy-on-write: a snapshot handed to the dispatcher
// stays valid while the loop keeps mutating the registry.
//
// not thread safe!
type registry struct {
	subs []subscription
}

func newRegistry() *registry {
	return &registry{}
}

// add never checks for duplicates: subscribing twice delivers twice.
func (r *registry) add(cid ChannelID, sub Subscriber) {
	next := make([]subscription, len(r.subs), len(r.subs)+1)
	copy(next, r.subs)
	r.subs = append(next, subscription{cid: cid, sub: sub})
}

// remove drops every subscription on cid and returns how many were
// dropped.
func (r *registry) remove(cid ChannelID) int {
	var kept []subscription
	for _, s := range r.subs {
		if s.cid != cid {
			kept = append(kept, s)
		}
	}
	removed := len(r.subs) - len(kept)
	if removed > 0 {
		r.subs = kept
	}
	return removed
}

func (r *registry) len() int {
	return len(r.subs)
}

// snapshot returns the subscriptions to deliver to. When filter is true,
// only subscriptions on cid are kept. The result must not be modified.
func (r *registry) snapshot(cid ChannelID, filter bool) []subscription {
	if !filter {
		return r.subs
	}

	var out []subscription
	for _, s := range r.subs {
		if s.cid == cid {
			out = append(out, s)
		}
	}
	return out
}
