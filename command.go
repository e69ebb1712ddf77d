package crisola

import (
	"sync/atomic"
)

type commandKind uint8

const (
	cmdSubscribe commandKind = iota + 1
	cmdUnsubscribe
	cmdPublish
	cmdStop
)

func (kind commandKind) String() string {
	switch kind {
	case cmdSubscribe:
		return "subscribe"
	case cmdUnsubscribe:
		return "unsubscribe"
	case cmdPublish:
		return "publish"
	case cmdStop:
		return "stop"
	default:
		return "unknown"
	}
}

// command is a request sent by a producer to the event loop. It doubles
// as the node of the command queue.
type command struct {
	kind       commandKind
	cid        ChannelID
	subscriber Subscriber
	msg        *Message

	next atomic.Pointer[command]
}

// commandQueue is an unbounded multi-producer single-consumer queue.
//
// Producers never block nor take a lock: a push is one atomic swap and
// one atomic store. Only the event loop may call `pop`.
//
// Between the swap and the store of a concurrent push, `pop` may
// report the queue as empty even though an element is being linked.
// The producer wakes the loop only after its push completed, so the
// element is observed on the next wake.
type commandQueue struct {
	head atomic.Pointer[command]
	tail *command
	stub command
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	q.head.Store(&q.stub)
	q.tail = &q.stub
	return q
}

func (q *commandQueue) push(cmd *command) {
	cmd.next.Store(nil)
	prev := q.head.Swap(cmd)
	prev.next.Store(cmd)
}

// not thread safe!
// must only be called by the event loop.
func (q *commandQueue) pop() *command {
	tail := q.tail
	next := tail.next.Load()
	if tail == &q.stub {
		if next == nil {
			return nil
		}
		q.tail = next
		tail = next
		next = next.next.Load()
	}

	if next != nil {
		q.tail = next
		return tail
	}

	if tail != q.head.Load() {
		// a producer is between its swap and its link.
		return nil
	}

	q.push(&q.stub)
	next = tail.next.Load()
	if next != nil {
		q.tail = next
		return tail
	}
	return nil
}
