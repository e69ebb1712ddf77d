package crisola

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// aLongTimeAgo is a non-zero time far in the past, used to force a
// pending read to return immediately.
var aLongTimeAgo = time.Unix(1, 0)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// waker forces the event loop out of its wait.
//
// The Go runtime parks the loop in its network poller while it waits for
// datagrams. Moving the read deadline into the past is what makes a parked
// read return right away, so the waker owns no descriptor of its own: it
// only touches the deadline and never reads nor writes the socket.
type waker struct {
	sig    chan struct{}
	conn   readDeadliner
	closed atomic.Bool
}

func newWaker(conn readDeadliner) *waker {
	return &waker{
		sig:  make(chan struct{}, 1),
		conn: conn,
	}
}

// wake is safe for concurrent use. Redundant wakes coalesce into one.
func (w *waker) wake() error {
	if w.closed.Load() {
		return ErrPeerClosed
	}

	select {
	case w.sig <- struct{}{}:
	default:
		// a wake is already pending.
	}

	if err := w.conn.SetReadDeadline(aLongTimeAgo); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrPeerClosed
		}
		return fmt.Errorf("%w: %w", ErrWake, err)
	}
	return nil
}

// pending consumes the wake signal. It must be called after the loop armed
// its next wait and before it drains commands, so that no wake is lost.
func (w *waker) pending() bool {
	select {
	case <-w.sig:
		return true
	default:
		return false
	}
}

func (w *waker) close() {
	w.closed.Store(true)
}
