package codec

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/raskyld/crisola"
)

// Received is a decoded payload, along with the channel it came from.
type Received[T any] struct {
	Channel crisola.ChannelID
	Value   T
}

// Receiver is a `crisola.Subscriber` buffering decoded values until they
// are consumed with `Recv`. It never blocks the peer: when the buffer is
// full, values are dropped and counted.
type Receiver[T any] struct {
	dec Decoder

	readCh  chan Received[T]
	closeCh chan struct{}
	dropped atomic.Uint64
	invalid atomic.Uint64

	// handle Close sync.
	closed bool
	lk     sync.RWMutex
}

var _ crisola.Subscriber = (*Receiver[any])(nil)

func NewReceiver[T any](dec Decoder, bufferSize uint) *Receiver[T] {
	return &Receiver[T]{
		dec:     dec,
		readCh:  make(chan Received[T], bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (r *Receiver[T]) Deliver(cid crisola.ChannelID, payload []byte) {
	elem, err := r.dec.Decode(payload)
	if err != nil {
		r.invalid.Add(1)
		return
	}

	msg, ok := elem.(T)
	if !ok {
		panic(
			fmt.Sprintf(
				"decoder returned no error, but returned wrong type %s instead of %s",
				reflect.TypeOf(elem).String(),
				reflect.TypeOf((*T)(nil)).Elem().String(),
			),
		)
	}

	r.lk.RLock()
	defer r.lk.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.readCh <- Received[T]{Channel: cid, Value: msg}:
	default:
		r.dropped.Add(1)
	}
}

// Recv waits for the next value.
func (r *Receiver[T]) Recv(ctx context.Context) (result Received[T], err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-r.closeCh:
		return result, ErrReceiverClosed
	case elem := <-r.readCh:
		return elem, nil
	}
}

// Dropped counts the values lost because the buffer was full.
func (r *Receiver[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Invalid counts the payloads the decoder rejected.
func (r *Receiver[T]) Invalid() uint64 {
	return r.invalid.Load()
}

// Close makes pending and future `Recv` return `ErrReceiverClosed`. You
// should also unsubscribe the channel from the peer.
func (r *Receiver[T]) Close() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.closeCh)
	return nil
}
