package codec

import (
	"github.com/raskyld/crisola"
)

// Sender is a typed publisher bound to one channel. It is safe for
// concurrent use as long as its `Publisher` is.
type Sender[T any] struct {
	p   Publisher
	cid crisola.ChannelID
	enc Encoder
}

func NewSender[T any](p Publisher, cid crisola.ChannelID, enc Encoder) *Sender[T] {
	return &Sender[T]{
		p:   p,
		cid: cid,
		enc: enc,
	}
}

func (s *Sender[T]) Send(msg T) error {
	return Publish(s.p, s.cid, s.enc, msg)
}
