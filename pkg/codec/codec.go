// Package codec lets you publish and subscribe typed values instead of raw
// bytes on a crisola peer.
//
// Decoders expect frames delivered without their header, so the peer must
// run with `crisola.WithDeliveryMode(crisola.DeliverByChannel)`.
package codec

import (
	"errors"
	"io"

	"github.com/raskyld/crisola"
)

var (
	ErrReceiverClosed = errors.New("codec: receiver closed")
	ErrTypeMismatch   = errors.New("codec: value has an unexpected type")
)

// Encoder writes msg as the payload of a message.
// It is supposed to return an error only when msg cannot be encoded.
type Encoder interface {
	Encode(w io.Writer, msg interface{}) error
}

// Decoder decodes a payload. The payload is only valid during the call,
// implementations MUST copy what they retain.
type Decoder interface {
	Decode(payload []byte) (interface{}, error)
}

// Publisher is implemented by `*crisola.PeerManager`.
type Publisher interface {
	Publish(cid crisola.ChannelID, msg *crisola.Message) error
}

// Publish encodes value in a new message and publishes it on cid.
func Publish(p Publisher, cid crisola.ChannelID, enc Encoder, value interface{}) error {
	msg, err := crisola.NewMessage(0)
	if err != nil {
		return err
	}
	if err := enc.Encode(msg, value); err != nil {
		return err
	}
	return p.Publish(cid, msg)
}
