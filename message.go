package crisola

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
)

const (
	// HeaderLen is the size of the frame header: 2 bytes of channel id
	// followed by 8 bytes of sequence number, both little-endian.
	HeaderLen = 10

	// MaxPayloadLen keeps room for IP/UDP headers under the 64KiB
	// datagram limit.
	MaxPayloadLen = 65399

	// MaxFrameLen is the largest datagram this package ever sends.
	MaxFrameLen = MaxPayloadLen + HeaderLen
)

// ChannelID identifies a logical topic inside one multicast group.
type ChannelID uint16

const (
	messageOpen uint32 = iota
	messageSealed
	messagePacked
)

// Message is an append-only buffer with the frame header reserved up
// front, so packing never shifts the payload.
//
// A Message is owned by a single goroutine until it is given to
// `PeerManager.Publish`, after which it is sealed: further writes fail
// with `ErrMessageSealed`.
type Message struct {
	data  []byte
	state atomic.Uint32
}

// NewMessage allocates a Message able to hold `size` bytes of payload
// without reallocating.
func NewMessage(size int) (*Message, error) {
	if size < 0 || size > MaxPayloadLen {
		return nil, fmt.Errorf("%w: requested %d bytes", ErrTooLargeFrame, size)
	}
	data := make([]byte, HeaderLen, HeaderLen+size)
	return &Message{data: data}, nil
}

// Write appends p to the payload. It never writes partially: either the
// whole of p fits under `MaxPayloadLen` or nothing is written.
func (m *Message) Write(p []byte) (int, error) {
	if m.state.Load() != messageOpen {
		return 0, ErrMessageSealed
	}
	if len(m.data)-HeaderLen+len(p) > MaxPayloadLen {
		return 0, ErrTooLargeFrame
	}
	m.data = append(m.data, p...)
	return len(p), nil
}

func (m *Message) WriteString(s string) (int, error) {
	if m.state.Load() != messageOpen {
		return 0, ErrMessageSealed
	}
	if len(m.data)-HeaderLen+len(s) > MaxPayloadLen {
		return 0, ErrTooLargeFrame
	}
	m.data = append(m.data, s...)
	return len(s), nil
}

// Len is the number of payload bytes written so far. It is 0 once the
// message is handed to `PeerManager.Publish`.
func (m *Message) Len() int {
	if m.state.Load() != messageOpen {
		return 0
	}
	return len(m.data) - HeaderLen
}

// Payload returns the bytes written so far. It aliases the internal
// buffer and is nil once the message is handed to `PeerManager.Publish`:
// from then on, the buffer belongs to the event loop.
func (m *Message) Payload() []byte {
	if m.state.Load() != messageOpen || len(m.data) < HeaderLen {
		return nil
	}
	return m.data[HeaderLen:]
}

// seal transfers ownership to the event loop.
func (m *Message) seal() error {
	if !m.state.CompareAndSwap(messageOpen, messageSealed) {
		return ErrMessageSealed
	}
	return nil
}

// pack stamps the header and hands out the frame. The Message is
// unusable afterwards.
func (m *Message) pack(cid ChannelID, seq uint64) ([]byte, error) {
	if m.state.Swap(messagePacked) == messagePacked {
		return nil, ErrMessagePacked
	}
	binary.LittleEndian.PutUint16(m.data[0:2], uint16(cid))
	binary.LittleEndian.PutUint64(m.data[2:HeaderLen], seq)
	frame := m.data
	m.data = nil
	return frame, nil
}

// Frame is a parsed datagram.
type Frame struct {
	Channel ChannelID
	Seq     uint64

	// Payload aliases the buffer given to `ParseFrame`.
	Payload []byte
}

// ParseFrame decodes the header of a datagram produced by a peer.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: got %d bytes", ErrFrameTooShort, len(b))
	}
	return Frame{
		Channel: ChannelID(binary.LittleEndian.Uint16(b[0:2])),
		Seq:     binary.LittleEndian.Uint64(b[2:HeaderLen]),
		Payload: b[HeaderLen:],
	}, nil
}

func (f Frame) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("channel", int(f.Channel)),
		slog.Uint64("seq", f.Seq),
		slog.Int("length", len(f.Payload)),
	)
}
