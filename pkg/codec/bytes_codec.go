package codec

import (
	"fmt"
	"io"
)

// BytesCodec sends []byte as is.
type BytesCodec struct{}

func NewBytesCodec() BytesCodec {
	return BytesCodec{}
}

func (BytesCodec) Encode(w io.Writer, msg interface{}) error {
	var buf []byte
	switch v := msg.(type) {
	case []byte:
		buf = v
	case string:
		buf = []byte(v)
	default:
		return fmt.Errorf("%w: %T instead of []byte", ErrTypeMismatch, msg)
	}
	_, err := w.Write(buf)
	return err
}

func (BytesCodec) Decode(payload []byte) (interface{}, error) {
	cloned := make([]byte, len(payload))
	copy(cloned, payload)
	return cloned, nil
}
