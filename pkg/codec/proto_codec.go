package codec

import (
	"fmt"
	"io"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec encodes and decodes protobuf messages of type Msg.
type ProtoCodec[Msg proto.Message] struct{}

func NewProtoCodec[Msg proto.Message]() ProtoCodec[Msg] {
	return ProtoCodec[Msg]{}
}

func (ProtoCodec[Msg]) Encode(w io.Writer, msg interface{}) error {
	message, ok := msg.(Msg)
	if !ok {
		return fmt.Errorf(
			"%w: %T instead of %s",
			ErrTypeMismatch,
			msg,
			reflect.TypeOf((*Msg)(nil)).Elem().String(),
		)
	}

	buf, err := proto.Marshal(message)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (ProtoCodec[Msg]) Decode(payload []byte) (interface{}, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := proto.Unmarshal(payload, allocated)
	return allocated, err
}
