package codec

import (
	"encoding/json"
	"io"
	"reflect"
)

type JSONEncoder struct{}

func NewJSONEncoder() JSONEncoder {
	return JSONEncoder{}
}

func (JSONEncoder) Encode(w io.Writer, msg interface{}) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// JSONDecoder decodes into a freshly allocated Msg, which must be a
// pointer type.
type JSONDecoder[Msg any] struct {
	allocator func() Msg
}

func NewJSONDecoder[Msg any]() JSONDecoder[Msg] {
	t := reflect.TypeOf((*Msg)(nil)).Elem()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JSONDecoder[Msg]{
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (dec JSONDecoder[Msg]) Decode(payload []byte) (interface{}, error) {
	result := dec.allocator()
	err := json.Unmarshal(payload, result)
	return result, err
}
