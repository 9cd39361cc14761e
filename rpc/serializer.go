package rpc

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer turns payload values into bytes and back. Both peers must use
// the same one. Values passed to Marshal and Unmarshal are always pointers.
type Serializer interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// MsgpackSerializer is the default Serializer.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Name() string {
	return "msgpack"
}

func (MsgpackSerializer) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// JSONSerializer encodes payloads as JSON, which is handy when debugging a
// stream by eye.
type JSONSerializer struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONSerializer) Name() string {
	return "json"
}

func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return jsonAPI.Unmarshal(data, v)
}

// SerializerByName returns the Serializer registered under name.
func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "msgpack":
		return MsgpackSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	default:
		return nil, fmt.Errorf("Unknown serializer %q", name)
	}
}

var _ Serializer = MsgpackSerializer{}
var _ Serializer = JSONSerializer{}
