package rpc

import (
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Codec encodes frames and payloads. Codecs also satisfy the gRPC
// encoding.Codec interface.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// CBOR is the default codec for stdio and gRPC transports.
	CBOR Codec = cborCodec{}

	// JSON is used on websocket transports so frames stay readable.
	JSON Codec = jsonCodec{}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Records are decoded into any-typed targets and must come out as
		// map[string]any rather than map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "cbor":
		return CBOR, true
	case "json":
		return JSON, true
	}
	return nil, false
}
