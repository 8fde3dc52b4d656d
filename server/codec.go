package server

import (
	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"
)

// CodecName is the Connect codec name; clients send application/cbor.
const CodecName = "cbor"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// cborCodec implements connect.Codec over CBOR. Message types are plain Go
// structs; there is no protobuf schema.
type cborCodec struct{}

// Codec returns the CBOR codec shared by the bridge handlers and clients.
func Codec() connect.Codec { return cborCodec{} }

func (cborCodec) Name() string { return CodecName }

func (cborCodec) Marshal(msg any) ([]byte, error) {
	return encMode.Marshal(msg)
}

func (cborCodec) Unmarshal(data []byte, msg any) error {
	return cbor.Unmarshal(data, msg)
}
