package controlplane

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered once at package init so every grpc.ClientConn
// created with WithDefaultCallOptions(CallContentSubtype(jsonCodecName))
// marshals plain Go structs as JSON on the wire instead of protobuf. No
// protobuf schema or generated stubs ship with this agent; the control
// plane's wire contract here is exercised through grpc.ClientConn.Invoke
// with hand-written request/response structs.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
