package agentbackend

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with grpc's encoding registry and selected
// per-call via grpc.CallContentSubtype, so the stream never needs generated
// protobuf message types: any JSON-serializable Go struct can cross the wire.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec (formerly grpc.Codec) over
// encoding/json, letting the agent backend speak gRPC's framing and
// streaming semantics without a protoc-generated client stub.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("agentbackend: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("agentbackend: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }
