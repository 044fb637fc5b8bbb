// Package codec defines the marshaling seam between the gateway and its
// wire format, plus the default CBOR implementation.
package codec

import "github.com/fxamacker/cbor/v2"

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// CBOR is the default codec used by the WebSocket gateway.
type CBOR struct{}

func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Unmarshal(data []byte, dst any) error { return cbor.Unmarshal(data, dst) }
