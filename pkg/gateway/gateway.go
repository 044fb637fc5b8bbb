// Package gateway abstracts the single persistent connection to the remote
// backend: asynchronous request/response calls, a push-notification stream,
// and a connectivity status query.
//
// The core components depend only on the Gateway interface; the WebSocket
// implementation in this package is the default transport binding.
package gateway

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
)

type Gateway interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Call issues one request and decodes the result into dest, which must
	// be a pointer or nil to discard the result.
	Call(ctx context.Context, dest any, method string, params ...any) error
	// Notifications is the stream of pushed signals. The channel is closed
	// when the connection shuts down for good.
	Notifications() <-chan Signal
	Status() Status
}

// Status reports connectivity as seen by the transport.
type Status struct {
	Connected bool
	// Err holds the most recent transport error, if any.
	Err error
}

// Signal is one push notification. Remote signals carry the originator's
// identity in Origin; locally published ones leave it empty.
type Signal struct {
	ID         uuid.UUID       `cbor:"id"`
	Kind       string          `cbor:"kind"`
	EntryType  string          `cbor:"entry_type"`
	Identity   string          `cbor:"identity"`
	Origin     string          `cbor:"origin,omitempty"`
	Payload    cbor.RawMessage `cbor:"payload,omitempty"`
	ReceivedAt time.Time       `cbor:"-"`
}

// Local reports whether the signal was published by this application
// rather than pushed by the backend.
func (s Signal) Local() bool { return s.Origin == "" }

// SignHook prepares an outbound request before dispatch, typically by
// attaching signature data. The gateway treats the result as opaque.
type SignHook func(ctx context.Context, req *RPCRequest) error

// RPCError is a backend-reported call failure.
type RPCError struct {
	Code    int    `cbor:"code" json:"code"`
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

func (r *RPCError) Error() string { return r.Message }

func (r *RPCError) Is(target error) bool {
	if target == nil {
		return r == nil
	}
	_, ok := target.(*RPCError)
	return ok
}

// RPCRequest is the outbound envelope.
type RPCRequest struct {
	ID     string `cbor:"id" json:"id"`
	Method string `cbor:"method,omitempty" json:"method,omitempty"`
	Params []any  `cbor:"params,omitempty" json:"params,omitempty"`
	// Signature is filled by the SignHook when one is configured.
	Signature cbor.RawMessage `cbor:"signature,omitempty" json:"signature,omitempty"`
}

// RPCResponse is the inbound envelope. Responses without an ID are pushed
// signals rather than replies.
type RPCResponse struct {
	ID     string          `cbor:"id,omitempty" json:"id,omitempty"`
	Error  *RPCError       `cbor:"error,omitempty" json:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty" json:"result,omitempty"`
}
