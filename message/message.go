// Package message defines the frames exchanged between endpoints.
//
// Frame is the "envelope" for every RPC exchange. It gets serialized by the
// codec layer and, on stream transports, wrapped in a protocol envelope for
// transmission. Payload bytes are opaque: nothing in the runtime interprets them.
package message

import "fmt"

// Kind distinguishes request, response and notification frames.
type Kind byte

const (
	KindRequest      Kind = 1 // caller → server, expects a Response
	KindResponse     Kind = 2 // server → caller, correlates by ID
	KindNotification Kind = 3 // caller → server, one-way
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindNotification:
		return "Notification"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Valid reports whether k is one of the three defined kinds.
func (k Kind) Valid() bool {
	return k == KindRequest || k == KindResponse || k == KindNotification
}

// Frame carries the data for a single RPC request, response or notification.
//
//   - Request / Notification: Method is set, ErrorCode is 0.
//   - Response: Method is empty, ErrorCode is 0 on success.
type Frame struct {
	Kind      Kind
	ID        uint32 // correlation id, 0 for notifications by convention
	Method    string // compared as bytes, no normalisation
	ErrorCode int32
	Payload   []byte
}

// BroadcastFrame is the publish/subscribe carriage: a topic and opaque bytes.
type BroadcastFrame struct {
	Topic   string
	Payload []byte
}
