// Package transport defines the peer channel capability the session layer
// drives: an ordered, message-oriented, encrypted link per remote endpoint,
// established through an external offer/answer/candidate exchange.
package transport

import "encoding/json"

// SignalKind names a handshake blob.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is an opaque handshake blob. Payload is forwarded through the
// relay without inspection.
type Signal struct {
	Kind    SignalKind
	Payload json.RawMessage
}

// Message is one peer channel message. Binary messages carry raw bytes;
// the rest carry a structured (JSON) message.
type Message struct {
	Binary bool
	Data   []byte
}

func BinaryMessage(data []byte) Message {
	return Message{Binary: true, Data: data}
}

// StructuredMessage encodes v as a text message.
func StructuredMessage(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}

// Handler receives transport events. Calls may arrive on any goroutine,
// but messages for one peer arrive in send order.
type Handler interface {
	OnSignal(peerID string, sig Signal)
	OnConnect(peerID string)
	OnDisconnect(peerID string)
	OnMessage(peerID string, msg Message)
}

type Transport interface {
	SetHandler(h Handler)
	// Open starts a link to peerID. The initiator produces the offer; the
	// other side waits for it.
	Open(peerID string, initiator bool) error
	HandleSignal(peerID string, sig Signal) error
	// Send reports whether the message was handed to a connected link.
	Send(peerID string, msg Message) bool
	Close(peerID string) error
	Shutdown() error
}
