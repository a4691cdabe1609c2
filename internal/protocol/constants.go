package protocol

// Event names a relay wire message.
type Event string

const (
	EventAnswer             Event = "answer"
	EventConnected          Event = "connected"
	EventICECandidate       Event = "ice-candidate"
	EventJoinRoom           Event = "join-room"
	EventLeaveRoom          Event = "leave-room"
	EventOffer              Event = "offer"
	EventPeerJoined         Event = "peer-joined"
	EventPeerLeft           Event = "peer-left"
	EventPeers              Event = "peers"
	EventRendezvousRequest  Event = "rendezvous-request"
	EventSubscribeDevices   Event = "subscribe-devices"
	EventUnsubscribeDevices Event = "unsubscribe-devices"
)

func (e Event) String() string {
	return string(e)
}

// IsHandshake reports whether e carries a payload the relay forwards
// verbatim to a single target.
func (e Event) IsHandshake() bool {
	switch e {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	default:
		return false
	}
}

// Peer channel application message types.
const (
	ChannelText         = "text"
	ChannelFileMetadata = "file-metadata"
)
