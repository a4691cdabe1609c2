package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is one relay wire message.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event Event, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

type JoinRoom struct {
	RoomID     string `json:"roomId"`
	DeviceName string `json:"deviceName,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// PeerInfo is one entry of a peers list, and the payload of peer-joined.
type PeerInfo struct {
	PeerID     string `json:"peerId"`
	DeviceName string `json:"deviceName,omitempty"`
}

type PeerLeft struct {
	PeerID string `json:"peerId"`
}

type RendezvousRequest struct {
	RoomID             string `json:"roomId"`
	DeviceName         string `json:"deviceName"`
	RequestingSocketID string `json:"requestingSocketId"`
}

// Offer travels as {offer, target, roomId, deviceName} from the sender and
// is delivered as {offer, from, deviceName}.
type Offer struct {
	Offer      json.RawMessage `json:"offer"`
	Target     string          `json:"target,omitempty"`
	From       string          `json:"from,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`
}

type Answer struct {
	Answer json.RawMessage `json:"answer"`
	Target string          `json:"target,omitempty"`
	From   string          `json:"from,omitempty"`
}

type ICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	Target    string          `json:"target,omitempty"`
	From      string          `json:"from,omitempty"`
}

type Connected struct {
	SocketID string `json:"socketId"`
}

// Health is the liveness endpoint response.
type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type TextMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// FileMetadata precedes the raw binary chunks of one file.
type FileMetadata struct {
	Type        string `json:"type"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
	From        string `json:"from"`
	Timestamp   int64  `json:"timestamp"`
}

var ErrUnknownChannelMessage = errors.New("unknown channel message type")

// DecodeChannelMessage returns a *TextMessage or *FileMetadata.
func DecodeChannelMessage(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding channel message: %w", err)
	}

	switch head.Type {
	case ChannelText:
		var msg TextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decoding text message: %w", err)
		}
		return &msg, nil
	case ChannelFileMetadata:
		var msg FileMetadata
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decoding file metadata: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelMessage, head.Type)
	}
}
