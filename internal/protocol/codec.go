package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// Codec turns envelopes into websocket frames. Binary codecs are carried
// in binary frames, the rest in text frames.
type Codec interface {
	Name() string
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

var ErrUnknownCodec = errors.New("unknown codec")

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec is the browser-compatible text encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding json envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("decoding json envelope: missing event")
	}
	return env, nil
}

// ProtoCodec encodes the envelope as a google.protobuf.Struct with an
// "event" string field and a "data" value field.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProto }

func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Encode(env Envelope) ([]byte, error) {
	data := structpb.NewNullValue()
	if len(env.Data) > 0 {
		data = &structpb.Value{}
		if err := protojson.Unmarshal(env.Data, data); err != nil {
			return nil, fmt.Errorf("converting %s payload: %w", env.Event, err)
		}
	}

	msg := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"event": structpb.NewStringValue(string(env.Event)),
			"data":  data,
		},
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Decode(frame []byte) (Envelope, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(frame, &msg); err != nil {
		return Envelope{}, fmt.Errorf("decoding proto envelope: %w", err)
	}

	event := msg.GetFields()["event"].GetStringValue()
	if event == "" {
		return Envelope{}, errors.New("decoding proto envelope: missing event")
	}

	env := Envelope{Event: Event(event)}
	if data, ok := msg.GetFields()["data"]; ok {
		if _, isNull := data.GetKind().(*structpb.Value_NullValue); !isNull {
			raw, err := protojson.Marshal(data)
			if err != nil {
				return Envelope{}, fmt.Errorf("converting %s payload: %w", event, err)
			}
			env.Data = raw
		}
	}
	return env, nil
}
