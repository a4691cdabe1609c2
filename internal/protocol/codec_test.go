package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCodecsCarryHandshakePayloadVerbatim(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1\r\n"}`)
	env, err := NewEnvelope(EventOffer, Offer{
		Offer:      sdp,
		Target:     "conn-b",
		RoomID:     "127401",
		DeviceName: "Swift Moth",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		frame, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", codec.Name(), err)
		}

		decoded, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", codec.Name(), err)
		}
		if decoded.Event != EventOffer {
			t.Errorf("%s: expected event offer, got %q", codec.Name(), decoded.Event)
		}

		var offer Offer
		if err := decoded.Decode(&offer); err != nil {
			t.Fatalf("%s: payload decode failed: %v", codec.Name(), err)
		}
		if offer.Target != "conn-b" || offer.DeviceName != "Swift Moth" || offer.RoomID != "127401" {
			t.Errorf("%s: unexpected offer fields %+v", codec.Name(), offer)
		}

		var got, want map[string]string
		if err := json.Unmarshal(offer.Offer, &got); err != nil {
			t.Fatalf("%s: sdp decode failed: %v", codec.Name(), err)
		}
		_ = json.Unmarshal(sdp, &want)
		if got["sdp"] != want["sdp"] || got["type"] != want["type"] {
			t.Errorf("%s: sdp altered: got %v", codec.Name(), got)
		}
	}
}

func TestProtoCodecPeersList(t *testing.T) {
	env, err := NewEnvelope(EventPeers, []PeerInfo{
		{PeerID: "a", DeviceName: "Bold Tiger"},
		{PeerID: "b"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	codec := ProtoCodec{}
	frame, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var peers []PeerInfo
	if err := decoded.Decode(&peers); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if len(peers) != 2 || peers[0].DeviceName != "Bold Tiger" || peers[1].PeerID != "b" {
		t.Errorf("unexpected peers %+v", peers)
	}
}

func TestProtoCodecEmptyPayload(t *testing.T) {
	codec := ProtoCodec{}
	frame, err := codec.Encode(Envelope{Event: EventLeaveRoom})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Data) != 0 {
		t.Errorf("expected empty data, got %s", decoded.Data)
	}
	if err := decoded.Decode(&LeaveRoom{}); err == nil {
		t.Error("expected error decoding empty payload")
	}
}

func TestJSONCodecRejectsMissingEvent(t *testing.T) {
	if _, err := (JSONCodec{}).Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected error for missing event")
	}
	if _, err := (JSONCodec{}).Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestCodecByName(t *testing.T) {
	if c, err := CodecByName(""); err != nil || c.Name() != CodecJSON {
		t.Errorf("expected default json codec, got %v, %v", c, err)
	}
	if c, err := CodecByName("proto"); err != nil || !c.Binary() {
		t.Errorf("expected binary proto codec, got %v, %v", c, err)
	}
	if _, err := CodecByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestDecodeChannelMessage(t *testing.T) {
	msg, err := DecodeChannelMessage([]byte(`{"type":"file-metadata","fileName":"a.bin","fileSize":20000,"fileType":"application/octet-stream","totalChunks":2,"from":"Bold Tiger","timestamp":1}`))
	if err != nil {
		t.Fatalf("DecodeChannelMessage failed: %v", err)
	}
	meta, ok := msg.(*FileMetadata)
	if !ok {
		t.Fatalf("expected *FileMetadata, got %T", msg)
	}
	if meta.FileName != "a.bin" || meta.TotalChunks != 2 || meta.FileSize != 20000 {
		t.Errorf("unexpected metadata %+v", meta)
	}

	msg, err = DecodeChannelMessage([]byte(`{"type":"text","text":"hi","from":"Swift Moth","timestamp":2}`))
	if err != nil {
		t.Fatalf("DecodeChannelMessage failed: %v", err)
	}
	if text, ok := msg.(*TextMessage); !ok || text.Text != "hi" {
		t.Errorf("expected text message, got %#v", msg)
	}

	if _, err := DecodeChannelMessage([]byte(`{"type":"mystery"}`)); !errors.Is(err, ErrUnknownChannelMessage) {
		t.Errorf("expected ErrUnknownChannelMessage, got %v", err)
	}
}
