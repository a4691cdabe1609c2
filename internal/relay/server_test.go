package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

func setupRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewHandlerServer(Config{Logger: logger.NewLogger("error")})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialClient(t *testing.T, url string, codec protocol.Codec) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, codec, logger.NewLogger("error"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitRaw(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for relay event")
		return nil
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewHandlerServer(Config{Logger: logger.NewLogger("error")})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	var health protocol.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if health.Status != "ok" || health.Timestamp == 0 {
		t.Errorf("Unexpected health %+v", health)
	}
}

func TestClientsMeetInRoom(t *testing.T) {
	_, url := setupRelay(t)

	a := dialClient(t, url, protocol.JSONCodec{})
	b := dialClient(t, url, protocol.ProtoCodec{})

	if a.ID() == "" || b.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("Expected distinct connection ids, got %q and %q", a.ID(), b.ID())
	}

	joinedA := make(chan json.RawMessage, 1)
	a.On(protocol.EventPeerJoined, func(data json.RawMessage) { joinedA <- data })
	peersA := make(chan json.RawMessage, 1)
	a.On(protocol.EventPeers, func(data json.RawMessage) { peersA <- data })
	peersB := make(chan json.RawMessage, 1)
	b.On(protocol.EventPeers, func(data json.RawMessage) { peersB <- data })
	offersB := make(chan json.RawMessage, 1)
	b.On(protocol.EventOffer, func(data json.RawMessage) { offersB <- data })

	if err := a.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "127401", DeviceName: "Swift Moth"}); err != nil {
		t.Fatalf("Send join failed: %v", err)
	}
	waitRaw(t, peersA)

	if err := b.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "127401", DeviceName: "Bold Tiger"}); err != nil {
		t.Fatalf("Send join failed: %v", err)
	}

	var peers []protocol.PeerInfo
	if err := json.Unmarshal(waitRaw(t, peersB), &peers); err != nil {
		t.Fatalf("Decode peers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != a.ID() || peers[0].DeviceName != "Swift Moth" {
		t.Errorf("Unexpected peers %+v", peers)
	}

	var joined protocol.PeerInfo
	if err := json.Unmarshal(waitRaw(t, joinedA), &joined); err != nil {
		t.Fatalf("Decode peer-joined failed: %v", err)
	}
	if joined.PeerID != b.ID() || joined.DeviceName != "Bold Tiger" {
		t.Errorf("Unexpected peer-joined %+v", joined)
	}

	err := a.Send(protocol.EventOffer, protocol.Offer{
		Offer:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		Target: b.ID(),
		RoomID: "127401",
	})
	if err != nil {
		t.Fatalf("Send offer failed: %v", err)
	}

	var offer protocol.Offer
	if err := json.Unmarshal(waitRaw(t, offersB), &offer); err != nil {
		t.Fatalf("Decode offer failed: %v", err)
	}
	if offer.From != a.ID() || offer.DeviceName != "Swift Moth" {
		t.Errorf("Unexpected offer %+v", offer)
	}
}

func TestServerAnswersInCodecOfLastFrame(t *testing.T) {
	_, url := setupRelay(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	msgType, _, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read greeting failed: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("Expected text greeting, got frame type %d", msgType)
	}

	env, _ := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "555555"})
	frame, err := protocol.ProtoCodec{}.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	msgType, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read reply failed: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("Expected binary reply, got frame type %d", msgType)
	}
	got, err := protocol.ProtoCodec{}.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply failed: %v", err)
	}
	if got.Event != protocol.EventPeers {
		t.Errorf("Expected peers reply, got %q", got.Event)
	}
}

func TestServerSurvivesMalformedFrames(t *testing.T) {
	srv, url := setupRelay(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("Read greeting failed: %v", err)
	}

	for _, frame := range []string{`garbage`, `{"event":"join-room","data":{}}`, `{"event":"join-room"}`, `{"event":"bogus","data":1}`} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"join-room","data":{"roomId":"222222"}}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read reply failed: %v", err)
	}
	env, err := protocol.JSONCodec{}.Decode(reply)
	if err != nil || env.Event != protocol.EventPeers {
		t.Fatalf("Expected peers reply after malformed frames, got %s (%v)", reply, err)
	}
	if stats := srv.Hub().Stats(); stats.Rooms != 1 {
		t.Errorf("Expected 1 room, got %d", stats.Rooms)
	}
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	srv, url := setupRelay(t)

	a := dialClient(t, url, protocol.JSONCodec{})
	left := make(chan json.RawMessage, 1)
	a.On(protocol.EventPeerLeft, func(data json.RawMessage) { left <- data })
	peersA := make(chan json.RawMessage, 2)
	a.On(protocol.EventPeers, func(data json.RawMessage) { peersA <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Dial(ctx, url, protocol.JSONCodec{}, logger.NewLogger("error"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	peersB := make(chan json.RawMessage, 1)
	b.On(protocol.EventPeers, func(data json.RawMessage) { peersB <- data })

	_ = a.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "333333"})
	waitRaw(t, peersA)
	_ = b.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "333333"})
	waitRaw(t, peersB)

	bID := b.ID()
	if err := b.Close(); err != nil {
		t.Logf("Close returned %v", err)
	}

	var msg protocol.PeerLeft
	if err := json.Unmarshal(waitRaw(t, left), &msg); err != nil {
		t.Fatalf("Decode peer-left failed: %v", err)
	}
	if msg.PeerID != bID {
		t.Errorf("Expected peer-left for %s, got %s", bID, msg.PeerID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.Hub().Stats().Connections != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 connection, got %d", srv.Hub().Stats().Connections)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
