package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

type sentEvent struct {
	event   protocol.Event
	payload any
}

type fakeRelay struct {
	mu       sync.Mutex
	handlers map[protocol.Event][]func(json.RawMessage)
	sent     []sentEvent
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{handlers: make(map[protocol.Event][]func(json.RawMessage))}
}

func (r *fakeRelay) Send(event protocol.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (r *fakeRelay) On(event protocol.Event, handler func(json.RawMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], handler)
}

func (r *fakeRelay) fire(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	r.mu.Lock()
	handlers := append([]func(json.RawMessage){}, r.handlers[event]...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (r *fakeRelay) sentOf(event protocol.Event) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, s := range r.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

type openCall struct {
	peerID    string
	initiator bool
}

type fakeTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	opens   []openCall
	signals []transport.Signal
	closes  []string
	sendOK  []bool
	sent    []transport.Message
}

func (f *fakeTransport) SetHandler(h transport.Handler) { f.handler = h }

func (f *fakeTransport) Open(peerID string, initiator bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{peerID, initiator})
	return nil
}

func (f *fakeTransport) HandleSignal(peerID string, sig transport.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeTransport) Send(peerID string, msg transport.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := true
	if len(f.sendOK) > 0 {
		ok = f.sendOK[0]
		f.sendOK = f.sendOK[1:]
	}
	if ok {
		f.sent = append(f.sent, msg)
	}
	return ok
}

func (f *fakeTransport) Close(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, peerID)
	return nil
}

func (f *fakeTransport) Shutdown() error { return nil }

func (f *fakeTransport) openCalls() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.opens...)
}

type recordingObserver struct {
	mu         sync.Mutex
	discovered []Peer
	connected  []Peer
	gone       []Peer
	messages   []transport.Message
}

func (o *recordingObserver) PeerDiscovered(p Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discovered = append(o.discovered, p)
}

func (o *recordingObserver) PeerConnected(p Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, p)
}

func (o *recordingObserver) PeerGone(p Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gone = append(o.gone, p)
}

func (o *recordingObserver) Message(p Peer, msg transport.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.discovered), len(o.connected), len(o.gone)
}

func setupManager(t *testing.T) (*Manager, *fakeRelay, *fakeTransport, *recordingObserver) {
	t.Helper()
	relay := newFakeRelay()
	tr := &fakeTransport{}
	obs := &recordingObserver{}
	m := NewManager(Config{
		Relay:        relay,
		Transport:    tr,
		Observer:     obs,
		Name:         "Swift Moth",
		Logger:       logger.Discard(),
		RetryBackoff: time.Millisecond,
	})
	if err := m.Join("127401"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return m, relay, tr, obs
}

func TestJoinAnnouncesName(t *testing.T) {
	_, relay, _, _ := setupManager(t)

	joins := relay.sentOf(protocol.EventJoinRoom)
	if len(joins) != 1 {
		t.Fatalf("expected one join, got %d", len(joins))
	}
	join := joins[0].(protocol.JoinRoom)
	if join.RoomID != "127401" || join.DeviceName != "Swift Moth" {
		t.Errorf("unexpected join %+v", join)
	}
}

func TestJoinerIsNotInitiator(t *testing.T) {
	m, relay, tr, obs := setupManager(t)

	relay.fire(t, protocol.EventPeers, []protocol.PeerInfo{{PeerID: "b", DeviceName: "Bold Tiger"}})

	opens := tr.openCalls()
	if len(opens) != 1 || opens[0].peerID != "b" || opens[0].initiator {
		t.Fatalf("expected non-initiator open for b, got %+v", opens)
	}
	if m.State("b") != StateHandshaking {
		t.Errorf("expected handshaking, got %s", m.State("b"))
	}
	if d, _, _ := obs.counts(); d != 1 {
		t.Errorf("expected one discovery, got %d", d)
	}
	if obs.discovered[0].Name != "Bold Tiger" {
		t.Errorf("expected cached name, got %q", obs.discovered[0].Name)
	}
}

func TestExistingMemberIsInitiator(t *testing.T) {
	_, relay, tr, _ := setupManager(t)

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})

	opens := tr.openCalls()
	if len(opens) != 1 || !opens[0].initiator {
		t.Fatalf("expected initiator open, got %+v", opens)
	}
}

func TestDuplicatePeerJoinedAfterConnect(t *testing.T) {
	m, relay, tr, obs := setupManager(t)

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})
	m.OnConnect("b")
	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})
	relay.fire(t, protocol.EventPeers, []protocol.PeerInfo{{PeerID: "b"}})
	m.OnConnect("b")

	d, c, _ := obs.counts()
	if d != 1 {
		t.Errorf("expected exactly one discovery, got %d", d)
	}
	if c != 1 {
		t.Errorf("expected exactly one connect, got %d", c)
	}
	if n := len(tr.openCalls()); n != 1 {
		t.Errorf("expected one handshake, got %d", n)
	}
	if m.State("b") != StateConnected {
		t.Errorf("expected connected, got %s", m.State("b"))
	}
}

func TestOfferBeforePeersList(t *testing.T) {
	m, relay, tr, obs := setupManager(t)

	relay.fire(t, protocol.EventOffer, protocol.Offer{
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		From:       "a",
		DeviceName: "Bold Tiger",
	})
	relay.fire(t, protocol.EventPeers, []protocol.PeerInfo{{PeerID: "a", DeviceName: "Bold Tiger"}})

	if d, _, _ := obs.counts(); d != 1 {
		t.Errorf("expected one discovery, got %d", d)
	}
	opens := tr.openCalls()
	if len(opens) != 1 || opens[0].initiator {
		t.Errorf("expected one non-initiator open, got %+v", opens)
	}
	if len(tr.signals) != 1 || tr.signals[0].Kind != transport.SignalOffer {
		t.Errorf("expected offer forwarded to transport, got %+v", tr.signals)
	}
	if m.State("a") != StateHandshaking {
		t.Errorf("expected handshaking, got %s", m.State("a"))
	}
}

func TestConnectFiresMissedDiscovery(t *testing.T) {
	m, _, _, obs := setupManager(t)

	m.mu.Lock()
	m.peers["x"] = &peerSession{id: "x", name: "Quiet Owl", state: StateHandshaking}
	m.mu.Unlock()

	m.OnConnect("x")

	d, c, _ := obs.counts()
	if d != 1 || c != 1 {
		t.Fatalf("expected fallback discovery then connect, got %d/%d", d, c)
	}
	if obs.discovered[0].Name != "Quiet Owl" {
		t.Errorf("expected cached name on fallback, got %q", obs.discovered[0].Name)
	}
}

func TestPeerLeftClosesAndAllowsRediscovery(t *testing.T) {
	m, relay, tr, obs := setupManager(t)

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})
	m.OnConnect("b")
	relay.fire(t, protocol.EventPeerLeft, protocol.PeerLeft{PeerID: "b"})
	m.OnDisconnect("b")

	if m.State("b") != StateClosed {
		t.Fatalf("expected closed, got %s", m.State("b"))
	}
	if _, _, g := obs.counts(); g != 1 {
		t.Errorf("expected one gone, got %d", g)
	}
	if len(tr.closes) != 1 {
		t.Errorf("expected transport closed once, got %v", tr.closes)
	}
	if m.SendData("b", transport.BinaryMessage([]byte{1})) {
		t.Error("SendData must fail for a closed peer")
	}

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})
	if d, _, _ := obs.counts(); d != 2 {
		t.Errorf("expected rediscovery after close, got %d discoveries", d)
	}
}

func TestSendData(t *testing.T) {
	m, relay, tr, _ := setupManager(t)

	if m.SendData("b", transport.BinaryMessage([]byte{1})) {
		t.Error("SendData must fail for an unknown peer")
	}

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b"})
	if m.SendData("b", transport.BinaryMessage([]byte{1})) {
		t.Error("SendData must fail while handshaking")
	}

	m.OnConnect("b")
	if !m.SendData("b", transport.BinaryMessage([]byte{1})) {
		t.Error("SendData should succeed once connected")
	}

	tr.sendOK = []bool{false}
	if m.SendData("b", transport.BinaryMessage([]byte{2})) {
		t.Error("SendData must report transport failure")
	}
}

func TestSendWithRetry(t *testing.T) {
	m, relay, tr, _ := setupManager(t)
	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b"})
	m.OnConnect("b")

	tr.sendOK = []bool{false, false, true}
	if err := m.SendWithRetry(context.Background(), "b", transport.BinaryMessage([]byte{1})); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}

	tr.sendOK = []bool{false, false, false}
	err := m.SendWithRetry(context.Background(), "b", transport.BinaryMessage([]byte{1}))
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("expected ErrPeerUnavailable, got %v", err)
	}
}

func TestTransfersRetryThroughManager(t *testing.T) {
	m, relay, tr, _ := setupManager(t)
	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b"})
	m.OnConnect("b")
	engine := transfer.NewEngine(transfer.Config{Link: m, Name: "Swift Moth", Logger: logger.Discard()})

	tr.mu.Lock()
	tr.sendOK = []bool{false, true}
	tr.mu.Unlock()
	if err := engine.SendText(context.Background(), "b", "hello"); err != nil {
		t.Fatalf("expected a transient failure to be retried, got %v", err)
	}
	tr.mu.Lock()
	delivered := len(tr.sent)
	tr.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected the text delivered once, got %d sends", delivered)
	}

	// metadata goes through, the first chunk never does
	tr.mu.Lock()
	tr.sendOK = []bool{true, false, false, false}
	tr.mu.Unlock()
	err := engine.SendFile(context.Background(), "b", transfer.File{Name: "a.bin", Data: make([]byte, 100)})
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable once retries ran out, got %v", err)
	}
	var chunkErr *transfer.ChunkSendError
	if !errors.As(err, &chunkErr) || chunkErr.Index != 0 {
		t.Errorf("expected the first chunk reported, got %v", err)
	}
}

func TestOnSignalRoutesThroughRelay(t *testing.T) {
	m, relay, _, _ := setupManager(t)

	m.OnSignal("b", transport.Signal{Kind: transport.SignalOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	m.OnSignal("b", transport.Signal{Kind: transport.SignalCandidate, Payload: json.RawMessage(`{"candidate":"c"}`)})

	offers := relay.sentOf(protocol.EventOffer)
	if len(offers) != 1 {
		t.Fatalf("expected one offer, got %d", len(offers))
	}
	offer := offers[0].(protocol.Offer)
	if offer.Target != "b" || offer.RoomID != "127401" || offer.DeviceName != "Swift Moth" {
		t.Errorf("unexpected offer %+v", offer)
	}
	if n := len(relay.sentOf(protocol.EventICECandidate)); n != 1 {
		t.Errorf("expected one candidate, got %d", n)
	}
}

func TestJoinOtherRoomLeavesFirst(t *testing.T) {
	m, relay, _, obs := setupManager(t)
	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b"})
	m.OnConnect("b")

	if err := m.Join("645539"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	leaves := relay.sentOf(protocol.EventLeaveRoom)
	if len(leaves) != 1 || leaves[0].(protocol.LeaveRoom).RoomID != "127401" {
		t.Errorf("expected leave of previous room, got %+v", leaves)
	}
	if _, _, g := obs.counts(); g != 1 {
		t.Errorf("expected peers of previous room gone, got %d", g)
	}
	if m.Room() != "645539" {
		t.Errorf("expected current room 645539, got %q", m.Room())
	}
}

func TestMessageBeforeOpenConfirmsConnection(t *testing.T) {
	m, relay, _, obs := setupManager(t)
	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b", DeviceName: "Bold Tiger"})

	meta := transport.Message{Data: []byte(`{"type":"file-metadata","fileName":"a"}`)}
	m.OnMessage("b", meta)
	m.OnConnect("b")
	m.OnMessage("b", transport.BinaryMessage([]byte{2}))

	if len(obs.messages) != 2 || string(obs.messages[0].Data) != string(meta.Data) {
		t.Fatalf("expected metadata then chunk delivered, got %+v", obs.messages)
	}
	if d, c, _ := obs.counts(); d != 1 || c != 1 {
		t.Errorf("expected one discovery and one connect, got %d and %d", d, c)
	}
	if m.State("b") != StateConnected {
		t.Errorf("expected CONNECTED, got %s", m.State("b"))
	}
}

func TestMessagesWithoutSessionDropped(t *testing.T) {
	m, relay, _, obs := setupManager(t)

	m.OnMessage("ghost", transport.BinaryMessage([]byte{1}))

	relay.fire(t, protocol.EventPeerJoined, protocol.PeerInfo{PeerID: "b"})
	m.OnConnect("b")
	relay.fire(t, protocol.EventPeerLeft, protocol.PeerLeft{PeerID: "b"})
	m.OnMessage("b", transport.BinaryMessage([]byte{2}))

	if len(obs.messages) != 0 {
		t.Errorf("expected no messages delivered, got %+v", obs.messages)
	}
	if m.State("ghost") != StateUnknown {
		t.Errorf("unknown peer gained a session: %s", m.State("ghost"))
	}
}

func TestPeersListsConnected(t *testing.T) {
	m, relay, _, _ := setupManager(t)
	relay.fire(t, protocol.EventPeers, []protocol.PeerInfo{{PeerID: "c"}, {PeerID: "b", DeviceName: "Bold Tiger"}})
	m.OnConnect("b")

	peers := m.Peers()
	if len(peers) != 1 || peers[0].ID != "b" || peers[0].Name != "Bold Tiger" {
		t.Errorf("unexpected peers %+v", peers)
	}
}
