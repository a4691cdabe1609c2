// Package session turns relay and transport events into one ordered stream
// of peer notifications per remote endpoint and drives the handshake.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 500 * time.Millisecond
)

var ErrPeerUnavailable = errors.New("peer unavailable")

// Relay is the coordination service connection.
type Relay interface {
	Send(event protocol.Event, payload any) error
	On(event protocol.Event, handler func(json.RawMessage))
}

// Observer receives peer lifecycle events. For a given peer,
// PeerDiscovered always precedes PeerConnected, and PeerGone ends the
// lifecycle.
type Observer interface {
	PeerDiscovered(peer Peer)
	PeerConnected(peer Peer)
	PeerGone(peer Peer)
	Message(peer Peer, msg transport.Message)
}

type Config struct {
	Relay     Relay
	Transport transport.Transport
	Observer  Observer
	Name      string
	Clock     clock.Clock
	Logger    *logrus.Logger

	RetryAttempts int
	RetryBackoff  time.Duration
}

type Manager struct {
	relay     Relay
	transport transport.Transport
	observer  Observer
	clock     clock.Clock
	logger    *logrus.Logger

	retryAttempts int
	retryBackoff  time.Duration

	mu    sync.Mutex
	name  string
	room  string
	peers map[string]*peerSession
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		relay:         cfg.Relay,
		transport:     cfg.Transport,
		observer:      cfg.Observer,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		name:          cfg.Name,
		peers:         make(map[string]*peerSession),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	if m.retryAttempts <= 0 {
		m.retryAttempts = DefaultRetryAttempts
	}
	if m.retryBackoff <= 0 {
		m.retryBackoff = DefaultRetryBackoff
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}

	m.transport.SetHandler(m)
	m.relay.On(protocol.EventPeers, m.handlePeers)
	m.relay.On(protocol.EventPeerJoined, m.handlePeerJoined)
	m.relay.On(protocol.EventPeerLeft, m.handlePeerLeft)
	m.relay.On(protocol.EventOffer, m.handleOffer)
	m.relay.On(protocol.EventAnswer, m.handleAnswer)
	m.relay.On(protocol.EventICECandidate, m.handleCandidate)
	return m
}

func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// SetName changes the display name announced on future joins and offers.
func (m *Manager) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Join enters roomID, leaving any previous room first.
func (m *Manager) Join(roomID string) error {
	m.mu.Lock()
	current := m.room
	m.mu.Unlock()

	if current == roomID {
		return nil
	}
	if current != "" {
		if err := m.Leave(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.room = roomID
	name := m.name
	m.mu.Unlock()

	m.logger.Infof("Joining room %s as %q", roomID, name)
	if err := m.relay.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, DeviceName: name}); err != nil {
		m.mu.Lock()
		m.room = ""
		m.mu.Unlock()
		return fmt.Errorf("joining room %s: %w", roomID, err)
	}
	return nil
}

// Leave departs the current room and closes every peer session.
func (m *Manager) Leave() error {
	m.mu.Lock()
	room := m.room
	m.room = ""
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.state.live() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closePeer(id)
	}
	if room == "" {
		return nil
	}
	if err := m.relay.Send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: room}); err != nil {
		return fmt.Errorf("leaving room %s: %w", room, err)
	}
	return nil
}

func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok {
		return p.state
	}
	return StateUnknown
}

// Peers returns the connected peers ordered by id.
func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.state == StateConnected {
			out = append(out, Peer{ID: p.id, Name: p.name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendData reports whether msg was handed to a connected peer's transport.
func (m *Manager) SendData(peerID string, msg transport.Message) bool {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	connected := ok && p.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return false
	}
	return m.transport.Send(peerID, msg)
}

// SendWithRetry retries SendData with linear backoff.
func (m *Manager) SendWithRetry(ctx context.Context, peerID string, msg transport.Message) error {
	for i := 0; i < m.retryAttempts; i++ {
		if m.SendData(peerID, msg) {
			return nil
		}
		if i == m.retryAttempts-1 {
			break
		}
		m.logger.Debugf("Send to %s failed, retrying (%d/%d)", peerID, i+1, m.retryAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(time.Duration(i+1) * m.retryBackoff):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrPeerUnavailable, peerID, m.retryAttempts)
}

// Close leaves the room and shuts the transport down.
func (m *Manager) Close() error {
	err := m.Leave()
	if shutdownErr := m.transport.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// discover moves peerID to DISCOVERED and starts the handshake. It is a
// no-op for a peer that is already live.
func (m *Manager) discover(peerID, name string, initiator bool) {
	m.mu.Lock()
	if m.room == "" {
		m.mu.Unlock()
		m.logger.Debugf("Ignoring peer %s outside a room", peerID)
		return
	}
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerSession{id: peerID}
		m.peers[peerID] = p
	}
	if p.state.live() {
		if p.name == "" && name != "" {
			p.name = name
		}
		m.mu.Unlock()
		return
	}

	p.name = name
	p.initiator = initiator
	p.state = StateDiscovered
	notify := !p.notified
	p.notified = true
	peer := Peer{ID: p.id, Name: p.name}
	m.mu.Unlock()

	if notify {
		m.logger.Infof("Discovered peer %s (%s)", peer.ID, peer.Name)
		m.observer.PeerDiscovered(peer)
	}

	m.mu.Lock()
	if p.state == StateDiscovered {
		p.state = StateHandshaking
	}
	m.mu.Unlock()

	if err := m.transport.Open(peerID, initiator); err != nil {
		m.logger.Warnf("Failed to open transport to %s: %v", peerID, err)
		m.closePeer(peerID)
	}
}

func (m *Manager) closePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok || p.state == StateClosed {
		m.mu.Unlock()
		return
	}
	wasLive := p.state.live()
	peer := Peer{ID: p.id, Name: p.name}
	p.state = StateClosed
	p.notified = false
	p.name = ""
	m.mu.Unlock()

	if err := m.transport.Close(peerID); err != nil {
		m.logger.Debugf("Closing transport to %s: %v", peerID, err)
	}
	if wasLive {
		m.logger.Infof("Peer %s (%s) gone", peer.ID, peer.Name)
		m.observer.PeerGone(peer)
	}
}

func (m *Manager) handlePeers(data json.RawMessage) {
	var peers []protocol.PeerInfo
	if err := json.Unmarshal(data, &peers); err != nil {
		m.logger.Warnf("Malformed peers list: %v", err)
		return
	}
	for _, p := range peers {
		if p.PeerID == "" {
			continue
		}
		m.discover(p.PeerID, p.DeviceName, false)
	}
}

func (m *Manager) handlePeerJoined(data json.RawMessage) {
	var p protocol.PeerInfo
	if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
		m.logger.Warnf("Malformed peer-joined: %s", data)
		return
	}
	m.discover(p.PeerID, p.DeviceName, true)
}

func (m *Manager) handlePeerLeft(data json.RawMessage) {
	var p protocol.PeerLeft
	if err := json.Unmarshal(data, &p); err != nil || p.PeerID == "" {
		m.logger.Warnf("Malformed peer-left: %s", data)
		return
	}
	m.closePeer(p.PeerID)
}

func (m *Manager) handleOffer(data json.RawMessage) {
	var offer protocol.Offer
	if err := json.Unmarshal(data, &offer); err != nil || offer.From == "" {
		m.logger.Warnf("Malformed offer: %v", err)
		return
	}
	// the offer may be the first we hear of this peer
	m.discover(offer.From, offer.DeviceName, false)
	m.forwardSignal(offer.From, transport.Signal{Kind: transport.SignalOffer, Payload: offer.Offer})
}

func (m *Manager) handleAnswer(data json.RawMessage) {
	var answer protocol.Answer
	if err := json.Unmarshal(data, &answer); err != nil || answer.From == "" {
		m.logger.Warnf("Malformed answer: %v", err)
		return
	}
	m.forwardSignal(answer.From, transport.Signal{Kind: transport.SignalAnswer, Payload: answer.Answer})
}

func (m *Manager) handleCandidate(data json.RawMessage) {
	var candidate protocol.ICECandidate
	if err := json.Unmarshal(data, &candidate); err != nil || candidate.From == "" {
		m.logger.Warnf("Malformed ice-candidate: %v", err)
		return
	}
	m.forwardSignal(candidate.From, transport.Signal{Kind: transport.SignalCandidate, Payload: candidate.Candidate})
}

func (m *Manager) forwardSignal(peerID string, sig transport.Signal) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	live := ok && p.state.live()
	m.mu.Unlock()
	if !live {
		m.logger.Debugf("Dropping %s from %s: no live session", sig.Kind, peerID)
		return
	}
	if err := m.transport.HandleSignal(peerID, sig); err != nil {
		m.logger.Warnf("Handshake with %s failed: %v", peerID, err)
	}
}

// OnSignal sends a locally produced handshake blob to the peer via the
// relay.
func (m *Manager) OnSignal(peerID string, sig transport.Signal) {
	m.mu.Lock()
	room, name := m.room, m.name
	m.mu.Unlock()

	var err error
	switch sig.Kind {
	case transport.SignalOffer:
		err = m.relay.Send(protocol.EventOffer, protocol.Offer{
			Offer:      sig.Payload,
			Target:     peerID,
			RoomID:     room,
			DeviceName: name,
		})
	case transport.SignalAnswer:
		err = m.relay.Send(protocol.EventAnswer, protocol.Answer{Answer: sig.Payload, Target: peerID})
	case transport.SignalCandidate:
		err = m.relay.Send(protocol.EventICECandidate, protocol.ICECandidate{Candidate: sig.Payload, Target: peerID})
	default:
		err = fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	if err != nil {
		m.logger.Warnf("Failed to relay %s to %s: %v", sig.Kind, peerID, err)
	}
}

func (m *Manager) OnConnect(peerID string) {
	m.markConnected(peerID)
}

// markConnected moves a live session to CONNECTED, notifying the observer
// on the transition. It reports whether the session is connected.
func (m *Manager) markConnected(peerID string) (Peer, bool) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok || !p.state.live() {
		m.mu.Unlock()
		m.logger.Debugf("Ignoring %s without a session", peerID)
		return Peer{ID: peerID}, false
	}
	peer := Peer{ID: p.id, Name: p.name}
	if p.state == StateConnected {
		m.mu.Unlock()
		return peer, true
	}
	p.state = StateConnected
	// fallback for when the relay-level discovery was missed
	notify := !p.notified
	p.notified = true
	m.mu.Unlock()

	if notify {
		m.observer.PeerDiscovered(peer)
	}
	m.logger.Infof("Connected to %s (%s)", peer.ID, peer.Name)
	m.observer.PeerConnected(peer)
	return peer, true
}

func (m *Manager) OnDisconnect(peerID string) {
	m.closePeer(peerID)
}

// OnMessage delivers msg from peerID. A message can beat the channel's open
// notification, so it counts as proof the connection is up.
func (m *Manager) OnMessage(peerID string, msg transport.Message) {
	peer, ok := m.markConnected(peerID)
	if !ok {
		m.logger.Debugf("Dropping message from %s: no live session", peerID)
		return
	}
	m.observer.Message(peer, msg)
}

type nopObserver struct{}

func (nopObserver) PeerDiscovered(Peer) {}
func (nopObserver) PeerConnected(Peer) {}
func (nopObserver) PeerGone(Peer) {}
func (nopObserver) Message(Peer, transport.Message) {}
