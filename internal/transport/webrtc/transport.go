// Package webrtc implements the peer transport over pion data channels.
package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	dataChannelLabel    = "data"
	dataChannelProtocol = "file-transfer"
)

func DefaultConfiguration(stunServers []string) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, 1)
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := dataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}

type Transport struct {
	config webrtc.Configuration
	logger *logrus.Logger

	mu          sync.Mutex
	handler     transport.Handler
	connections map[string]*connection
}

var _ transport.Transport = (*Transport)(nil)

func New(stunServers []string, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transport{
		config:      DefaultConfiguration(stunServers),
		logger:      logger,
		connections: make(map[string]*connection),
	}
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) currentHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// handlerFor returns the handler if conn is still the live connection for
// its peer, nil otherwise.
func (t *Transport) handlerFor(conn *connection) transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connections[conn.peerID] != conn {
		return nil
	}
	return t.handler
}

func (t *Transport) Open(peerID string, initiator bool) error {
	t.mu.Lock()
	if _, exists := t.connections[peerID]; exists {
		t.mu.Unlock()
		return nil
	}
	conn, err := t.newConnection(peerID, initiator)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.connections[peerID] = conn
	t.mu.Unlock()

	if !initiator {
		return nil
	}

	if err := conn.createDataChannel(); err != nil {
		t.drop(peerID, conn)
		return err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		t.drop(peerID, conn)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		t.drop(peerID, conn)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return t.emitDescription(peerID, transport.SignalOffer, offer)
}

func (t *Transport) HandleSignal(peerID string, sig transport.Signal) error {
	t.mu.Lock()
	conn, exists := t.connections[peerID]
	if !exists {
		if sig.Kind != transport.SignalOffer {
			t.mu.Unlock()
			t.logger.Debugf("Dropping %s from %s: no connection", sig.Kind, peerID)
			return nil
		}
		var err error
		conn, err = t.newConnection(peerID, false)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.connections[peerID] = conn
	}
	t.mu.Unlock()

	switch sig.Kind {
	case transport.SignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return fmt.Errorf("decoding offer: %w", err)
		}
		if err := conn.setRemoteDescription(desc); err != nil {
			return err
		}
		answer, err := conn.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := conn.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		return t.emitDescription(peerID, transport.SignalAnswer, answer)

	case transport.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return fmt.Errorf("decoding answer: %w", err)
		}
		return conn.setRemoteDescription(desc)

	case transport.SignalCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			return fmt.Errorf("decoding candidate: %w", err)
		}
		return conn.addCandidate(candidate)

	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

func (t *Transport) Send(peerID string, msg transport.Message) bool {
	t.mu.Lock()
	conn, exists := t.connections[peerID]
	t.mu.Unlock()
	if !exists {
		return false
	}

	if err := conn.send(msg); err != nil {
		t.logger.Debugf("Send to %s failed: %v", peerID, err)
		return false
	}
	return true
}

func (t *Transport) Close(peerID string) error {
	t.mu.Lock()
	conn, exists := t.connections[peerID]
	delete(t.connections, peerID)
	t.mu.Unlock()

	if !exists {
		return nil
	}
	return conn.Close()
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	conns := t.connections
	t.connections = make(map[string]*connection)
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// newConnection must be called with mu held.
func (t *Transport) newConnection(peerID string, initiator bool) (*connection, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newConnection(peerID, pc, initiator, t), nil
}

func (t *Transport) drop(peerID string, conn *connection) {
	t.mu.Lock()
	if t.connections[peerID] == conn {
		delete(t.connections, peerID)
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *Transport) emitDescription(peerID string, kind transport.SignalKind, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}
	t.emitSignal(peerID, transport.Signal{Kind: kind, Payload: payload})
	return nil
}

func (t *Transport) emitSignal(peerID string, sig transport.Signal) {
	if h := t.currentHandler(); h != nil {
		h.OnSignal(peerID, sig)
	}
}
