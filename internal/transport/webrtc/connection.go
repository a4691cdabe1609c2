package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

var errChannelNotReady = errors.New("data channel not ready")

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	owner       *Transport
	isInitiator bool

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	pendingCandidates []webrtc.ICECandidateInit

	connectOnce    sync.Once
	disconnectOnce sync.Once
}

func newConnection(peerID string, pc *webrtc.PeerConnection, isInitiator bool, owner *Transport) *connection {
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		owner:       owner,
		isInitiator: isInitiator,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			owner.logger.Warnf("Failed to encode candidate for %s: %v", peerID, err)
			return
		}
		owner.emitSignal(peerID, transport.Signal{Kind: transport.SignalCandidate, Payload: payload})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		owner.logger.Debugf("Peer %s connection state: %s", peerID, s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			conn.notifyDisconnect()
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func (c *connection) createDataChannel() error {
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, DefaultDataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.connectOnce.Do(func() {
			c.owner.logger.Infof("Data channel open with %s", c.peerID)
			if h := c.owner.handlerFor(c); h != nil {
				h.OnConnect(c.peerID)
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h := c.owner.handlerFor(c); h != nil {
			h.OnMessage(c.peerID, transport.Message{Binary: !msg.IsString, Data: msg.Data})
		}
	})

	dc.OnClose(func() {
		c.notifyDisconnect()
	})
}

// notifyDisconnect reports the loss once, and only while c is still the
// connection registered for its peer. A replaced or closed connection
// stays silent.
func (c *connection) notifyDisconnect() {
	c.disconnectOnce.Do(func() {
		if h := c.owner.handlerFor(c); h != nil {
			h.OnDisconnect(c.peerID)
		}
	})
}

// setRemoteDescription applies desc and flushes candidates that arrived
// before it.
func (c *connection) setRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	for _, candidate := range c.pendingCandidates {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.owner.logger.Warnf("Failed to add queued candidate from %s: %v", c.peerID, err)
		}
	}
	c.pendingCandidates = nil
	return nil
}

func (c *connection) addCandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		return nil
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (c *connection) send(msg transport.Message) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotReady
	}
	if msg.Binary {
		return dc.Send(msg.Data)
	}
	return dc.SendText(string(msg.Data))
}

func (c *connection) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
