// Package memory is an in-process peer transport. Endpoints attached to the
// same Network can complete the offer/answer exchange and then exchange
// ordered messages without touching the network stack.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const queueSize = 1024

type Network struct {
	mu    sync.Mutex
	nodes map[string]*Transport
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Transport)}
}

// Transport returns the endpoint registered under key, creating it first.
func (n *Network) Transport(key string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.nodes[key]; ok {
		return t
	}
	t := &Transport{
		key:     key,
		network: n,
		links:   make(map[string]*link),
	}
	n.nodes[key] = t
	return t
}

func (n *Network) lookup(key string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[key]
}

type description struct {
	Key string `json:"key"`
}

// link is one side of a connection. Messages sent on it are delivered to
// the peer side in order by a dedicated goroutine.
type link struct {
	peerID    string
	remoteKey string
	connected bool

	out       chan transport.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(peerID string) *link {
	return &link{
		peerID: peerID,
		out:    make(chan transport.Message, queueSize),
		done:   make(chan struct{}),
	}
}

func (l *link) close() bool {
	closed := false
	l.closeOnce.Do(func() {
		close(l.done)
		closed = true
	})
	return closed
}

type Transport struct {
	key     string
	network *Network

	mu      sync.Mutex
	handler transport.Handler
	links   map[string]*link
}

var _ transport.Transport = (*Transport)(nil)

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

func (t *Transport) Open(peerID string, initiator bool) error {
	t.mu.Lock()
	if _, ok := t.links[peerID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.links[peerID] = newLink(peerID)
	t.mu.Unlock()

	if initiator {
		return t.emit(peerID, transport.SignalOffer)
	}
	return nil
}

func (t *Transport) HandleSignal(peerID string, sig transport.Signal) error {
	switch sig.Kind {
	case transport.SignalCandidate:
		return nil
	case transport.SignalOffer, transport.SignalAnswer:
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}

	var desc description
	if err := json.Unmarshal(sig.Payload, &desc); err != nil {
		return fmt.Errorf("decoding %s: %w", sig.Kind, err)
	}

	t.mu.Lock()
	l, ok := t.links[peerID]
	if !ok {
		if sig.Kind == transport.SignalAnswer {
			t.mu.Unlock()
			return nil
		}
		l = newLink(peerID)
		t.links[peerID] = l
	}
	l.remoteKey = desc.Key
	t.mu.Unlock()

	if sig.Kind == transport.SignalOffer {
		return t.emit(peerID, transport.SignalAnswer)
	}
	return t.connect(l)
}

// connect pairs l with the remote side's link that points back at us and
// marks both connected.
func (t *Transport) connect(l *link) error {
	remote := t.network.lookup(l.remoteKey)
	if remote == nil {
		return fmt.Errorf("unknown endpoint %q", l.remoteKey)
	}

	remote.mu.Lock()
	var back *link
	for _, candidate := range remote.links {
		if candidate.remoteKey == t.key {
			back = candidate
			break
		}
	}
	if back == nil {
		remote.mu.Unlock()
		return fmt.Errorf("endpoint %q has no pending link to %q", l.remoteKey, t.key)
	}
	back.connected = true
	remote.mu.Unlock()

	t.mu.Lock()
	l.connected = true
	t.mu.Unlock()

	go t.pump(l, remote, back.peerID)
	go remote.pump(back, t, l.peerID)

	if h := t.currentHandler(); h != nil {
		h.OnConnect(l.peerID)
	}
	if h := remote.currentHandler(); h != nil {
		h.OnConnect(back.peerID)
	}
	return nil
}

// pump delivers everything queued on l to dst, which knows us as asPeer.
func (t *Transport) pump(l *link, dst *Transport, asPeer string) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.out:
			if h := dst.currentHandler(); h != nil {
				h.OnMessage(asPeer, msg)
			}
		}
	}
}

func (t *Transport) Send(peerID string, msg transport.Message) bool {
	t.mu.Lock()
	l, ok := t.links[peerID]
	connected := ok && l.connected
	t.mu.Unlock()
	if !connected {
		return false
	}

	data := append([]byte(nil), msg.Data...)
	select {
	case <-l.done:
		return false
	case l.out <- transport.Message{Binary: msg.Binary, Data: data}:
		return true
	}
}

// Close tears down both sides of the link and notifies both handlers.
func (t *Transport) Close(peerID string) error {
	t.mu.Lock()
	l, ok := t.links[peerID]
	delete(t.links, peerID)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	t.teardown(l)
	return nil
}

func (t *Transport) teardown(l *link) {
	if !l.close() {
		return
	}
	t.mu.Lock()
	wasConnected := l.connected
	t.mu.Unlock()
	if wasConnected {
		if h := t.currentHandler(); h != nil {
			h.OnDisconnect(l.peerID)
		}
	}

	remote := t.network.lookup(l.remoteKey)
	if remote == nil {
		return
	}
	remote.mu.Lock()
	var back *link
	for id, candidate := range remote.links {
		if candidate.remoteKey == t.key {
			back = candidate
			delete(remote.links, id)
			break
		}
	}
	remote.mu.Unlock()
	if back != nil {
		remote.teardown(back)
	}
}

func (t *Transport) Shutdown() error {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[string]*link)
	t.mu.Unlock()

	for _, l := range links {
		t.teardown(l)
	}
	return nil
}

func (t *Transport) emit(peerID string, kind transport.SignalKind) error {
	payload, err := json.Marshal(description{Key: t.key})
	if err != nil {
		return err
	}
	if h := t.currentHandler(); h != nil {
		h.OnSignal(peerID, transport.Signal{Kind: kind, Payload: payload})
	}
	return nil
}
