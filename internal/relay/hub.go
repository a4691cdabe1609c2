package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrMalformed         = errors.New("malformed message")
)

// Sink receives envelopes addressed to one connection. Deliver must not
// block; it reports false when the envelope was dropped. Close must not
// block either, and must not call back into the hub.
type Sink interface {
	Deliver(env protocol.Envelope) bool
	Close()
}

type endpoint struct {
	id    string
	name  string
	sink  Sink
	rooms map[string]struct{}
	subs  map[string]struct{}
	// closing is set once a delivery was dropped; the endpoint gets nothing
	// more and waits for its Disconnect.
	closing bool
}

// HubStats is a snapshot of the routing tables.
type HubStats struct {
	Connections   int `json:"connections"`
	Rooms         int `json:"rooms"`
	Subscriptions int `json:"subscriptions"`
}

// Hub owns the rooms, endpoint records and subscription index. All
// mutation goes through its methods under a single lock; deliveries happen
// while the lock is held so every connection sees events in mutation order.
type Hub struct {
	mu            sync.Mutex
	logger        *slog.Logger
	endpoints     map[string]*endpoint
	rooms         map[string]map[string]struct{}
	subscriptions map[string]map[string]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:        logger,
		endpoints:     make(map[string]*endpoint),
		rooms:         make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(connID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[connID]; ok {
		return
	}
	h.endpoints[connID] = &endpoint{
		id:    connID,
		sink:  sink,
		rooms: make(map[string]struct{}),
		subs:  make(map[string]struct{}),
	}
}

// Join adds connID to roomID. The joiner gets the other members, existing
// members get peer-joined, and subscribers of name get a rendezvous-request.
func (h *Hub) Join(connID, roomID, name string) error {
	if roomID == "" {
		return fmt.Errorf("%w: join without roomId", ErrMalformed)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if name != "" {
		ep.name = name
	}

	members, exists := h.rooms[roomID]
	if !exists {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	_, rejoin := members[connID]

	peers := make([]protocol.PeerInfo, 0, len(members))
	for _, id := range sortedKeys(members) {
		if id == connID {
			continue
		}
		peers = append(peers, protocol.PeerInfo{PeerID: id, DeviceName: h.endpoints[id].name})
	}

	members[connID] = struct{}{}
	ep.rooms[roomID] = struct{}{}

	h.deliver(ep, protocol.EventPeers, peers)
	if rejoin {
		return nil
	}

	h.logger.Info("Endpoint joined room", "conn", connID, "room", roomID, "name", ep.name, "members", len(members))

	joined := protocol.PeerInfo{PeerID: connID, DeviceName: ep.name}
	for _, p := range peers {
		h.deliver(h.endpoints[p.PeerID], protocol.EventPeerJoined, joined)
	}

	if ep.name == "" {
		return nil
	}
	req := protocol.RendezvousRequest{RoomID: roomID, DeviceName: ep.name, RequestingSocketID: connID}
	for _, id := range sortedKeys(h.subscriptions[ep.name]) {
		if id == connID {
			continue
		}
		h.deliver(h.endpoints[id], protocol.EventRendezvousRequest, req)
	}
	return nil
}

func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leave(connID, roomID)
}

// leave must be called with mu held.
func (h *Hub) leave(connID, roomID string) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := members[connID]; !ok {
		return
	}

	delete(members, connID)
	if ep, ok := h.endpoints[connID]; ok {
		delete(ep.rooms, roomID)
	}

	if len(members) == 0 {
		delete(h.rooms, roomID)
		h.logger.Debug("Room removed", "room", roomID)
		return
	}

	left := protocol.PeerLeft{PeerID: connID}
	for _, id := range sortedKeys(members) {
		h.deliver(h.endpoints[id], protocol.EventPeerLeft, left)
	}
}

// RelayHandshake forwards an offer, answer or ice-candidate to its target.
// The payload is passed through untouched apart from replacing target with
// from and, for offers, stamping the sender's display name.
func (h *Hub) RelayHandshake(connID string, env protocol.Envelope) error {
	if !env.Event.IsHandshake() {
		return fmt.Errorf("%w: %s is not a handshake event", ErrMalformed, env.Event)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var target string
	if raw, ok := fields["target"]; ok {
		_ = json.Unmarshal(raw, &target)
	}
	if target == "" {
		return fmt.Errorf("%w: %s without target", ErrMalformed, env.Event)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sender, ok := h.endpoints[connID]
	if !ok {
		return ErrUnknownConnection
	}
	dst, ok := h.endpoints[target]
	if !ok {
		h.logger.Debug("Handshake target gone", "event", env.Event.String(), "from", connID, "target", target)
		return nil
	}

	delete(fields, "target")
	delete(fields, "roomId")
	fields["from"], _ = json.Marshal(connID)
	if env.Event == protocol.EventOffer {
		if _, ok := fields["deviceName"]; !ok && sender.name != "" {
			fields["deviceName"], _ = json.Marshal(sender.name)
		}
	} else {
		delete(fields, "deviceName")
	}

	h.deliver(dst, env.Event, fields)
	return nil
}

func (h *Hub) Subscribe(connID string, names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[connID]
	if !ok {
		return
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		set, ok := h.subscriptions[name]
		if !ok {
			set = make(map[string]struct{})
			h.subscriptions[name] = set
		}
		set[connID] = struct{}{}
		ep.subs[name] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(connID string, names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range names {
		h.unsubscribe(connID, name)
	}
}

func (h *Hub) unsubscribe(connID, name string) {
	if set, ok := h.subscriptions[name]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subscriptions, name)
		}
	}
	if ep, ok := h.endpoints[connID]; ok {
		delete(ep.subs, name)
	}
}

// Disconnect removes every trace of connID. Safe to call more than once and
// for connections that never joined anything.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[connID]
	if !ok {
		return
	}
	for _, roomID := range sortedKeys(ep.rooms) {
		h.leave(connID, roomID)
	}
	for _, name := range sortedKeys(ep.subs) {
		h.unsubscribe(connID, name)
	}
	delete(h.endpoints, connID)
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HubStats{
		Connections:   len(h.endpoints),
		Rooms:         len(h.rooms),
		Subscriptions: len(h.subscriptions),
	}
}

// deliver must be called with mu held. A connection that cannot keep up is
// closed rather than left with a gap in its event stream.
func (h *Hub) deliver(ep *endpoint, event protocol.Event, payload any) {
	if ep == nil || ep.closing {
		return
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event.String(), "error", err)
		return
	}
	if !ep.sink.Deliver(env) {
		h.logger.Warn("Closing slow connection", "event", event.String(), "conn", ep.id)
		ep.closing = true
		ep.sink.Close()
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
