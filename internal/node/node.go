// Package node runs one peerdrop endpoint: it ties the pairing store, the
// relay connection, the peer sessions and the transfer engine together and
// re-pairs automatically with remembered devices.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rudransh-shrivastava/peer-drop/internal/pairing"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var ErrNoPeer = errors.New("no connected peer")

// Events are the notifications a node hands to its owner. Any may be nil.
type Events struct {
	PeerConnected func(session.Peer)
	PeerGone      func(session.Peer)
	Progress      func(transfer.Progress)
	File          func(transfer.ReceivedFile)
	Text          func(transfer.ReceivedText)
	Error         func(peerID string, err error)
}

type Options struct {
	Relay     session.Relay
	Transport transport.Transport
	Store     *pairing.Store
	// Name overrides the stored display name without persisting it.
	Name   string
	Clock  clock.Clock
	Logger *logrus.Logger

	SettleDelay    time.Duration
	SalvageTimeout time.Duration
	Events         Events

	closers []io.Closer
}

type Node struct {
	relay   session.Relay
	store   *pairing.Store
	manager *session.Manager
	engine  *transfer.Engine
	logger  *logrus.Logger
	events  Events
	closers []io.Closer

	mu         sync.Mutex
	subscribed map[string]struct{}
	// changed is closed and replaced whenever the connected peer set changes.
	changed chan struct{}
	closed  bool
}

func New(opts Options) (*Node, error) {
	if opts.Relay == nil || opts.Transport == nil || opts.Store == nil {
		return nil, errors.New("node needs a relay, a transport and a store")
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	name := opts.Name
	if name == "" {
		stored, err := opts.Store.DisplayName()
		if err != nil {
			return nil, fmt.Errorf("loading display name: %w", err)
		}
		name = stored
	}

	n := &Node{
		relay:      opts.Relay,
		store:      opts.Store,
		logger:     log,
		events:     opts.Events,
		closers:    opts.closers,
		subscribed: make(map[string]struct{}),
		changed:    make(chan struct{}),
	}

	n.manager = session.NewManager(session.Config{
		Relay:     opts.Relay,
		Transport: opts.Transport,
		Observer:  n,
		Name:      name,
		Clock:     opts.Clock,
		Logger:    log,
	})
	n.engine = transfer.NewEngine(transfer.Config{
		Link:           n.manager,
		Name:           name,
		Clock:          opts.Clock,
		Logger:         log,
		SettleDelay:    opts.SettleDelay,
		SalvageTimeout: opts.SalvageTimeout,
		Callbacks: transfer.Callbacks{
			OnProgress: opts.Events.Progress,
			OnFile:     opts.Events.File,
			OnText:     opts.Events.Text,
			OnError:    opts.Events.Error,
		},
	})

	opts.Relay.On(protocol.EventRendezvousRequest, n.handleRendezvousRequest)
	return n, nil
}

// Start subscribes to every remembered device so the relay wakes this node
// when one of them comes looking for it.
func (n *Node) Start() error {
	names, err := n.store.Names()
	if err != nil {
		return fmt.Errorf("loading pairings: %w", err)
	}
	n.logger.Infof("Node %q starting with %d remembered devices", n.Name(), len(names))
	return n.subscribe(names...)
}

func (n *Node) Name() string {
	return n.manager.Name()
}

// Rename changes and persists the display name.
func (n *Node) Rename(name string) error {
	if err := n.store.SetDisplayName(name); err != nil {
		return err
	}
	stored, err := n.store.DisplayName()
	if err != nil {
		return err
	}
	n.manager.SetName(stored)
	n.engine.SetName(stored)
	return nil
}

func (n *Node) Room() string {
	return n.manager.Room()
}

// CreateRoom joins a fresh random room and returns its code.
func (n *Node) CreateRoom() (string, error) {
	code := rendezvous.Random()
	if err := n.manager.Join(code); err != nil {
		return "", err
	}
	return code, nil
}

func (n *Node) JoinRoom(code string) error {
	code, err := rendezvous.Normalize(code)
	if err != nil {
		return err
	}
	return n.manager.Join(code)
}

// Pair joins the room derived from this node's name and remoteName. A
// remembered remoteName that is online follows automatically.
func (n *Node) Pair(remoteName string) (string, error) {
	code := rendezvous.Derive(n.Name(), remoteName)
	n.logger.Infof("Pairing with %q in room %s", remoteName, code)
	if err := n.manager.Join(code); err != nil {
		return "", err
	}
	return code, nil
}

func (n *Node) Leave() error {
	return n.manager.Leave()
}

func (n *Node) Peers() []session.Peer {
	return n.manager.Peers()
}

// WaitForPeer blocks until at least one peer is connected and returns the
// first by id.
func (n *Node) WaitForPeer(ctx context.Context) (session.Peer, error) {
	for {
		n.mu.Lock()
		changed := n.changed
		n.mu.Unlock()

		if peers := n.manager.Peers(); len(peers) > 0 {
			return peers[0], nil
		}
		select {
		case <-ctx.Done():
			return session.Peer{}, fmt.Errorf("%w: %w", ErrNoPeer, ctx.Err())
		case <-changed:
		}
	}
}

func (n *Node) SendFile(ctx context.Context, peerID string, f transfer.File) error {
	return n.engine.SendFile(ctx, peerID, f)
}

func (n *Node) SendText(ctx context.Context, peerID, text string) error {
	return n.engine.SendText(ctx, peerID, text)
}

func (n *Node) Pairings() ([]pairing.Record, error) {
	return n.store.Pairings()
}

// Forget drops a remembered device and stops listening for it.
func (n *Node) Forget(remoteName string) error {
	if err := n.store.Remove(remoteName); err != nil {
		return err
	}
	n.mu.Lock()
	_, ok := n.subscribed[remoteName]
	delete(n.subscribed, remoteName)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	return n.relay.Send(protocol.EventUnsubscribeDevices, []string{remoteName})
}

// Close leaves the room, shuts the transport down and releases whatever
// Connect opened.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	err := n.manager.Close()
	for i := len(n.closers) - 1; i >= 0; i-- {
		if cerr := n.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	n.logger.Info("Node stopped")
	return err
}

func (n *Node) subscribe(names ...string) error {
	n.mu.Lock()
	fresh := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := n.subscribed[name]; ok || name == "" {
			continue
		}
		n.subscribed[name] = struct{}{}
		fresh = append(fresh, name)
	}
	n.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := n.relay.Send(protocol.EventSubscribeDevices, fresh); err != nil {
		n.mu.Lock()
		for _, name := range fresh {
			delete(n.subscribed, name)
		}
		n.mu.Unlock()
		return fmt.Errorf("subscribing to %v: %w", fresh, err)
	}
	n.logger.Debugf("Subscribed to %v", fresh)
	return nil
}

// handleRendezvousRequest follows a remembered device into the room it
// just joined. A node busy with connected peers in another room stays put.
func (n *Node) handleRendezvousRequest(data json.RawMessage) {
	var req protocol.RendezvousRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		n.logger.Warnf("Ignoring malformed rendezvous request: %s", data)
		return
	}

	if _, err := n.store.Find(req.DeviceName); err != nil {
		n.logger.Debugf("Ignoring rendezvous request from unknown device %q", req.DeviceName)
		return
	}
	if room := n.manager.Room(); room == req.RoomID {
		return
	} else if room != "" && len(n.manager.Peers()) > 0 {
		n.logger.Infof("%q is waiting in room %s, staying in busy room %s", req.DeviceName, req.RoomID, room)
		return
	}

	n.logger.Infof("Remembered device %q is online, joining room %s", req.DeviceName, req.RoomID)
	if err := n.manager.Join(req.RoomID); err != nil {
		n.logger.Warnf("Failed to follow %q: %v", req.DeviceName, err)
	}
}

func (n *Node) notifyChanged() {
	n.mu.Lock()
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()
}

func (n *Node) PeerDiscovered(peer session.Peer) {
	n.logger.Debugf("Discovered %s (%q)", peer.ID, peer.Name)
}

func (n *Node) PeerConnected(peer session.Peer) {
	n.logger.Infof("Connected to %s (%q)", peer.ID, peer.Name)

	if peer.Name != "" {
		if _, err := n.store.RecordConnection(peer.Name, n.manager.Room()); err != nil {
			n.logger.Warnf("Failed to remember %q: %v", peer.Name, err)
		} else if err := n.subscribe(peer.Name); err != nil {
			n.logger.Warnf("%v", err)
		}
	}

	n.notifyChanged()
	if n.events.PeerConnected != nil {
		n.events.PeerConnected(peer)
	}
}

func (n *Node) PeerGone(peer session.Peer) {
	n.logger.Infof("Lost %s (%q)", peer.ID, peer.Name)
	n.engine.Cancel(peer.ID)

	n.notifyChanged()
	if n.events.PeerGone != nil {
		n.events.PeerGone(peer)
	}
}

func (n *Node) Message(peer session.Peer, msg transport.Message) {
	n.engine.HandleMessage(peer.ID, msg)
}
