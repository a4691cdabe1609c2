// Package transfer moves files and text over a peer link. A file travels
// as one structured metadata message followed by its raw binary chunks in
// order; chunks carry no header, so framing is purely positional.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

// Link sends one message to a connected peer, retrying transient failures
// until it gives up or ctx is done.
type Link interface {
	SendWithRetry(ctx context.Context, peerID string, msg transport.Message) error
}

type Direction string

const (
	Sending   Direction = "sending"
	Receiving Direction = "receiving"
)

type Progress struct {
	PeerID    string
	FileName  string
	Percent   int
	Direction Direction
}

// File is an outbound file held in memory.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

type ReceivedFile struct {
	PeerID    string
	Name      string
	MimeType  string
	Size      int64
	From      string
	Timestamp int64
	Data      []byte
	// Salvaged is set when the transfer stalled and was completed with a
	// small shortfall.
	Salvaged bool
}

type ReceivedText struct {
	PeerID    string
	From      string
	Text      string
	Timestamp int64
}

type Callbacks struct {
	OnProgress func(Progress)
	OnFile     func(ReceivedFile)
	OnText     func(ReceivedText)
	OnError    func(peerID string, err error)
}

type Config struct {
	Link   Link
	Name   string
	Clock  clock.Clock
	Logger *logrus.Logger

	SettleDelay    time.Duration
	SalvageTimeout time.Duration
	Policy         SalvagePolicy
	Callbacks      Callbacks
}

type Engine struct {
	link      Link
	clock     clock.Clock
	logger    *logrus.Logger
	callbacks Callbacks

	settleDelay    time.Duration
	salvageTimeout time.Duration
	policy         SalvagePolicy

	mu        sync.Mutex
	name      string
	receivers map[string]*receiver
	sending   map[string]map[*sendHandle]struct{}
}

type sendHandle struct {
	cancel context.CancelFunc
}

// NewEngine builds an engine. A zero SettleDelay is kept as zero; pass
// DefaultSettleDelay explicitly for the usual pause.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		link:           cfg.Link,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		callbacks:      cfg.Callbacks,
		settleDelay:    cfg.SettleDelay,
		salvageTimeout: cfg.SalvageTimeout,
		policy:         cfg.Policy,
		name:           cfg.Name,
		receivers:      make(map[string]*receiver),
		sending:        make(map[string]map[*sendHandle]struct{}),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.salvageTimeout <= 0 {
		e.salvageTimeout = DefaultSalvageTimeout
	}
	if e.policy == (SalvagePolicy{}) {
		e.policy = DefaultSalvagePolicy
	}
	return e
}

func (e *Engine) SetName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = name
}

func (e *Engine) localName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// SendFile sends metadata, waits the settle delay, then sends every chunk
// in order. It stops at the first failed send.
func (e *Engine) SendFile(ctx context.Context, peerID string, f File) error {
	ctx, release := e.trackSend(ctx, peerID)
	defer release()

	size := int64(len(f.Data))
	total := TotalChunks(size)
	meta, err := transport.StructuredMessage(protocol.FileMetadata{
		Type:        protocol.ChannelFileMetadata,
		FileName:    f.Name,
		FileSize:    size,
		FileType:    f.MimeType,
		TotalChunks: total,
		From:        e.localName(),
		Timestamp:   e.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", f.Name, err)
	}
	if err := e.link.SendWithRetry(ctx, peerID, meta); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMetadataNotDelivered, f.Name, err)
	}
	e.logger.Infof("Sending %s (%d bytes, %d chunks) to %s", f.Name, size, total, peerID)

	if e.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sending %s: %w", f.Name, ctx.Err())
		case <-e.clock.After(e.settleDelay):
		}
	}

	for i, chunk := range Split(f.Data) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sending %s: %w", f.Name, err)
		}
		if err := e.link.SendWithRetry(ctx, peerID, transport.BinaryMessage(chunk)); err != nil {
			return &ChunkSendError{FileName: f.Name, Index: i, Err: err}
		}
		e.progress(Progress{
			PeerID:    peerID,
			FileName:  f.Name,
			Percent:   (i + 1) * 100 / total,
			Direction: Sending,
		})
	}
	if total == 0 {
		e.progress(Progress{PeerID: peerID, FileName: f.Name, Percent: 100, Direction: Sending})
	}
	return nil
}

func (e *Engine) SendText(ctx context.Context, peerID, text string) error {
	msg, err := transport.StructuredMessage(protocol.TextMessage{
		Type:      protocol.ChannelText,
		Text:      text,
		From:      e.localName(),
		Timestamp: e.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := e.link.SendWithRetry(ctx, peerID, msg); err != nil {
		return fmt.Errorf("%w: text to %s: %w", ErrTransportUnavailable, peerID, err)
	}
	return nil
}

// Cancel drops every inbound transfer from peerID without reporting it,
// disarms their salvage timers and aborts outbound sends to the peer.
func (e *Engine) Cancel(peerID string) {
	e.mu.Lock()
	r := e.receivers[peerID]
	delete(e.receivers, peerID)
	sends := e.sending[peerID]
	delete(e.sending, peerID)
	e.mu.Unlock()

	for h := range sends {
		h.cancel()
	}
	if r != nil {
		r.cancel()
		e.logger.Debugf("Cancelled transfers from %s", peerID)
	}
}

// HandleMessage consumes one message from peerID.
func (e *Engine) HandleMessage(peerID string, msg transport.Message) {
	if msg.Binary {
		e.handleChunk(peerID, msg.Data)
		return
	}

	decoded, err := protocol.DecodeChannelMessage(msg.Data)
	if err != nil {
		e.logger.Warnf("Ignoring message from %s: %v", peerID, err)
		return
	}
	switch m := decoded.(type) {
	case *protocol.TextMessage:
		if e.callbacks.OnText != nil {
			e.callbacks.OnText(ReceivedText{PeerID: peerID, From: m.From, Text: m.Text, Timestamp: m.Timestamp})
		}
	case *protocol.FileMetadata:
		e.handleMetadata(peerID, m)
	}
}

func (e *Engine) trackSend(ctx context.Context, peerID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	h := &sendHandle{cancel: cancel}

	e.mu.Lock()
	set, ok := e.sending[peerID]
	if !ok {
		set = make(map[*sendHandle]struct{})
		e.sending[peerID] = set
	}
	set[h] = struct{}{}
	e.mu.Unlock()

	return ctx, func() {
		cancel()
		e.mu.Lock()
		if set, ok := e.sending[peerID]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(e.sending, peerID)
			}
		}
		e.mu.Unlock()
	}
}

func (e *Engine) progress(p Progress) {
	if e.callbacks.OnProgress != nil {
		e.callbacks.OnProgress(p)
	}
}

func (e *Engine) fail(peerID string, err error) {
	e.logger.Warnf("Transfer from %s failed: %v", peerID, err)
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(peerID, err)
	}
}

func (e *Engine) deliver(f ReceivedFile) {
	if f.Salvaged {
		e.logger.Warnf("Completed %s from %s with a shortfall", f.Name, f.PeerID)
	} else {
		e.logger.Infof("Received %s (%d bytes) from %s", f.Name, len(f.Data), f.PeerID)
	}
	if e.callbacks.OnFile != nil {
		e.callbacks.OnFile(f)
	}
}
