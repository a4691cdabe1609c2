package transfer

import (
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

// inbound is one file being received.
type inbound struct {
	meta        protocol.FileMetadata
	chunks      [][]byte
	received    int64
	lastChunkAt time.Time

	timer *clock.Timer
	// generation invalidates salvage timers armed before the latest chunk.
	generation uint64
}

func (s *inbound) shortfall() Shortfall {
	return measure(s.meta.FileSize, s.received, s.meta.TotalChunks, len(s.chunks))
}

func (s *inbound) percent() int {
	if s.meta.TotalChunks <= 0 {
		return 100
	}
	return min(100, len(s.chunks)*100/s.meta.TotalChunks)
}

func (s *inbound) disarm() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// receiver holds the inbound state for one peer.
type receiver struct {
	sessions map[string]*inbound
	order    []*inbound

	// pending holds chunks that arrived with no open session.
	pending      [][]byte
	pendingBytes int
}

func newReceiver() *receiver {
	return &receiver{sessions: make(map[string]*inbound)}
}

// current is the most recently created session still short of its
// declared chunk count.
func (r *receiver) current() *inbound {
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.order[i]
		if len(s.chunks) < s.meta.TotalChunks {
			return s
		}
	}
	return nil
}

func (r *receiver) remove(s *inbound) {
	s.disarm()
	if r.sessions[s.meta.FileName] == s {
		delete(r.sessions, s.meta.FileName)
	}
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *receiver) cancel() {
	for _, s := range r.order {
		s.disarm()
	}
	r.order = nil
	r.sessions = make(map[string]*inbound)
	r.pending = nil
	r.pendingBytes = 0
}

// receiverFor must be called with mu held.
func (e *Engine) receiverFor(peerID string) *receiver {
	r, ok := e.receivers[peerID]
	if !ok {
		r = newReceiver()
		e.receivers[peerID] = r
	}
	return r
}

func (e *Engine) handleMetadata(peerID string, meta *protocol.FileMetadata) {
	e.mu.Lock()
	r := e.receiverFor(peerID)
	if old, ok := r.sessions[meta.FileName]; ok {
		e.logger.Warnf("Restarting transfer of %s from %s", meta.FileName, peerID)
		r.remove(old)
	}

	s := &inbound{meta: *meta}
	r.sessions[meta.FileName] = s
	r.order = append(r.order, s)
	e.logger.Infof("Receiving %s (%d bytes, %d chunks) from %s", meta.FileName, meta.FileSize, meta.TotalChunks, peerID)

	pending := r.pending
	r.pending = nil
	r.pendingBytes = 0

	var after []func()
	dropped := 0
	for _, chunk := range pending {
		if r.sessions[meta.FileName] != s || len(s.chunks) >= s.meta.TotalChunks {
			dropped++
			continue
		}
		after = append(after, e.appendChunk(peerID, r, s, chunk))
	}
	if len(s.chunks) == 0 {
		if s.shortfall().Complete() {
			f := e.finish(peerID, r, s, false)
			after = append(after, func() { e.deliver(f) })
		} else {
			e.armSalvage(peerID, s)
		}
	}
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Warnf("Protocol desync with %s: dropped %d buffered chunks beyond %s", peerID, dropped, meta.FileName)
	}
	for _, fn := range after {
		fn()
	}
}

func (e *Engine) handleChunk(peerID string, data []byte) {
	e.mu.Lock()
	r := e.receiverFor(peerID)
	s := r.current()
	if s == nil {
		if r.pendingBytes+len(data) > MaxPendingBytes {
			e.mu.Unlock()
			e.logger.Warnf("Protocol desync with %s: pending buffer full, dropping %d byte chunk", peerID, len(data))
			return
		}
		r.pending = append(r.pending, append([]byte(nil), data...))
		r.pendingBytes += len(data)
		n := len(r.pending)
		e.mu.Unlock()
		e.logger.Debugf("Buffered chunk from %s ahead of metadata (%d pending)", peerID, n)
		return
	}
	after := e.appendChunk(peerID, r, s, append([]byte(nil), data...))
	e.mu.Unlock()

	after()
}

// appendChunk must be called with mu held. The returned func reports the
// outcome and must run after mu is released.
func (e *Engine) appendChunk(peerID string, r *receiver, s *inbound, chunk []byte) func() {
	s.chunks = append(s.chunks, chunk)
	s.received += int64(len(chunk))
	s.lastChunkAt = e.clock.Now()

	p := Progress{PeerID: peerID, FileName: s.meta.FileName, Percent: s.percent(), Direction: Receiving}

	if s.shortfall().Complete() {
		f := e.finish(peerID, r, s, false)
		return func() {
			e.progress(p)
			e.deliver(f)
		}
	}

	e.armSalvage(peerID, s)
	return func() { e.progress(p) }
}

// armSalvage must be called with mu held.
func (e *Engine) armSalvage(peerID string, s *inbound) {
	s.disarm()
	gen := s.generation
	s.timer = e.clock.AfterFunc(e.salvageTimeout, func() {
		e.salvage(peerID, s, gen)
	})
}

func (e *Engine) salvage(peerID string, s *inbound, gen uint64) {
	e.mu.Lock()
	r, ok := e.receivers[peerID]
	if !ok || r.sessions[s.meta.FileName] != s || s.generation != gen {
		e.mu.Unlock()
		return
	}

	sf := s.shortfall()
	idle := e.clock.Now().Sub(s.lastChunkAt)
	e.logger.Debugf("Transfer of %s from %s stalled, last chunk %s ago", s.meta.FileName, peerID, idle)
	if e.policy.Allows(s.meta.FileSize, sf) {
		f := e.finish(peerID, r, s, true)
		e.mu.Unlock()
		e.deliver(f)
		return
	}

	r.remove(s)
	e.mu.Unlock()
	e.fail(peerID, &IntegrityError{
		FileName:      s.meta.FileName,
		MissingChunks: sf.MissingChunks,
		MissingBytes:  sf.MissingBytes,
		Idle:          idle,
	})
}

// finish must be called with mu held.
func (e *Engine) finish(peerID string, r *receiver, s *inbound, salvaged bool) ReceivedFile {
	r.remove(s)
	return ReceivedFile{
		PeerID:    peerID,
		Name:      s.meta.FileName,
		MimeType:  s.meta.FileType,
		Size:      s.meta.FileSize,
		From:      s.meta.From,
		Timestamp: s.meta.Timestamp,
		Data:      Assemble(s.chunks),
		Salvaged:  salvaged,
	}
}
