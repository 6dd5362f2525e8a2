// Package presence implements the Presence Engine (spec.md §4.8): cached
// peer presence with LRU eviction, broadcast on status change, and
// auto-away on host inactivity.
package presence

import (
	"context"
	"sync"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("presence")

const (
	cacheCap      = 128
	offlineAfterMs = 300_000
)

// Status mirrors common presence vocabularies (Online/Away/Busy/Offline),
// with Offline also synthesized client-side from cache staleness.
type Status int

const (
	Offline Status = iota
	Online
	Away
	Busy
)

// Presence is one cached peer's last-known status.
type Presence struct {
	Peer      cyxchat.NodeId
	Status    Status
	Text      string
	UpdatedAt int64
}

// Engine is the Presence Engine.
type Engine struct {
	onion transport.Onion
	self  cyxchat.NodeId

	mu    sync.Mutex
	cache map[cyxchat.NodeId]*Presence
	order []cyxchat.NodeId

	status       Status
	statusText   string
	lastActivity int64
	nowMs        int64

	autoAwayTimeoutMs int64
	preAwayStatus     Status
	preAwayText       string
	isAutoAway        bool
}

// New builds a Presence Engine. autoAwayTimeoutMs of 0 disables auto-away.
func New(onion transport.Onion, self cyxchat.NodeId, autoAwayTimeoutMs int64) *Engine {
	return &Engine{
		onion: onion, self: self,
		cache:             make(map[cyxchat.NodeId]*Presence),
		status:            Online,
		autoAwayTimeoutMs: autoAwayTimeoutMs,
	}
}

// SetStatus broadcasts a new local status to every known contact
// (spec.md §4.8 "On set_status(s, text)").
func (e *Engine) SetStatus(ctx context.Context, s Status, text string, contacts []cyxchat.NodeId) error {
	e.mu.Lock()
	e.status = s
	e.statusText = text
	e.isAutoAway = false
	e.mu.Unlock()

	frame := wire.BuildFrame(cyxchat.TypePresenceStatus, 0, cyxchat.MsgId{}, encodeStatus(s, text))
	var firstErr error
	for _, c := range contacts {
		if err := e.onion.SendTo(ctx, c, frame); err != nil {
			log.Printf("presence broadcast to %s failed: %v", c.Hex(), err)
			firstErr = cyxchat.WrapError(cyxchat.Network, "broadcast presence", err)
		}
	}
	return firstErr
}

// Activity records local user activity, restoring the pre-away status if
// auto-away had engaged (spec.md §4.8 "Auto-away").
func (e *Engine) Activity(ctx context.Context, contacts []cyxchat.NodeId) error {
	e.mu.Lock()
	e.lastActivity = e.nowMs
	if !e.isAutoAway {
		e.mu.Unlock()
		return nil
	}
	e.isAutoAway = false
	restored := e.preAwayStatus
	restoredText := e.preAwayText
	e.status = restored
	e.statusText = restoredText
	e.mu.Unlock()

	frame := wire.BuildFrame(cyxchat.TypePresenceStatus, 0, cyxchat.MsgId{}, encodeStatus(restored, restoredText))
	var firstErr error
	for _, c := range contacts {
		if err := e.onion.SendTo(ctx, c, frame); err != nil {
			firstErr = cyxchat.WrapError(cyxchat.Network, "broadcast presence", err)
		}
	}
	return firstErr
}

// HandleCleartext dispatches an inbound onion-delivered frame by its wire
// type, mirroring file.Engine's combined HandleCleartext multiplexer. The
// presence range currently carries a single frame type but the method is
// kept for uniform dispatch alongside group/mail/file.
func (e *Engine) HandleCleartext(from cyxchat.NodeId, typ byte, payload []byte) {
	if typ == cyxchat.TypePresenceStatus {
		e.HandleStatus(from, payload)
	}
}

// HandleStatus caches an inbound STATUS frame from peer.
func (e *Engine) HandleStatus(from cyxchat.NodeId, payload []byte) {
	s, text, ok := decodeStatus(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, exists := e.cache[from]
	if !exists {
		if len(e.cache) >= cacheCap {
			oldestIdx, oldestAt := 0, int64(1<<62)
			for i, id := range e.order {
				if pr := e.cache[id]; pr != nil && pr.UpdatedAt < oldestAt {
					oldestAt = pr.UpdatedAt
					oldestIdx = i
				}
			}
			delete(e.cache, e.order[oldestIdx])
			e.order = append(e.order[:oldestIdx], e.order[oldestIdx+1:]...)
		}
		p = &Presence{Peer: from}
		e.cache[from] = p
		e.order = append(e.order, from)
	}
	p.Status = s
	p.Text = text
	p.UpdatedAt = e.nowMs
}

// Get returns a peer's presence, synthesizing Offline once the cached
// entry is older than 300s (spec.md §4.8).
func (e *Engine) Get(peer cyxchat.NodeId) Presence {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.cache[peer]
	if !ok {
		return Presence{Peer: peer, Status: Offline}
	}
	if e.nowMs-p.UpdatedAt > offlineAfterMs {
		return Presence{Peer: peer, Status: Offline, UpdatedAt: p.UpdatedAt}
	}
	return *p
}

// Poll advances the clock and engages auto-away once the host has been
// idle past autoAwayTimeoutMs.
func (e *Engine) Poll(ctx context.Context, nowMs int64, contacts []cyxchat.NodeId) {
	e.mu.Lock()
	e.nowMs = nowMs
	if e.autoAwayTimeoutMs <= 0 || e.isAutoAway || e.status == Away {
		e.mu.Unlock()
		return
	}
	if nowMs-e.lastActivity <= e.autoAwayTimeoutMs {
		e.mu.Unlock()
		return
	}
	e.preAwayStatus = e.status
	e.preAwayText = e.statusText
	e.isAutoAway = true
	e.status = Away
	e.mu.Unlock()

	frame := wire.BuildFrame(cyxchat.TypePresenceStatus, 0, cyxchat.MsgId{}, encodeStatus(Away, e.preAwayText))
	for _, c := range contacts {
		if err := e.onion.SendTo(ctx, c, frame); err != nil {
			log.Printf("auto-away broadcast to %s failed: %v", c.Hex(), err)
		}
	}
}
