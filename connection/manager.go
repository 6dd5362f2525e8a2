// Package connection implements the ConnectionManager (spec.md §4.1): peer
// discovery bookkeeping, opportunistic X25519 key exchange, direct-vs-relay
// reachability, and raw-frame dispatch.
package connection

import (
	"context"
	"sync"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/relay"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("connection")

// State is a PeerConn's place in the per-peer reachability state machine
// (spec.md §4.1).
type State int

const (
	Disconnected State = iota
	Discovering
	Connecting
	Connected
	Relaying
)

const (
	maxPeers          = 32
	announceThrottleMs = 60_000
	connectTimeoutMs   = 5_000
	activityTimeoutMs  = 90_000
	keepaliveEveryMs   = 30_000
)

// PeerConn is one tracked peer (spec.md §3).
type PeerConn struct {
	PeerID cyxchat.NodeId
	State  State

	ConnectedAt      int64
	LastActivity     int64
	LastKeepalive    int64
	LastAnnounceSent int64
	LastKeyExchange  int64

	BytesSent     uint64
	BytesReceived uint64
	RSSI          int

	IsRelayed bool
	pubKey    [32]byte
	hasPubKey bool

	announceSent bool
	keyExchanged bool
}

// pendingConnect tracks a Connect(peer) request awaiting either a direct
// handshake or the 5s relay fallback.
type pendingConnect struct {
	peer      cyxchat.NodeId
	startMs   int64
	onResult  func(err error)
	satisfied bool
}

// RawCallback receives frames the manager could not classify into
// discovery/relay traffic, which includes onion-circuit and DNS frames —
// raw delivery for tests and manual add-peer flows (spec.md §4.1 "Dispatch").
type RawCallback func(from cyxchat.NodeId, payload []byte)

// Manager is the ConnectionManager.
type Manager struct {
	transport transport.Transport
	onion     transport.Onion
	relay     *relay.Client
	self      cyxchat.NodeId
	selfPub   [32]byte

	mu       sync.Mutex
	peers    map[cyxchat.NodeId]*PeerConn
	order    []cyxchat.NodeId // insertion order, for cap-32 LRU-ish eviction
	pending  map[cyxchat.NodeId]*pendingConnect
	rawCB    RawCallback
	keyCB    func(id cyxchat.NodeId, pub [32]byte)
	nowMs    int64
}

// New builds a ConnectionManager wired to the raw Transport, the Onion
// circuit layer, and a RelayClient for hole-punch fallback.
func New(t transport.Transport, onion transport.Onion, relayClient *relay.Client, self cyxchat.NodeId, selfPub [32]byte) *Manager {
	m := &Manager{
		transport: t,
		onion:     onion,
		relay:     relayClient,
		self:      self,
		selfPub:   selfPub,
		peers:     make(map[cyxchat.NodeId]*PeerConn),
		pending:   make(map[cyxchat.NodeId]*pendingConnect),
	}
	t.SetRecvCallback(m.handleRawFrame)
	t.SetPeerDiscoveredCallback(m.handlePeerDiscovered)
	relayClient.SetRecvCallback(m.handleRelayData)
	return m
}

// SetRawCallback installs the sink for frames that fall outside the
// discovery/relay classification (onion-circuit and DNS frames among them).
func (m *Manager) SetRawCallback(fn RawCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawCB = fn
}

// SetKeyLearnedCallback installs a sink notified whenever a peer's X25519
// pubkey is learned via Announce/AnnounceAck, alongside the Onion
// registration the manager always performs. Hosts use this to feed the
// same key into the DNS engine's crypto-name resolver (spec.md §4.5).
func (m *Manager) SetKeyLearnedCallback(fn func(id cyxchat.NodeId, pub [32]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyCB = fn
}

func (m *Manager) peerLocked(id cyxchat.NodeId) *PeerConn {
	if p, ok := m.peers[id]; ok {
		return p
	}
	if len(m.order) >= maxPeers {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.peers, oldest)
	}
	p := &PeerConn{PeerID: id, State: Disconnected}
	m.peers[id] = p
	m.order = append(m.order, id)
	return p
}

// Peer returns a snapshot of the tracked PeerConn, if any.
func (m *Manager) Peer(id cyxchat.NodeId) (PeerConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return PeerConn{}, false
	}
	return *p, true
}

// handlePeerDiscovered is the Transport's "new peer learned" callback: it
// sends a throttled Announce to the newly discovered peer.
func (m *Manager) handlePeerDiscovered(d transport.PeerDiscovered) {
	id := cyxchat.NodeId(d.Peer)
	m.mu.Lock()
	p := m.peerLocked(id)
	if p.State == Disconnected {
		p.State = Discovering
	}
	p.RSSI = d.RSSI
	due := !p.announceSent || m.nowMs-p.LastAnnounceSent >= announceThrottleMs
	if due {
		p.LastAnnounceSent = m.nowMs
		p.announceSent = true
	}
	m.mu.Unlock()
	if due {
		m.sendAnnounce(id)
	}
}

func (m *Manager) sendAnnounce(to cyxchat.NodeId) {
	buf := make([]byte, 1+32)
	buf[0] = cyxchat.TypeAnnounce
	copy(buf[1:], m.selfPub[:])
	if err := m.transport.Send(context.Background(), to, buf); err != nil {
		log.Printf("announce send to %s failed: %v", to.Hex(), err)
	}
}

// Connect requests a connection to peer, resolving onResult with nil on
// success (direct Connected, or Relaying fallback) or a timeout error.
func (m *Manager) Connect(peer cyxchat.NodeId, onResult func(err error)) {
	m.mu.Lock()
	p := m.peerLocked(peer)
	if p.State == Connected || p.State == Relaying {
		m.mu.Unlock()
		if onResult != nil {
			onResult(nil)
		}
		return
	}
	p.State = Connecting
	m.pending[peer] = &pendingConnect{peer: peer, startMs: m.nowMs, onResult: onResult}
	m.mu.Unlock()
	m.sendAnnounce(peer)
}

// Poll advances timeouts, keepalives, and the pending-connect relay
// fallback (spec.md §4.1 "Pending connect", "Timeouts").
func (m *Manager) Poll(nowMs int64) {
	m.mu.Lock()
	m.nowMs = nowMs

	var toDisconnect []cyxchat.NodeId
	var toKeepalive []cyxchat.NodeId
	for id, p := range m.peers {
		if (p.State == Connected || p.State == Relaying) && nowMs-p.LastActivity > activityTimeoutMs {
			toDisconnect = append(toDisconnect, id)
			continue
		}
		if (p.State == Connected || p.State == Relaying) && nowMs-p.LastKeepalive >= keepaliveEveryMs {
			p.LastKeepalive = nowMs
			toKeepalive = append(toKeepalive, id)
		}
	}
	for _, id := range toDisconnect {
		p := m.peers[id]
		p.State = Disconnected
		p.IsRelayed = false
	}

	var timedOut []*pendingConnect
	for peer, pc := range m.pending {
		if pc.satisfied {
			delete(m.pending, peer)
			continue
		}
		p := m.peers[peer]
		if p != nil && (p.State == Connected || p.State == Relaying) {
			pc.satisfied = true
			delete(m.pending, peer)
			if pc.onResult != nil {
				go safeInvoke(pc.onResult, nil)
			}
			continue
		}
		if nowMs-pc.startMs >= connectTimeoutMs {
			timedOut = append(timedOut, pc)
			delete(m.pending, peer)
		}
	}
	m.mu.Unlock()

	for _, id := range toKeepalive {
		m.sendPing(id)
	}
	for _, pc := range timedOut {
		m.fallbackToRelay(pc)
	}
}

// safeInvoke runs a completion callback; kept as its own function so Poll's
// call sites read the same whether or not the callback is nil-checked
// upstream.
func safeInvoke(fn func(error), err error) {
	fn(err)
}

func (m *Manager) sendPing(to cyxchat.NodeId) {
	buf := []byte{cyxchat.TypePing}
	if err := m.transport.Send(context.Background(), to, buf); err != nil {
		log.Printf("ping send to %s failed: %v", to.Hex(), err)
	}
}

func (m *Manager) fallbackToRelay(pc *pendingConnect) {
	ctx := context.Background()
	err := m.relay.Connect(ctx, pc.peer, m.nowMs)
	m.mu.Lock()
	p := m.peerLocked(pc.peer)
	if err != nil {
		p.State = Disconnected
		m.mu.Unlock()
		if pc.onResult != nil {
			pc.onResult(cyxchat.WrapError(cyxchat.Timeout, "connect timed out, relay fallback failed", err))
		}
		return
	}
	p.State = Relaying
	p.IsRelayed = true
	p.ConnectedAt = m.nowMs
	m.mu.Unlock()
	if pc.onResult != nil {
		pc.onResult(nil)
	}
}

// handleRawFrame classifies and dispatches an inbound raw Transport frame
// (spec.md §4.1 "Dispatch").
func (m *Manager) handleRawFrame(f transport.Frame) {
	if len(f.Payload) < 1 {
		return
	}
	from := cyxchat.NodeId(f.From)
	typ := f.Payload[0]

	m.mu.Lock()
	p := m.peerLocked(from)
	p.LastActivity = m.nowMs
	p.BytesReceived += uint64(len(f.Payload))
	if p.State == Connecting || p.State == Discovering || p.State == Disconnected {
		p.State = Connected
		p.ConnectedAt = m.nowMs
		p.IsRelayed = false
	}
	m.mu.Unlock()

	switch {
	case typ >= cyxchat.TypeAnnounce && typ <= cyxchat.TypeGoodbye:
		m.handleDiscovery(from, typ, f.Payload[1:])
	case typ >= cyxchat.RelayConnect && typ <= cyxchat.RelayError:
		m.relay.HandleRawFrame(f)
	default:
		m.mu.Lock()
		cb := m.rawCB
		m.mu.Unlock()
		if cb != nil {
			cb(from, f.Payload)
		}
	}
}

func (m *Manager) handleDiscovery(from cyxchat.NodeId, typ byte, rest []byte) {
	switch typ {
	case cyxchat.TypeAnnounce:
		if len(rest) < 32 {
			return // malformed Announce dropped silently
		}
		m.mu.Lock()
		p := m.peerLocked(from)
		if p.keyExchanged && m.nowMs-p.LastKeyExchange < announceThrottleMs {
			m.mu.Unlock()
			return
		}
		p.LastKeyExchange = m.nowMs
		p.keyExchanged = true
		var pub [32]byte
		copy(pub[:], rest[:32])
		p.pubKey = pub
		p.hasPubKey = true
		wasConnecting := p.State != Connected && p.State != Relaying
		if wasConnecting {
			p.State = Connected
			p.ConnectedAt = m.nowMs
		}
		m.mu.Unlock()
		m.onion.AddPeerKey(from, pub)
		if cb := m.keyCB; cb != nil {
			cb(from, pub)
		}

		ack := make([]byte, 1+32)
		ack[0] = cyxchat.TypeAnnounceAck
		copy(ack[1:], m.selfPub[:])
		if err := m.transport.Send(context.Background(), from, ack); err != nil {
			log.Printf("announce-ack send to %s failed: %v", from.Hex(), err)
		}
	case cyxchat.TypeAnnounceAck:
		if len(rest) < 32 {
			return
		}
		var pub [32]byte
		copy(pub[:], rest[:32])
		m.mu.Lock()
		p := m.peerLocked(from)
		p.pubKey = pub
		p.hasPubKey = true
		m.mu.Unlock()
		m.onion.AddPeerKey(from, pub)
		if cb := m.keyCB; cb != nil {
			cb(from, pub)
		}
	case cyxchat.TypePing:
		pong := []byte{cyxchat.TypePong}
		if err := m.transport.Send(context.Background(), from, pong); err != nil {
			log.Printf("pong send to %s failed: %v", from.Hex(), err)
		}
	case cyxchat.TypePong:
		// activity bookkeeping already applied above; nothing further.
	case cyxchat.TypeGoodbye:
		m.mu.Lock()
		if p, ok := m.peers[from]; ok {
			p.State = Disconnected
			p.IsRelayed = false
		}
		m.mu.Unlock()
	}
}

// handleRelayData is wired as the RelayClient's recv sink, re-entering the
// same dispatch path a direct onion-data frame would (spec.md §4.2).
func (m *Manager) handleRelayData(from cyxchat.NodeId, payload []byte) {
	m.mu.Lock()
	p := m.peerLocked(from)
	p.LastActivity = m.nowMs
	p.BytesReceived += uint64(len(payload))
	if p.State != Connected {
		p.State = Relaying
		p.IsRelayed = true
	}
	cb := m.rawCB
	m.mu.Unlock()
	if cb != nil {
		cb(from, payload)
	}
}
