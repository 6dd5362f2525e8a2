// Package relay implements the RelayClient (spec.md §4.2): a small
// protocol that tunnels opaque end-to-end encrypted payloads through
// untrusted relay servers, addressed by the raw-frame type range
// 0xE0..0xE5.
package relay

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("relay")

const (
	maxRelayServers  = 4
	maxSessions      = 16
	sessionIdleMs    = 10_000
	keepaliveEveryMs = 30_000
)

// session is one tunneled relay session for a peer.
type session struct {
	peer         cyxchat.NodeId
	relayServer  cyxchat.NodeId
	lastActivity int64
	lastKeepalive int64
	bytesSent    uint64
	bytesRecv    uint64
}

// RecvCallback fires when a DATA frame addressed to us arrives from peer
// `from`, mirroring the "received from peer P" event spec.md §4.2
// describes being handed to the ConnectionMgr.
type RecvCallback func(from cyxchat.NodeId, payload []byte)

// Client is the RelayClient.
type Client struct {
	transport transport.Transport
	self      cyxchat.NodeId
	servers   []cyxchat.NodeId // ≤ 4 configured relay servers, addressed as synthetic NodeIds

	mu       sync.Mutex
	sessions map[cyxchat.NodeId]*session
	onRecv   RecvCallback
	lastPollMs int64
}

// New builds a RelayClient bound to the given raw Transport and local
// identity, with an initial list of relay server synthetic NodeIds
// (spec.md §9 "any implementation that requires NodeIds on send must
// introduce a virtual NodeId for relays").
func New(t transport.Transport, self cyxchat.NodeId, servers []cyxchat.NodeId) *Client {
	if len(servers) > maxRelayServers {
		servers = servers[:maxRelayServers]
	}
	c := &Client{
		transport: t,
		self:      self,
		servers:   servers,
		sessions:  make(map[cyxchat.NodeId]*session),
	}
	return c
}

// SetRecvCallback installs the sink for "received from peer P" events.
func (c *Client) SetRecvCallback(fn RecvCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecv = fn
}

// Connect allocates a session with the first configured relay and emits
// CONNECT. It does not wait for CONNECT_ACK — it reports the tunnel "up"
// immediately and relies on DATA flow to confirm liveness (spec.md §4.2).
func (c *Client) Connect(ctx context.Context, peer cyxchat.NodeId, nowMs int64) error {
	if len(c.servers) == 0 {
		return cyxchat.NewError(cyxchat.Network, "no relay servers configured")
	}
	c.mu.Lock()
	if len(c.sessions) >= maxSessions {
		c.mu.Unlock()
		return cyxchat.NewError(cyxchat.Full, "relay session table full")
	}
	relayServer := c.servers[0]
	c.sessions[peer] = &session{peer: peer, relayServer: relayServer, lastActivity: nowMs, lastKeepalive: nowMs}
	c.mu.Unlock()

	frame := encodeConnect(c.self, peer)
	if err := c.transport.Send(ctx, relayServer, frame); err != nil {
		log.Printf("CONNECT send to relay %s failed: %v", relayServer.Hex(), err)
		return cyxchat.WrapError(cyxchat.Network, "relay connect", err)
	}
	return nil
}

// Disconnect sends DISCONNECT and frees the session.
func (c *Client) Disconnect(ctx context.Context, peer cyxchat.NodeId) error {
	c.mu.Lock()
	s, ok := c.sessions[peer]
	if ok {
		delete(c.sessions, peer)
	}
	c.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "no relay session for peer")
	}
	frame := encodeSimple(cyxchat.RelayDisconnect, c.self, peer)
	return c.transport.Send(ctx, s.relayServer, frame)
}

// Send tunnels payload to peer through the peer's relay session.
func (c *Client) Send(ctx context.Context, peer cyxchat.NodeId, payload []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[peer]
	c.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "no relay session for peer")
	}
	frame := encodeData(c.self, peer, payload)
	if err := c.transport.Send(ctx, s.relayServer, frame); err != nil {
		return cyxchat.WrapError(cyxchat.Network, "relay send", err)
	}
	c.mu.Lock()
	s.bytesSent += uint64(len(payload))
	s.lastActivity = c.lastPollMs
	c.mu.Unlock()
	return nil
}

// Poll frees sessions idle past 10s and emits KEEPALIVE every 30s.
func (c *Client) Poll(ctx context.Context, nowMs int64) {
	c.mu.Lock()
	c.lastPollMs = nowMs
	stale := make([]cyxchat.NodeId, 0)
	keepalive := make([]*session, 0)
	for peer, s := range c.sessions {
		if nowMs-s.lastActivity > sessionIdleMs {
			stale = append(stale, peer)
			continue
		}
		if nowMs-s.lastKeepalive >= keepaliveEveryMs {
			s.lastKeepalive = nowMs
			keepalive = append(keepalive, s)
		}
	}
	for _, peer := range stale {
		delete(c.sessions, peer)
	}
	c.mu.Unlock()

	for _, s := range keepalive {
		frame := encodeSimple(cyxchat.RelayKeepalive, c.self, s.peer)
		if err := c.transport.Send(ctx, s.relayServer, frame); err != nil {
			log.Printf("keepalive to relay %s failed: %v", s.relayServer.Hex(), err)
		}
	}
}

// HasSession reports whether a tunnel is currently tracked for peer.
func (c *Client) HasSession(peer cyxchat.NodeId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[peer]
	return ok
}

// HandleRawFrame processes a raw Transport frame already classified as
// relay-protocol traffic by the caller (connection.Manager owns the
// Transport's single SetRecvCallback slot and dispatches here).
func (c *Client) HandleRawFrame(f transport.Frame) {
	if len(f.Payload) < 1 {
		return
	}
	typ := f.Payload[0]
	switch typ {
	case cyxchat.RelayData:
		from, to, payload, ok := decodeData(f.Payload)
		if !ok || to != c.self {
			return
		}
		c.mu.Lock()
		if s, exists := c.sessions[from]; exists {
			s.bytesRecv += uint64(len(payload))
			s.lastActivity = c.lastPollMs
		}
		cb := c.onRecv
		c.mu.Unlock()
		if cb != nil {
			cb(from, payload)
		}
	case cyxchat.RelayConnectAck, cyxchat.RelayKeepalive:
		from, _, ok := decodeSimple(f.Payload)
		if !ok {
			return
		}
		c.mu.Lock()
		if s, exists := c.sessions[from]; exists {
			s.lastActivity = c.lastPollMs
		}
		c.mu.Unlock()
	case cyxchat.RelayDisconnect:
		from, _, ok := decodeSimple(f.Payload)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.sessions, from)
		c.mu.Unlock()
	}
}

func encodeConnect(from, to cyxchat.NodeId) []byte {
	return encodeSimple(cyxchat.RelayConnect, from, to)
}

func encodeSimple(typ byte, from, to cyxchat.NodeId) []byte {
	buf := make([]byte, 1+32+32)
	buf[0] = typ
	copy(buf[1:33], from[:])
	copy(buf[33:65], to[:])
	return buf
}

func decodeSimple(buf []byte) (from, to cyxchat.NodeId, ok bool) {
	if len(buf) < 65 {
		return from, to, false
	}
	copy(from[:], buf[1:33])
	copy(to[:], buf[33:65])
	return from, to, true
}

func encodeData(from, to cyxchat.NodeId, payload []byte) []byte {
	buf := make([]byte, 1+32+32+4+len(payload))
	buf[0] = cyxchat.RelayData
	copy(buf[1:33], from[:])
	copy(buf[33:65], to[:])
	binary.LittleEndian.PutUint32(buf[65:69], uint32(len(payload)))
	copy(buf[69:], payload)
	return buf
}

func decodeData(buf []byte) (from, to cyxchat.NodeId, payload []byte, ok bool) {
	if len(buf) < 69 {
		return from, to, nil, false
	}
	copy(from[:], buf[1:33])
	copy(to[:], buf[33:65])
	n := binary.LittleEndian.Uint32(buf[65:69])
	if len(buf) < 69+int(n) {
		return from, to, nil, false
	}
	return from, to, buf[69 : 69+n], true
}
