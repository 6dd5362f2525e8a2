// Package transportadapter wires libp2p (QUIC, WebRTC, TCP, mDNS) into the
// transport.Transport contract consumed by the connection manager
// (spec.md §6, DOMAIN STACK). Peers announce their cyxchat NodeId over a
// dedicated handshake stream the instant libp2p connects them; everything
// after that rides a single raw-frame stream protocol.
package transportadapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("transportadapter")

const (
	protoHandshake = "/cyxchat/handshake/1.0.0"
	protoFrame     = "/cyxchat/frame/1.0.0"
	mdnsTag        = "cyxchat-mdns"
)

func envPort(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
		return p
	}
	return def
}

func buildListenAddrs() []string {
	quicPort := envPort("CYXCHAT_QUIC_PORT", 4003)
	wrtcPort := envPort("CYXCHAT_WEBRTC_PORT", 4004)
	return []string{
		"/ip4/0.0.0.0/tcp/0",
		"/ip6/::/tcp/0",
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", quicPort),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", quicPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/webrtc", wrtcPort),
		fmt.Sprintf("/ip6/::/udp/%d/webrtc", wrtcPort),
	}
}

// Adapter implements transport.Transport over a libp2p host.
type Adapter struct {
	h    host.Host
	self cyxchat.NodeId

	mu        sync.Mutex
	peerNode  map[peer.ID]cyxchat.NodeId
	nodePeer  map[cyxchat.NodeId]peer.ID
	rtts      map[peer.ID]time.Duration
	natClass  transport.NatClass

	recvCB func(transport.Frame)
	disCB  func(transport.PeerDiscovered)
}

type mdnsNotifee struct{ a *Adapter }

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.a.h.Connect(ctx, info); err != nil {
		log.Printf("mdns connect to %s failed: %v", info.ID, err)
		return
	}
	go m.a.handshakeOutbound(info.ID)
}

// New builds a libp2p-backed Transport for the given identity. priv is the
// host's libp2p identity key (kept separate from the cyxchat X25519/Ed25519
// material the core manages itself).
func New(ctx context.Context, self cyxchat.NodeId, priv p2pcrypto.PrivKey) (*Adapter, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(buildListenAddrs()...),
	)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		h:        h,
		self:     self,
		peerNode: make(map[peer.ID]cyxchat.NodeId),
		nodePeer: make(map[cyxchat.NodeId]peer.ID),
		rtts:     make(map[peer.ID]time.Duration),
		natClass: transport.NatUnknown,
	}

	if _, err := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{a: a}); err != nil {
		log.Printf("mdns service unavailable: %v", err)
	}

	h.SetStreamHandler(protoHandshake, a.handleHandshakeStream)
	h.SetStreamHandler(protoFrame, a.handleFrameStream)

	go a.pingLoop(ctx)
	return a, nil
}

// handshakeOutbound opens the handshake stream, exchanges NodeIds, and
// fires the PeerDiscovered callback once the remote identity is known.
func (a *Adapter) handshakeOutbound(pid peer.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := a.h.NewStream(ctx, pid, protoHandshake)
	if err != nil {
		return
	}
	defer s.Close()
	if _, err := s.Write(a.self[:]); err != nil {
		return
	}
	var remote cyxchat.NodeId
	if _, err := io.ReadFull(s, remote[:]); err != nil {
		return
	}
	a.registerPeer(pid, remote)
}

func (a *Adapter) handleHandshakeStream(s network.Stream) {
	defer s.Close()
	var remote cyxchat.NodeId
	if _, err := io.ReadFull(s, remote[:]); err != nil {
		return
	}
	if _, err := s.Write(a.self[:]); err != nil {
		return
	}
	a.registerPeer(s.Conn().RemotePeer(), remote)
}

func (a *Adapter) registerPeer(pid peer.ID, node cyxchat.NodeId) {
	a.mu.Lock()
	_, known := a.nodePeer[node]
	a.peerNode[pid] = node
	a.nodePeer[node] = pid
	cb := a.disCB
	rtt := a.rtts[pid]
	a.mu.Unlock()
	if !known && cb != nil {
		cb(transport.PeerDiscovered{Peer: node, RSSI: -int(rtt.Milliseconds())})
	}
}

// handleFrameStream reads one frame per stream, delimited by the end of
// the stream, as sent by Send.
func (a *Adapter) handleFrameStream(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()
	a.mu.Lock()
	from, ok := a.peerNode[pid]
	a.mu.Unlock()
	if !ok {
		return
	}
	payload, err := io.ReadAll(s)
	if err != nil || len(payload) == 0 {
		return
	}
	a.mu.Lock()
	cb := a.recvCB
	a.mu.Unlock()
	if cb != nil {
		cb(transport.Frame{From: from, Payload: payload})
	}
}

// Send opens a fresh stream per frame; libp2p's own multiplexing amortizes
// the cost over the underlying connection.
func (a *Adapter) Send(ctx context.Context, dest [32]byte, payload []byte) error {
	a.mu.Lock()
	pid, ok := a.nodePeer[dest]
	a.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "peer not connected")
	}
	s, err := a.h.NewStream(ctx, pid, protoFrame)
	if err != nil {
		return cyxchat.WrapError(cyxchat.Network, "open frame stream", err)
	}
	defer s.Close()
	if _, err := s.Write(payload); err != nil {
		return cyxchat.WrapError(cyxchat.Network, "write frame", err)
	}
	return nil
}

func (a *Adapter) SetRecvCallback(fn func(transport.Frame)) {
	a.mu.Lock()
	a.recvCB = fn
	a.mu.Unlock()
}

func (a *Adapter) SetPeerDiscoveredCallback(fn func(transport.PeerDiscovered)) {
	a.mu.Lock()
	a.disCB = fn
	a.mu.Unlock()
}

// NatClass reports NatOpen once any peer has completed a direct (non-relayed)
// connection, NatUnknown before that point. A stricter cone/symmetric split
// would need AutoNAT probing, which this demo adapter doesn't run.
func (a *Adapter) NatClass() transport.NatClass {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.natClass
}

func (a *Adapter) pingLoop(ctx context.Context) {
	p := ping.NewPingService(a.h)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		peers := a.h.Network().Peers()
		for _, pid := range peers {
			ch := p.Ping(ctx, pid)
			select {
			case res := <-ch:
				if res.Error == nil {
					a.mu.Lock()
					a.rtts[pid] = res.RTT
					if a.natClass == transport.NatUnknown {
						a.natClass = transport.NatOpen
					}
					a.mu.Unlock()
				}
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// NearestPeer returns the lowest-RTT connected peer, used by hosts picking
// a relay candidate among already-connected peers.
func (a *Adapter) NearestPeer() (cyxchat.NodeId, time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	type item struct {
		pid peer.ID
		rtt time.Duration
	}
	var arr []item
	for _, pid := range a.h.Network().Peers() {
		arr = append(arr, item{pid, a.rtts[pid]})
	}
	if len(arr) == 0 {
		return cyxchat.NodeId{}, 0, false
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].rtt < arr[j].rtt })
	node, ok := a.peerNode[arr[0].pid]
	if !ok {
		return cyxchat.NodeId{}, 0, false
	}
	return node, arr[0].rtt, true
}

// Host exposes the underlying libp2p host for callers that need raw
// addresses (e.g. for out-of-band bootstrap exchange).
func (a *Adapter) Host() host.Host { return a.h }

func (a *Adapter) Close() error { return a.h.Close() }
