// Package simpledht implements transport.DHT as an in-memory key/value
// store plus a locally-known peer table ordered by XOR distance. It does
// not perform real network lookups (there is no overlay RPC layer here);
// FindNode/GetClosest answer from whatever peers the host has fed in via
// AddPeer or Bootstrap, which is enough to drive the File Transfer
// Engine's DHT fallback path (spec.md §4.4 "DHT fallback") end to end in
// a demo deployment.
package simpledht

import (
	"context"
	"math/big"
	"sync"

	"github.com/code3hr/cyxchat"
)

type valueEntry struct {
	data      []byte
	expiresAt int64
}

// Store is a single local DHT node's view of the network.
type Store struct {
	self cyxchat.NodeId

	mu     sync.Mutex
	values map[cyxchat.NodeId]valueEntry
	peers  map[cyxchat.NodeId]struct{}
	nowMs  int64
}

func New(self cyxchat.NodeId) *Store {
	return &Store{
		self:   self,
		values: make(map[cyxchat.NodeId]valueEntry),
		peers:  make(map[cyxchat.NodeId]struct{}),
	}
}

// SetNow advances the store's clock, used to expire Put values past ttl.
func (s *Store) SetNow(nowMs int64) {
	s.mu.Lock()
	s.nowMs = nowMs
	s.mu.Unlock()
}

// AddPeer feeds a known peer into the local routing table; hosts call
// this whenever the connection manager reports a discovered or connected
// peer, since this adapter has no gossip of its own.
func (s *Store) AddPeer(id cyxchat.NodeId) {
	s.mu.Lock()
	s.peers[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) Put(_ context.Context, key [32]byte, value []byte, ttlSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[cyxchat.NodeId(key)] = valueEntry{data: cp, expiresAt: s.nowMs + int64(ttlSeconds)*1000}
	return nil
}

func (s *Store) Get(_ context.Context, key [32]byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[cyxchat.NodeId(key)]
	if !ok {
		return nil, false, nil
	}
	if s.nowMs > v.expiresAt {
		delete(s.values, cyxchat.NodeId(key))
		return nil, false, nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, true, nil
}

func (s *Store) Bootstrap(_ context.Context, seeds [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seed := range seeds {
		s.peers[cyxchat.NodeId(seed)] = struct{}{}
	}
	return nil
}

func (s *Store) FindNode(ctx context.Context, target [32]byte) ([][32]byte, error) {
	return s.GetClosest(ctx, target, len(s.peers))
}

type distItem struct {
	id   cyxchat.NodeId
	dist *big.Int
}

func (s *Store) GetClosest(_ context.Context, target [32]byte, max int) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	targetID := cyxchat.NodeId(target)
	items := make([]distItem, 0, len(s.peers))
	for id := range s.peers {
		items = append(items, distItem{id: id, dist: xorDistance(targetID, id)})
	}
	sortByDistance(items)
	if max <= 0 || max > len(items) {
		max = len(items)
	}
	out := make([][32]byte, 0, max)
	for _, it := range items[:max] {
		out = append(out, [32]byte(it.id))
	}
	return out, nil
}

func xorDistance(a, b cyxchat.NodeId) *big.Int {
	var x [32]byte
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

func sortByDistance(items []distItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].dist.Cmp(items[j-1].dist) < 0; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
