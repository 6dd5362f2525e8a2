// Package transport declares the external collaborator contracts consumed
// by the core (spec.md §6): the datagram Transport, the Onion circuit
// layer, and the Kademlia-style DHT. Concrete implementations live outside
// this module's scope except for the demo adapters under internal/, which
// exist to give the cmd/cyxnode binary something real to run against.
package transport

import "context"

// NatClass mirrors the Transport's reported NAT classification.
type NatClass int

const (
	NatUnknown NatClass = iota
	NatOpen
	NatCone
	NatSymmetric
	NatBlocked
)

// Frame is an inbound datagram-like delivery: the sender's NodeId (as
// raw bytes, 32-byte) and the frame payload.
type Frame struct {
	From    [32]byte
	Payload []byte
}

// PeerDiscovered is fired by the Transport when it learns of a new peer,
// e.g. via mDNS, bootstrap, or a DHT callback.
type PeerDiscovered struct {
	Peer [32]byte
	RSSI int
}

// Transport is the non-blocking datagram contract the core consumes.
// Sends either succeed, fail, or are queued; inbound frames are delivered
// through the callback installed by SetRecvCallback.
type Transport interface {
	Send(ctx context.Context, dest [32]byte, payload []byte) error
	SetRecvCallback(fn func(Frame))
	SetPeerDiscoveredCallback(fn func(PeerDiscovered))
	NatClass() NatClass
}

// Onion is the forward-secret circuit layer the core consumes. SendTo
// delivers payload end-to-end encrypted through onion circuits; the core
// never sees ciphertext for its own traffic.
type Onion interface {
	SendTo(ctx context.Context, dest [32]byte, payload []byte) error
	SetCallback(fn func(source [32]byte, cleartext []byte))
	GetPubkey() [32]byte
	AddPeerKey(peer [32]byte, pubkey [32]byte)
}

// DHT is the Kademlia-style key/value store and routing table the core
// consumes for file-transfer DHT delivery (spec.md §4.4) and any future
// discovery fallback.
type DHT interface {
	Put(ctx context.Context, key [32]byte, value []byte, ttlSeconds int) error
	Get(ctx context.Context, key [32]byte) ([]byte, bool, error)
	Bootstrap(ctx context.Context, seeds [][32]byte) error
	FindNode(ctx context.Context, target [32]byte) ([][32]byte, error)
	GetClosest(ctx context.Context, target [32]byte, max int) ([][32]byte, error)
}
