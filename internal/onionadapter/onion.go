// Package onionadapter implements transport.Onion as a small forward-secret
// mix circuit: each SendTo wraps the cleartext in one or two X25519+AEAD
// layers (a single furthest-by-XOR-distance relay, when one is known, else
// a direct layer to dest) and the innermost layer carries the origin NodeId
// so the final hop's callback can still attribute the message.
package onionadapter

import (
	"context"
	"crypto/rand"
	"hash"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("onionadapter")

const maxHops = 2 // one relay + the final hop; spec.md's DOMAIN STACK calls for a real mixnet, not just E2E

// Adapter implements transport.Onion over a transport.Transport, using
// per-peer X25519 keys learned via AddPeerKey.
type Adapter struct {
	t    transport.Transport
	self cyxchat.NodeId
	priv [32]byte
	pub  [32]byte

	mu       sync.Mutex
	peerKeys map[cyxchat.NodeId][32]byte
	cb       func(source [32]byte, cleartext []byte)
}

// New generates a fresh X25519 identity bound to t; it installs no receive
// hook on t. t's
// SetRecvCallback slot is owned by the connection manager; callers should
// route TypeOnionRelay frames to HandleFrame via connection.Manager's
// SetRawCallback.
func New(t transport.Transport, self cyxchat.NodeId) (*Adapter, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "generate onion identity", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "derive onion pubkey", err)
	}
	a := &Adapter{t: t, self: self, peerKeys: make(map[cyxchat.NodeId][32]byte)}
	copy(a.priv[:], priv[:])
	copy(a.pub[:], pub)
	return a, nil
}

func (a *Adapter) GetPubkey() [32]byte { return a.pub }

// PrivateKey exposes the adapter's own X25519 secret so a host can bind
// package-level unsealers (group.BindIdentity) to the same key peers seal
// against via GetPubkey.
func (a *Adapter) PrivateKey() [32]byte { return a.priv }

func (a *Adapter) AddPeerKey(peer [32]byte, pubkey [32]byte) {
	a.mu.Lock()
	a.peerKeys[cyxchat.NodeId(peer)] = pubkey
	a.mu.Unlock()
}

func (a *Adapter) SetCallback(fn func(source [32]byte, cleartext []byte)) {
	a.mu.Lock()
	a.cb = fn
	a.mu.Unlock()
}

func newBlake2bHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

func sealLayer(peerPub [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(newBlake2bHash, shared, nil, []byte("cyxchat-onion-layer"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := readFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, 32+len(nonce)+len(ct))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func openLayer(selfPriv [32]byte, packet []byte) ([]byte, error) {
	if len(packet) < 32+chacha20poly1305.NonceSizeX {
		return nil, cyxchat.NewError(cyxchat.Invalid, "onion packet too short")
	}
	ephPub := packet[:32]
	nonce := packet[32 : 32+chacha20poly1305.NonceSizeX]
	ct := packet[32+chacha20poly1305.NonceSizeX:]
	shared, err := curve25519.X25519(selfPriv[:], ephPub)
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(newBlake2bHash, shared, nil, []byte("cyxchat-onion-layer"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := readFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "open onion layer", err)
	}
	return pt, nil
}

// readFull avoids importing io solely for this one call's error text;
// hkdf readers never return short reads for a fixed key length.
func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// layer wire shape: nextNodeId[32] || ttl[1] || body. nextNodeId is the
// zero NodeId at the final hop, where body is origin[32] || cleartext.
func encodeLayer(next cyxchat.NodeId, ttl byte, body []byte) []byte {
	buf := make([]byte, 32+1+len(body))
	copy(buf[:32], next[:])
	buf[32] = ttl
	copy(buf[33:], body)
	return buf
}

func decodeLayer(b []byte) (next cyxchat.NodeId, ttl byte, body []byte, ok bool) {
	if len(b) < 33 {
		return next, 0, nil, false
	}
	copy(next[:], b[:32])
	ttl = b[32]
	body = b[33:]
	return next, ttl, body, true
}

func xorDistance(a, b cyxchat.NodeId) *big.Int {
	var x [32]byte
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

// chooseRelay picks the candidate furthest (by XOR distance) from self,
// excluding dest, to serve as the single mixing relay for this circuit.
func (a *Adapter) chooseRelay(dest cyxchat.NodeId) (cyxchat.NodeId, [32]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var best cyxchat.NodeId
	var bestPub [32]byte
	var bestDist *big.Int
	for id, pub := range a.peerKeys {
		if id == dest || id == a.self {
			continue
		}
		d := xorDistance(a.self, id)
		if bestDist == nil || d.Cmp(bestDist) > 0 {
			bestDist = d
			best = id
			bestPub = pub
		}
	}
	return best, bestPub, bestDist != nil
}

// SendTo builds a 1- or 2-layer onion packet and sends it to the first hop.
func (a *Adapter) SendTo(ctx context.Context, dest [32]byte, payload []byte) error {
	destID := cyxchat.NodeId(dest)
	a.mu.Lock()
	destPub, known := a.peerKeys[destID]
	a.mu.Unlock()
	if !known {
		return cyxchat.NewError(cyxchat.NotFound, "no onion key for destination")
	}

	origin := a.self
	finalBody := make([]byte, 0, 32+len(payload))
	finalBody = append(finalBody, origin[:]...)
	finalBody = append(finalBody, payload...)
	finalLayer := encodeLayer(cyxchat.NodeId{}, 1, finalBody)
	sealedFinal, err := sealLayer(destPub, finalLayer)
	if err != nil {
		return cyxchat.WrapError(cyxchat.Crypto, "seal onion final layer", err)
	}

	firstHop := destID
	outer := sealedFinal
	if relay, relayPub, ok := a.chooseRelay(destID); ok {
		relayLayer := encodeLayer(destID, byte(maxHops-1), sealedFinal)
		sealedOuter, err := sealLayer(relayPub, relayLayer)
		if err != nil {
			return cyxchat.WrapError(cyxchat.Crypto, "seal onion relay layer", err)
		}
		firstHop = relay
		outer = sealedOuter
	}

	frame := append([]byte{cyxchat.TypeOnionRelay}, outer...)
	return a.t.Send(ctx, firstHop, frame)
}

// HandleFrame processes an inbound TypeOnionRelay frame: peel one layer
// and either deliver the cleartext locally or forward the still-sealed
// inner packet to the next hop. Wire hosts should route frames whose first
// byte is cyxchat.TypeOnionRelay here (e.g. via connection.Manager's
// SetRawCallback).
func (a *Adapter) HandleFrame(ctx context.Context, payload []byte) {
	if len(payload) < 1 || payload[0] != cyxchat.TypeOnionRelay {
		return
	}
	plain, err := openLayer(a.priv, payload[1:])
	if err != nil {
		log.Printf("drop onion layer: %v", err)
		return
	}
	next, ttl, body, ok := decodeLayer(plain)
	if !ok {
		return
	}
	if next.IsZero() {
		if len(body) < 32 {
			return
		}
		var origin cyxchat.NodeId
		copy(origin[:], body[:32])
		cleartext := body[32:]
		a.mu.Lock()
		cb := a.cb
		a.mu.Unlock()
		if cb != nil {
			cb([32]byte(origin), cleartext)
		}
		return
	}
	if ttl == 0 {
		log.Printf("onion ttl exhausted before reaching %s", next.Hex())
		return
	}
	forward := append([]byte{cyxchat.TypeOnionRelay}, body...)
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.t.Send(sctx, next, forward); err != nil {
		log.Printf("onion forward to %s failed: %v", next.Hex(), err)
	}
}

