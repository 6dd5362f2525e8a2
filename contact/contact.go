// Package contact implements a local contact book (supplemented from
// original_source/lib/src/contact.c, not present in spec.md's distilled
// core): petnames, trust/blocked flags, safety numbers, and the
// cyxchat://add/ sharing URI.
package contact

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/code3hr/cyxchat"
)

const maxContacts = 512

// Contact is one entry in the local contact book.
type Contact struct {
	NodeID   cyxchat.NodeId
	Pubkey   [32]byte
	Petname  string
	Trusted  bool
	Blocked  bool
	AddedAt  int64
}

// Book is the local contact store.
type Book struct {
	selfID     cyxchat.NodeId
	selfPubkey [32]byte

	mu       sync.Mutex
	contacts map[cyxchat.NodeId]*Contact
	nowMs    int64
}

// New builds a Book for the local identity (needed to compute safety
// numbers, which mix both parties' keys).
func New(selfID cyxchat.NodeId, selfPubkey [32]byte) *Book {
	return &Book{selfID: selfID, selfPubkey: selfPubkey, contacts: make(map[cyxchat.NodeId]*Contact)}
}

func (b *Book) SetNow(nowMs int64) { b.mu.Lock(); b.nowMs = nowMs; b.mu.Unlock() }

// SelfID returns the local identity the book was built for.
func (b *Book) SelfID() cyxchat.NodeId { return b.selfID }

// Add inserts or updates a contact entry.
func (b *Book) Add(id cyxchat.NodeId, pubkey [32]byte, petname string) (*Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, exists := b.contacts[id]; exists {
		c.Pubkey = pubkey
		if petname != "" {
			c.Petname = petname
		}
		return c, nil
	}
	if len(b.contacts) >= maxContacts {
		return nil, cyxchat.NewError(cyxchat.Full, "contact book full")
	}
	c := &Contact{NodeID: id, Pubkey: pubkey, Petname: petname, AddedAt: b.nowMs}
	b.contacts[id] = c
	return c, nil
}

func (b *Book) Get(id cyxchat.NodeId) (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

// SetPetname renames a contact; the petname is local-only, never gossiped.
func (b *Book) SetPetname(id cyxchat.NodeId, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown contact")
	}
	c.Petname = name
	return nil
}

// ResolvePetname is a linear scan over the book, mirroring the DNS
// engine's petname resolution (spec.md §4.5 "Petnames").
func (b *Book) ResolvePetname(name string) (cyxchat.NodeId, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.contacts {
		if c.Petname == name {
			return id, true
		}
	}
	return cyxchat.NodeId{}, false
}

// SafetyNumberWith computes the safety number between self and a known
// contact.
func (b *Book) SafetyNumberWith(id cyxchat.NodeId) (string, error) {
	b.mu.Lock()
	c, ok := b.contacts[id]
	self := b.selfPubkey
	b.mu.Unlock()
	if !ok {
		return "", cyxchat.NewError(cyxchat.NotFound, "unknown contact")
	}
	return SafetyNumber(self, c.Pubkey), nil
}

// Trust marks a contact as verified (e.g. after an out-of-band safety
// number comparison).
func (b *Book) Trust(id cyxchat.NodeId, trusted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown contact")
	}
	c.Trusted = trusted
	return nil
}

// Block/Unblock/IsBlocked set, clear and report a per-contact block flag
// (§7 "Blocked" error kind); the chat and mail send paths do not consult it.
func (b *Book) Block(id cyxchat.NodeId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	if !ok {
		c = &Contact{NodeID: id, AddedAt: b.nowMs}
		b.contacts[id] = c
	}
	c.Blocked = true
	return nil
}

func (b *Book) Unblock(id cyxchat.NodeId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown contact")
	}
	c.Blocked = false
	return nil
}

func (b *Book) IsBlocked(id cyxchat.NodeId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contacts[id]
	return ok && c.Blocked
}

// SafetyNumber derives a short authentication string from both parties'
// long-term X25519 public keys, sorted so both sides compute the identical
// value (spec.md §8 property 9 "safety number symmetry").
func SafetyNumber(a, b [32]byte) string {
	first, second := a, b
	if compareBytes(first[:], second[:]) > 0 {
		first, second = second, first
	}
	h, _ := blake2b.New256(nil)
	h.Write(first[:])
	h.Write(second[:])
	sum := h.Sum(nil)

	var groups []string
	for i := 0; i < 6; i++ {
		v := uint32(sum[i*2])<<8 | uint32(sum[i*2+1])
		groups = append(groups, fmt.Sprintf("%05d", v%100000))
	}
	return strings.Join(groups, " ")
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// GenerateQR renders the cyxchat://add/ sharing URI (spec.md §6
// "Contact-sharing URI").
func GenerateQR(id cyxchat.NodeId, pubkey [32]byte) string {
	return fmt.Sprintf("cyxchat://add/%s/%s", hex.EncodeToString(id[:]), hex.EncodeToString(pubkey[:]))
}

// ParseQR is GenerateQR's inverse (spec.md §8 property 8 "QR round-trip").
func ParseQR(uri string) (cyxchat.NodeId, [32]byte, error) {
	var id cyxchat.NodeId
	var pub [32]byte
	const prefix = "cyxchat://add/"
	if !strings.HasPrefix(uri, prefix) {
		return id, pub, cyxchat.NewError(cyxchat.Invalid, "not a cyxchat contact URI")
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return id, pub, cyxchat.NewError(cyxchat.Invalid, "malformed cyxchat contact URI")
	}
	idBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(idBytes) != 32 {
		return id, pub, cyxchat.NewError(cyxchat.Invalid, "malformed nodeid in contact URI")
	}
	pubBytes, err := hex.DecodeString(parts[1])
	if err != nil || len(pubBytes) != 32 {
		return id, pub, cyxchat.NewError(cyxchat.Invalid, "malformed pubkey in contact URI")
	}
	copy(id[:], idBytes)
	copy(pub[:], pubBytes)
	return id, pub, nil
}

// ListTrusted returns trusted contacts sorted by petname, for stable UI
// listing.
func (b *Book) ListTrusted() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Contact
	for _, c := range b.contacts {
		if c.Trusted {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Petname < out[j].Petname })
	return out
}
