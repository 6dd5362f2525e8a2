// Package dns implements the DNS gossip naming engine (spec.md §4.5):
// name registration, signed gossip propagation with a hop cap, iterative
// lookup with a query-id/timeout, an LRU cache, and local-only petnames.
package dns

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("dns")

const (
	cacheCap       = 128
	petnameCap     = 256
	defaultTTLSecs = 3600
	refreshEveryMs = 1800_000
	maxHops        = 3
	lookupTimeoutMs = 5_000
)

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,61}[A-Za-z0-9]$|^[A-Za-z][A-Za-z0-9]$`)

// NormalizeName lowercases a name and strips an optional ".cyx" suffix
// (spec.md §4.5 "Name rules").
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = strings.TrimSuffix(n, ".cyx")
	return n
}

// ValidateName enforces spec.md's character/length/underscore rules on an
// already-normalized name.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return cyxchat.NewError(cyxchat.Invalid, "name length must be 3..63")
	}
	if strings.Contains(name, "__") {
		return cyxchat.NewError(cyxchat.Invalid, "name must not contain consecutive underscores")
	}
	if strings.HasSuffix(name, "_") {
		return cyxchat.NewError(cyxchat.Invalid, "name must not end with an underscore")
	}
	for i, r := range name {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if !alnum {
			return cyxchat.NewError(cyxchat.Invalid, "name contains an invalid character")
		}
		if i == 0 && !((r >= 'a' && r <= 'z')) {
			return cyxchat.NewError(cyxchat.Invalid, "name must start with a letter")
		}
	}
	return nil
}

var base32Alphabet = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CryptoName derives the self-certifying 8-character name for a public key
// (spec.md §4.5 "Crypto-names").
func CryptoName(pubkey [32]byte) string {
	h := blake2b.Sum256(pubkey[:])
	return base32Alphabet.EncodeToString(h[:5])
}

// Record is a cached name -> (NodeId, pubkey) binding (spec.md §3
// "DnsRecord").
type Record struct {
	Name      string
	NodeID    cyxchat.NodeId
	Pubkey    [32]byte
	Signature [64]byte
	Timestamp int64 // unix ms
	TTL       int   // seconds; 0 = tombstone
	StunAddr  string

	cachedAt int64
	hops     int
}

func (r *Record) signedMessage() []byte {
	buf := make([]byte, len(r.Name)+32+8)
	n := copy(buf, r.Name)
	copy(buf[n:], r.Pubkey[:])
	binary.BigEndian.PutUint64(buf[n+32:], uint64(r.Timestamp))
	return buf
}

func (r *Record) verify() bool {
	return ed25519.Verify(r.Pubkey[:], r.signedMessage(), r.Signature[:])
}

type pendingLookup struct {
	queryID byte
	name    string
	startMs int64
	cb      func(rec *Record)
}

// Engine is the DNS gossip engine.
type Engine struct {
	transport transport.Transport
	self      cyxchat.NodeId
	secret    ed25519.PrivateKey
	pubkey    [32]byte

	mu          sync.Mutex
	cache       map[string]*Record
	cacheOrder  []string // LRU: front = least recently used
	registered  map[string]int64 // name -> last_registered_at, for 1800s refresh
	petnames    map[cyxchat.NodeId]string
	pending     map[byte]*pendingLookup
	knownKeys   map[string]cyxchat.NodeId // crypto_name -> NodeId, for locally-derived resolution
	nextQueryID byte
	nowMs       int64
}

// New builds a DNS engine bound to self's Ed25519 signing key and the raw
// Transport (DNS gossip frames are broadcast at the connection layer, not
// onion-wrapped, since names are public by design).
func New(t transport.Transport, self cyxchat.NodeId, secret ed25519.PrivateKey) *Engine {
	var pub [32]byte
	copy(pub[:], secret.Public().(ed25519.PublicKey))
	return &Engine{
		transport:  t,
		self:       self,
		secret:     secret,
		pubkey:     pub,
		cache:      make(map[string]*Record),
		registered: make(map[string]int64),
		petnames:   make(map[cyxchat.NodeId]string),
		pending:    make(map[byte]*pendingLookup),
		knownKeys:  make(map[string]cyxchat.NodeId),
	}
}

// ObserveKey records a (NodeId, pubkey) pair so a later crypto-name lookup
// for that key can resolve without a network round-trip. Hosts call this
// whenever a peer's pubkey becomes known (e.g. on Announce).
func (e *Engine) ObserveKey(id cyxchat.NodeId, pubkey [32]byte) {
	name := CryptoName(pubkey)
	e.mu.Lock()
	e.knownKeys[name] = id
	e.mu.Unlock()
}

// Register signs and broadcasts a new name binding, installing it in the
// local cache immediately (spec.md §4.5 "Register").
func (e *Engine) Register(ctx context.Context, name string, peers []cyxchat.NodeId) (*Record, error) {
	norm := NormalizeName(name)
	if err := ValidateName(norm); err != nil {
		return nil, err
	}
	rec := &Record{Name: norm, NodeID: e.self, Pubkey: e.pubkey, Timestamp: e.nowMs, TTL: defaultTTLSecs}
	sig := ed25519.Sign(e.secret, rec.signedMessage())
	copy(rec.Signature[:], sig)

	e.mu.Lock()
	e.insertCacheLocked(rec)
	e.registered[norm] = e.nowMs
	e.mu.Unlock()

	e.broadcastRegister(ctx, rec, 0, peers)
	return rec, nil
}

// Unregister re-signs the name with ttl=0 (a tombstone) and re-broadcasts.
func (e *Engine) Unregister(ctx context.Context, name string, peers []cyxchat.NodeId) error {
	norm := NormalizeName(name)
	rec := &Record{Name: norm, NodeID: e.self, Pubkey: e.pubkey, Timestamp: e.nowMs, TTL: 0}
	sig := ed25519.Sign(e.secret, rec.signedMessage())
	copy(rec.Signature[:], sig)

	e.mu.Lock()
	e.insertCacheLocked(rec)
	delete(e.registered, norm)
	e.mu.Unlock()
	e.broadcastRegister(ctx, rec, 0, peers)
	return nil
}

func (e *Engine) broadcastRegister(ctx context.Context, rec *Record, hops int, peers []cyxchat.NodeId) {
	buf := encodeRegister(rec, hops)
	for _, p := range peers {
		if err := e.transport.Send(ctx, p, buf); err != nil {
			log.Printf("dns register broadcast to %s failed: %v", p.Hex(), err)
		}
	}
}

// insertCacheLocked installs rec per the strict-timestamp-monotonic rule
// (spec.md §4.5 step 2), evicting LRU on overflow.
func (e *Engine) insertCacheLocked(rec *Record) bool {
	existing, ok := e.cache[rec.Name]
	if ok && existing.Timestamp >= rec.Timestamp {
		return false // strict: equal timestamps do not replace
	}
	rec.cachedAt = e.nowMs
	if !ok {
		if len(e.cache) >= cacheCap {
			oldest := e.cacheOrder[0]
			e.cacheOrder = e.cacheOrder[1:]
			delete(e.cache, oldest)
		}
		e.cacheOrder = append(e.cacheOrder, rec.Name)
	}
	e.cache[rec.Name] = rec
	return true
}

// HandleRegister processes an inbound DNS_REGISTER gossip frame, verifying,
// conditionally replacing the cached record, and re-broadcasting under the
// hop cap (spec.md §4.5 "Gossip propagation").
func (e *Engine) HandleRegister(ctx context.Context, payload []byte, peers []cyxchat.NodeId) {
	rec, hops, ok := decodeRegister(payload)
	if !ok || !rec.verify() {
		return // signature failure or malformed frame: dropped silently
	}
	e.mu.Lock()
	accepted := e.insertCacheLocked(rec)
	e.mu.Unlock()
	if !accepted {
		return
	}
	if hops+1 <= maxHops {
		e.broadcastRegister(ctx, rec, hops+1, peers)
	}
}

// Lookup resolves name: crypto-names of keys recorded via ObserveKey
// resolve locally with no network query (other crypto-names are queried
// like any name); cached non-expired records return immediately; otherwise a
// pending query is armed with a 5s timeout (spec.md §4.5 "Lookup").
func (e *Engine) Lookup(ctx context.Context, name string, peers []cyxchat.NodeId, cb func(rec *Record)) {
	norm := NormalizeName(name)
	e.mu.Lock()
	if id, ok := e.knownKeys[norm]; ok {
		e.mu.Unlock()
		cb(&Record{Name: norm, NodeID: id, TTL: -1}) // TTL<0 denotes "infinite" here
		return
	}
	if rec, ok := e.cache[norm]; ok && !e.expiredLocked(rec) {
		for i, n := range e.cacheOrder {
			if n == norm {
				e.cacheOrder = append(e.cacheOrder[:i], e.cacheOrder[i+1:]...)
				e.cacheOrder = append(e.cacheOrder, norm)
				break
			}
		}
		e.mu.Unlock()
		cb(rec)
		return
	}
	qid := e.nextQueryID
	e.nextQueryID++
	e.pending[qid] = &pendingLookup{queryID: qid, name: norm, startMs: e.nowMs, cb: cb}
	e.mu.Unlock()

	buf := encodeLookup(qid, norm)
	for _, p := range peers {
		if err := e.transport.Send(ctx, p, buf); err != nil {
			log.Printf("dns lookup broadcast to %s failed: %v", p.Hex(), err)
		}
	}
}

func (e *Engine) expiredLocked(rec *Record) bool {
	if rec.TTL <= 0 {
		return rec.TTL == 0 // tombstones never resolve; TTL<0 handled before this path
	}
	return e.nowMs-rec.cachedAt > int64(rec.TTL)*1000
}

// HandleLookup answers an inbound DNS_LOOKUP from our cache (direct
// response, no further gossip).
func (e *Engine) HandleLookup(ctx context.Context, from cyxchat.NodeId, payload []byte) {
	qid, name, ok := decodeLookup(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	rec, found := e.cache[name]
	if found && e.expiredLocked(rec) {
		found = false
	}
	e.mu.Unlock()
	resp := encodeResponse(qid, found, rec)
	if err := e.transport.Send(ctx, from, resp); err != nil {
		log.Printf("dns response send to %s failed: %v", from.Hex(), err)
	}
}

// HandleResponse matches a DNS_RESPONSE to its pending lookup slot.
func (e *Engine) HandleResponse(payload []byte) {
	qid, found, rec, ok := decodeResponse(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	pl, exists := e.pending[qid]
	if exists {
		delete(e.pending, qid)
	}
	e.mu.Unlock()
	if !exists {
		return
	}
	if found && rec != nil && rec.verify() {
		e.mu.Lock()
		e.insertCacheLocked(rec)
		e.mu.Unlock()
		pl.cb(rec)
		return
	}
	pl.cb(nil)
}

// Poll times out stale pending lookups and re-broadcasts live registrations
// every 1800s (spec.md §4.5 "Refresh").
func (e *Engine) Poll(ctx context.Context, nowMs int64, peers []cyxchat.NodeId) {
	e.mu.Lock()
	e.nowMs = nowMs
	var timedOut []*pendingLookup
	for qid, pl := range e.pending {
		if nowMs-pl.startMs >= lookupTimeoutMs {
			timedOut = append(timedOut, pl)
			delete(e.pending, qid)
		}
	}
	var toRefresh []string
	for name, lastAt := range e.registered {
		if nowMs-lastAt >= refreshEveryMs {
			toRefresh = append(toRefresh, name)
			e.registered[name] = nowMs
		}
	}
	e.mu.Unlock()

	for _, pl := range timedOut {
		pl.cb(nil)
	}
	for _, name := range toRefresh {
		if _, err := e.Register(ctx, name, peers); err != nil {
			log.Printf("dns refresh of %q failed: %v", name, err)
		}
	}
}

// --- Petnames (spec.md §4.5 "Petnames": local only, cap 256) ---

func (e *Engine) SetPetname(id cyxchat.NodeId, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.petnames[id]; !exists && len(e.petnames) >= petnameCap {
		return cyxchat.NewError(cyxchat.Full, "petname table full")
	}
	e.petnames[id] = name
	return nil
}

func (e *Engine) ResolvePetname(name string) (cyxchat.NodeId, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, n := range e.petnames {
		if n == name {
			return id, true
		}
	}
	return cyxchat.NodeId{}, false
}

// HandleRawFrame dispatches an inbound raw Transport frame already
// classified as DNS-range traffic (0xD0-0xD6) by the caller. Update/
// update-ack/announce (0xD4-0xD6) have no gossip semantics beyond what
// Register already covers and are ignored.
func (e *Engine) HandleRawFrame(ctx context.Context, from cyxchat.NodeId, payload []byte, peers []cyxchat.NodeId) {
	if len(payload) < 1 {
		return
	}
	switch payload[0] {
	case cyxchat.TypeDnsRegister:
		e.HandleRegister(ctx, payload, peers)
	case cyxchat.TypeDnsLookup:
		e.HandleLookup(ctx, from, payload)
	case cyxchat.TypeDnsResponse:
		e.HandleResponse(payload)
	}
}
