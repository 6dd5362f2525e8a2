// Package group implements the Group Engine (spec.md §4.6): membership,
// role enforcement, symmetric key rotation, and peer-by-peer multicast.
package group

import (
	"context"
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("group")

const (
	maxGroups      = 32
	maxMembers     = 50
)

// Role orders Owner > Admin > Member (spec.md §4.6 "Roles").
type Role int

const (
	Member Role = iota
	Admin
	Owner
)

// Membership is one group member's record.
type Membership struct {
	NodeID   cyxchat.NodeId
	Role     Role
	Pubkey   [32]byte
	JoinedAt int64
}

// Group is one tracked local membership (spec.md §3, cap 32).
type Group struct {
	GroupID     cyxchat.GroupId
	Name        string
	Description string
	Creator     cyxchat.NodeId
	Members     []Membership
	Key         [32]byte
	KeyVersion  uint32
	KeyUpdatedAt int64
	Left        bool
}

func (g *Group) findMember(id cyxchat.NodeId) *Membership {
	for i := range g.Members {
		if g.Members[i].NodeID == id {
			return &g.Members[i]
		}
	}
	return nil
}

// Engine is the Group Engine.
type Engine struct {
	onion transport.Onion
	self  cyxchat.NodeId

	mu     sync.Mutex
	groups map[cyxchat.GroupId]*Group
	nowMs  int64
}

// New builds a Group Engine bound to self's identity and the Onion
// contract used for per-member unicast.
func New(onion transport.Onion, self cyxchat.NodeId) *Engine {
	return &Engine{onion: onion, self: self, groups: make(map[cyxchat.GroupId]*Group)}
}

// Create starts a new group with self as Owner.
func (e *Engine) Create(name, description string) (*Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.groups) >= maxGroups {
		return nil, cyxchat.NewError(cyxchat.Full, "group table full")
	}
	var key [32]byte
	_, _ = rand.Read(key[:])
	g := &Group{
		GroupID: cyxchat.NewGroupId(), Name: name, Description: description, Creator: e.self,
		Members:      []Membership{{NodeID: e.self, Role: Owner, JoinedAt: e.nowMs}},
		Key:          key,
		KeyVersion:   1,
		KeyUpdatedAt: e.nowMs,
	}
	e.groups[g.GroupID] = g
	return g, nil
}

func (e *Engine) group(id cyxchat.GroupId) (*Group, error) {
	g, ok := e.groups[id]
	if !ok {
		return nil, cyxchat.NewError(cyxchat.NotFound, "unknown group")
	}
	return g, nil
}

// Invite seals the current group key for peer_pubkey and sends
// GROUP_INVITE (spec.md §4.6 "Invite").
func (e *Engine) Invite(ctx context.Context, groupID cyxchat.GroupId, peer cyxchat.NodeId, peerPubkey [32]byte) error {
	e.mu.Lock()
	g, err := e.group(groupID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	me := g.findMember(e.self)
	if me == nil || (me.Role != Owner && me.Role != Admin) {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotAdmin, "only owner or admin may invite")
	}
	if len(g.Members) >= maxMembers {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.Full, "group member table full")
	}
	sealed, sealErr := sealGroupKey(peerPubkey, g.Key)
	if sealErr != nil {
		e.mu.Unlock()
		return cyxchat.WrapError(cyxchat.Crypto, "seal group key", sealErr)
	}
	if g.findMember(peer) == nil {
		g.Members = append(g.Members, Membership{NodeID: peer, Role: Member, Pubkey: peerPubkey, JoinedAt: e.nowMs})
	}
	name := g.Name
	e.mu.Unlock()

	body := encodeInvite(groupID, name, sealed, e.self)
	return e.onion.SendTo(ctx, peer, wire.BuildFrame(cyxchat.TypeGroupInvite, 0, cyxchat.MsgId{}, body))
}

// HandleInvite accepts an inbound GROUP_INVITE, joining as Member.
func (e *Engine) HandleInvite(from cyxchat.NodeId, payload []byte) (*Group, error) {
	groupID, name, sealed, inviter, ok := decodeInvite(payload)
	if !ok {
		return nil, cyxchat.NewError(cyxchat.Invalid, "malformed group invite")
	}
	key, err := unsealGroupKey(sealed)
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "unseal group key", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.groups) >= maxGroups {
		return nil, cyxchat.NewError(cyxchat.Full, "group table full")
	}
	g := &Group{
		GroupID: groupID, Name: name, Creator: inviter,
		Members:      []Membership{{NodeID: e.self, Role: Member, JoinedAt: e.nowMs}},
		Key:          key,
		KeyVersion:   1,
		KeyUpdatedAt: e.nowMs,
	}
	e.groups[groupID] = g
	return g, nil
}

func roleAtLeast(m *Membership, min Role) bool { return m != nil && m.Role >= min }

// Kick removes a member, enforcing role policy, and rotates the group key.
func (e *Engine) Kick(ctx context.Context, groupID cyxchat.GroupId, target cyxchat.NodeId) error {
	e.mu.Lock()
	g, err := e.group(groupID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	actor := g.findMember(e.self)
	victim := g.findMember(target)
	if victim == nil {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotFound, "target is not a member")
	}
	if !roleAtLeast(actor, Admin) {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotAdmin, "only owner or admin may kick")
	}
	if victim.Role >= Admin && actor.Role != Owner {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotAdmin, "admins cannot kick admins or the owner")
	}
	e.removeMemberLocked(g, target)
	e.mu.Unlock()
	return e.rotateKeyAndBroadcast(ctx, g)
}

// Leave removes self from the group (disallowed for the Owner, per
// spec.md §4.6, unless ownership was already transferred).
func (e *Engine) Leave(ctx context.Context, groupID cyxchat.GroupId) error {
	e.mu.Lock()
	g, err := e.group(groupID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	me := g.findMember(e.self)
	if me != nil && me.Role == Owner {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.Invalid, "owner must transfer ownership before leaving")
	}
	g.Left = true
	e.removeMemberLocked(g, e.self)
	e.mu.Unlock()
	return e.rotateKeyAndBroadcast(ctx, g)
}

func (e *Engine) removeMemberLocked(g *Group, target cyxchat.NodeId) {
	for i, m := range g.Members {
		if m.NodeID == target {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return
		}
	}
}

// Promote/TransferOwnership enforce spec.md §4.6's Owner-only
// policy for role changes.
func (e *Engine) Promote(groupID cyxchat.GroupId, target cyxchat.NodeId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return err
	}
	actor := g.findMember(e.self)
	if actor == nil || actor.Role != Owner {
		return cyxchat.NewError(cyxchat.NotAdmin, "only the owner may promote")
	}
	m := g.findMember(target)
	if m == nil {
		return cyxchat.NewError(cyxchat.NotFound, "target is not a member")
	}
	m.Role = Admin
	return nil
}

func (e *Engine) TransferOwnership(groupID cyxchat.GroupId, target cyxchat.NodeId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return err
	}
	actor := g.findMember(e.self)
	if actor == nil || actor.Role != Owner {
		return cyxchat.NewError(cyxchat.NotAdmin, "only the owner may transfer ownership")
	}
	m := g.findMember(target)
	if m == nil {
		return cyxchat.NewError(cyxchat.NotFound, "target is not a member")
	}
	actor.Role = Admin
	m.Role = Owner
	return nil
}

// rotateKeyAndBroadcast strictly increments KeyVersion, draws a fresh key,
// and seals+sends it to every remaining member (spec.md §4.6 "Key
// rotation").
func (e *Engine) rotateKeyAndBroadcast(ctx context.Context, g *Group) error {
	e.mu.Lock()
	var newKey [32]byte
	_, _ = rand.Read(newKey[:])
	old := g.Key
	g.Key = newKey
	g.KeyVersion++
	g.KeyUpdatedAt = e.nowMs
	members := append([]Membership(nil), g.Members...)
	groupID := g.GroupID
	version := g.KeyVersion
	e.mu.Unlock()
	cyxchat.Zeroize(old[:])

	var firstErr error
	for _, m := range members {
		if m.NodeID == e.self {
			continue
		}
		sealed, err := sealGroupKey(m.Pubkey, newKey)
		if err != nil {
			firstErr = cyxchat.WrapError(cyxchat.Crypto, "seal rotated key", err)
			continue
		}
		body := encodeKeyUpdate(groupID, version, sealed)
		frame := wire.BuildFrame(cyxchat.TypeGroupKey, 0, cyxchat.MsgId{}, body)
		if err := e.onion.SendTo(ctx, m.NodeID, frame); err != nil {
			log.Printf("key rotation send to %s failed: %v", m.NodeID.Hex(), err)
			firstErr = cyxchat.WrapError(cyxchat.Network, "send key rotation", err)
		}
	}
	return firstErr
}

// SendText encrypts text with the current group key and unicasts it to
// every current member (spec.md §4.6 "Send": "No fan-out tree").
func (e *Engine) SendText(ctx context.Context, groupID cyxchat.GroupId, text string) (cyxchat.MsgId, error) {
	e.mu.Lock()
	g, err := e.group(groupID)
	if err != nil {
		e.mu.Unlock()
		return cyxchat.MsgId{}, err
	}
	key := g.Key
	version := g.KeyVersion
	members := append([]Membership(nil), g.Members...)
	e.mu.Unlock()

	msgID := cyxchat.NewMsgId()
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return msgID, cyxchat.WrapError(cyxchat.Crypto, "init group aead", err)
	}
	var nonce [24]byte
	_, _ = rand.Read(nonce[:])
	ciphertext := aead.Seal(nil, nonce[:], []byte(text), nil)

	body := encodeGroupText(groupID, msgID, version, nonce, ciphertext)
	frame := wire.BuildFrame(cyxchat.TypeGroupText, 0, msgID, body)
	var firstErr error
	for _, m := range members {
		if m.NodeID == e.self {
			continue
		}
		if err := e.onion.SendTo(ctx, m.NodeID, frame); err != nil {
			log.Printf("group text send to %s failed: %v", m.NodeID.Hex(), err)
			firstErr = cyxchat.WrapError(cyxchat.Network, "send group text", err)
		}
	}
	return msgID, firstErr
}

// HandleText decrypts an inbound GROUP_TEXT frame. A newer key_version than
// ours is only a drop if we have no way to obtain the new key; here we
// simply report the mismatch so a host can trigger a re-sync.
func (e *Engine) HandleText(groupID cyxchat.GroupId, version uint32, nonce [24]byte, ciphertext []byte) (string, error) {
	e.mu.Lock()
	g, err := e.group(groupID)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	key := g.Key
	ourVersion := g.KeyVersion
	e.mu.Unlock()
	if version > ourVersion {
		return "", cyxchat.NewError(cyxchat.Invalid, "message key_version ahead of local group key")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", cyxchat.WrapError(cyxchat.Crypto, "init group aead", err)
	}
	plain, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return "", cyxchat.WrapError(cyxchat.Crypto, "decrypt group text", err)
	}
	return string(plain), nil
}

// HandleKeyUpdate applies a rotated group key sealed for us.
func (e *Engine) HandleKeyUpdate(groupID cyxchat.GroupId, version uint32, sealed [48]byte) error {
	key, err := unsealGroupKey(sealed)
	if err != nil {
		return cyxchat.WrapError(cyxchat.Crypto, "unseal rotated key", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return err
	}
	if version <= g.KeyVersion {
		return nil // stale update, ignore
	}
	cyxchat.Zeroize(g.Key[:])
	g.Key = key
	g.KeyVersion = version
	g.KeyUpdatedAt = e.nowMs
	return nil
}

// Poll advances the engine's clock; group membership has no timers of its
// own beyond what rotation/invite already drive synchronously.
func (e *Engine) Poll(nowMs int64) {
	e.mu.Lock()
	e.nowMs = nowMs
	e.mu.Unlock()
}

// HandleCleartext dispatches an inbound onion-delivered frame by its wire
// type, mirroring file.Engine's combined HandleCleartext multiplexer so a
// host can route every group-range type through a single call without
// reaching into this package's unexported codecs.
func (e *Engine) HandleCleartext(from cyxchat.NodeId, typ byte, payload []byte) {
	switch typ {
	case cyxchat.TypeGroupInvite:
		if _, err := e.HandleInvite(from, payload); err != nil {
			log.Printf("group invite from %s rejected: %v", from.Hex(), err)
		}
	case cyxchat.TypeGroupText:
		groupID, _, version, nonce, ciphertext, ok := decodeGroupText(payload)
		if !ok {
			return
		}
		if _, err := e.HandleText(groupID, version, nonce, ciphertext); err != nil {
			log.Printf("group text from %s undecryptable: %v", from.Hex(), err)
		}
	case cyxchat.TypeGroupKey:
		groupID, version, sealed, ok := decodeKeyUpdate(payload)
		if !ok {
			return
		}
		if err := e.HandleKeyUpdate(groupID, version, sealed); err != nil {
			log.Printf("group key update from %s failed: %v", from.Hex(), err)
		}
	}
}
