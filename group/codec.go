package group

import (
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/code3hr/cyxchat"
)

func newBlake2bHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// sealGroupKey seals a 32-byte group key for peerPubkey: ephemeral X25519
// exchange, HKDF-derived AEAD key, single-use zero nonce (the derived key
// never repeats). Output: ephemeral_pubkey(32) ‖ ciphertext(32+16).
func sealGroupKey(peerPubkey [32]byte, key [32]byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], peerPubkey[:])
	if err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	sealKey := make([]byte, 32)
	kdf := hkdf.New(newBlake2bHash, shared, nil, []byte("cyxchat-group-key-seal"))
	if _, err := io.ReadFull(kdf, sealKey); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	sealed := aead.Seal(nil, nonce[:], key[:], nil)
	out := make([]byte, 32+len(sealed))
	copy(out, ephPub)
	copy(out[32:], sealed)
	return out, nil
}

// unsealGroupKeyWithSecret opens a sealGroupKey output with the recipient's
// X25519 secret, passed in explicitly by the caller.
func unsealGroupKeyWithSecret(sealed []byte, selfX25519Secret [32]byte) ([32]byte, error) {
	var key [32]byte
	if len(sealed) < 32+16 {
		return key, cyxchat.NewError(cyxchat.Invalid, "sealed group key too short")
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	shared, err := curve25519.X25519(selfX25519Secret[:], ephPub[:])
	if err != nil {
		return key, err
	}
	sealKey := make([]byte, 32)
	kdf := hkdf.New(newBlake2bHash, shared, nil, []byte("cyxchat-group-key-seal"))
	if _, err := io.ReadFull(kdf, sealKey); err != nil {
		return key, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return key, err
	}
	var nonce [12]byte
	plain, err := aead.Open(nil, nonce[:], sealed[32:], nil)
	if err != nil {
		return key, err
	}
	copy(key[:], plain)
	return key, nil
}

// unsealGroupKey is the package-level unsealer that HandleInvite and
// HandleKeyUpdate call; until BindIdentity binds it to the host's X25519
// secret it returns an error.
var unsealGroupKey = func(sealed [48]byte) ([32]byte, error) {
	return [32]byte{}, cyxchat.NewError(cyxchat.Invalid, "unsealGroupKey not bound to an identity")
}

// BindIdentity wires the engine's group-key unsealing to the host's actual
// X25519 secret (the onion layer owns the real secret; cmd/cyxnode calls
// this once at startup).
func BindIdentity(selfX25519Secret [32]byte) {
	unsealGroupKey = func(sealed [48]byte) ([32]byte, error) {
		return unsealGroupKeyWithSecret(sealed[:], selfX25519Secret)
	}
}

func encodeInvite(groupID cyxchat.GroupId, name string, sealed []byte, inviter cyxchat.NodeId) []byte {
	nameB := []byte(name)
	buf := make([]byte, 8+1+len(nameB)+len(sealed)+32)
	n := 0
	copy(buf[n:], groupID[:])
	n += 8
	buf[n] = byte(len(nameB))
	n++
	copy(buf[n:], nameB)
	n += len(nameB)
	copy(buf[n:], sealed)
	n += len(sealed)
	copy(buf[n:], inviter[:])
	n += 32
	return buf[:n]
}

func decodeInvite(b []byte) (groupID cyxchat.GroupId, name string, sealed [48]byte, inviter cyxchat.NodeId, ok bool) {
	if len(b) < 8+1 {
		return
	}
	n := 0
	copy(groupID[:], b[n:n+8])
	n += 8
	nameLen := int(b[n])
	n++
	if len(b) < n+nameLen+48+32 {
		return
	}
	name = string(b[n : n+nameLen])
	n += nameLen
	copy(sealed[:], b[n:n+48])
	n += 48
	copy(inviter[:], b[n:n+32])
	return groupID, name, sealed, inviter, true
}

func encodeKeyUpdate(groupID cyxchat.GroupId, version uint32, sealed []byte) []byte {
	buf := make([]byte, 8+4+len(sealed))
	copy(buf, groupID[:])
	binary.LittleEndian.PutUint32(buf[8:], version)
	copy(buf[12:], sealed)
	return buf
}

func decodeKeyUpdate(b []byte) (groupID cyxchat.GroupId, version uint32, sealed [48]byte, ok bool) {
	if len(b) < 8+4+48 {
		return
	}
	copy(groupID[:], b[:8])
	version = binary.LittleEndian.Uint32(b[8:12])
	copy(sealed[:], b[12:60])
	return groupID, version, sealed, true
}

func encodeGroupText(groupID cyxchat.GroupId, msgID cyxchat.MsgId, version uint32, nonce [24]byte, ciphertext []byte) []byte {
	buf := make([]byte, 8+8+4+24+len(ciphertext))
	n := 0
	copy(buf[n:], groupID[:])
	n += 8
	copy(buf[n:], msgID[:])
	n += 8
	binary.LittleEndian.PutUint32(buf[n:], version)
	n += 4
	copy(buf[n:], nonce[:])
	n += 24
	copy(buf[n:], ciphertext)
	return buf
}

func decodeGroupText(b []byte) (groupID cyxchat.GroupId, msgID cyxchat.MsgId, version uint32, nonce [24]byte, ciphertext []byte, ok bool) {
	if len(b) < 8+8+4+24 {
		return
	}
	n := 0
	copy(groupID[:], b[n:n+8])
	n += 8
	copy(msgID[:], b[n:n+8])
	n += 8
	version = binary.LittleEndian.Uint32(b[n:])
	n += 4
	copy(nonce[:], b[n:n+24])
	n += 24
	ciphertext = b[n:]
	return groupID, msgID, version, nonce, ciphertext, true
}
