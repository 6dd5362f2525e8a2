package file

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

func cryptoRandRead(b []byte) (int, error) {
	return rand.Read(b)
}

func newBlake2bHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// deriveSealKey runs a static-static X25519 exchange between selfSecret and
// peerPubkey and derives a per-transfer AEAD key from it, salted with
// fileID so the same two peers never reuse a key across transfers.
func deriveSealKey(selfSecret [32]byte, peerPubkey [32]byte, fileID cyxchat.FileId) ([]byte, error) {
	shared, err := curve25519.X25519(selfSecret[:], peerPubkey[:])
	if err != nil {
		return nil, err
	}
	sealKey := make([]byte, 32)
	kdf := hkdf.New(newBlake2bHash, shared, fileID[:], []byte("cyxchat-file-key-seal"))
	if _, err := io.ReadFull(kdf, sealKey); err != nil {
		return nil, err
	}
	return sealKey, nil
}

// sealKeyFor seals a 32-byte file key for peerPubkey. The wire budget for
// encrypted_key is exactly 48 bytes (spec.md §3) — ciphertext(32) plus a
// Poly1305 tag(16), with no room left for an ephemeral public key — so the
// exchange is static-static (both identities are already known to each
// other) rather than ephemeral, with the fileID as HKDF salt standing in
// for a nonce: each (peer, file) pair derives a fresh, single-use key, so
// the zero AEAD nonce below never repeats under the same key.
func sealKeyFor(selfSecret [32]byte, peerPubkey [32]byte, fileID cyxchat.FileId, key [32]byte) ([48]byte, error) {
	var out [48]byte
	sealKey, err := deriveSealKey(selfSecret, peerPubkey, fileID)
	if err != nil {
		return out, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return out, err
	}
	var nonce [12]byte
	sealed := aead.Seal(nil, nonce[:], key[:], nil)
	copy(out[:], sealed)
	return out, nil
}

// unsealKeyFor reverses sealKeyFor: selfSecret is the caller's own X25519
// secret, peerPubkey is the sealer's (the offer's Sender) public key.
func unsealKeyFor(selfSecret [32]byte, peerPubkey [32]byte, fileID cyxchat.FileId, sealed [48]byte) ([32]byte, error) {
	var key [32]byte
	sealKey, err := deriveSealKey(selfSecret, peerPubkey, fileID)
	if err != nil {
		return key, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return key, err
	}
	var nonce [12]byte
	plain, err := aead.Open(nil, nonce[:], sealed[:], nil)
	if err != nil {
		return key, err
	}
	copy(key[:], plain)
	return key, nil
}

// encodeOffer serializes Meta as the FILE_OFFER/FILE_META wire payload.
// The file key itself never travels in cleartext: only the sealed form
// does, and the recipient unseals it locally (see unsealKeyFor).
func encodeOffer(m Meta) []byte {
	nameB := []byte(m.Filename)
	mimeB := []byte(m.Mime)
	buf := make([]byte, 8+32+1+len(nameB)+1+len(mimeB)+8+4+24+32+48)
	n := 0
	copy(buf[n:], m.FileID[:])
	n += 8
	copy(buf[n:], m.Sender[:])
	n += 32
	buf[n] = byte(len(nameB))
	n++
	copy(buf[n:], nameB)
	n += len(nameB)
	buf[n] = byte(len(mimeB))
	n++
	copy(buf[n:], mimeB)
	n += len(mimeB)
	binary.LittleEndian.PutUint64(buf[n:], m.Size)
	n += 8
	binary.LittleEndian.PutUint32(buf[n:], m.ChunkCount)
	n += 4
	copy(buf[n:], m.Nonce[:])
	n += 24
	copy(buf[n:], m.FileHash[:])
	n += 32
	copy(buf[n:], m.EncryptedKey[:])
	n += 48
	return buf[:n]
}

func decodeOffer(b []byte) (Meta, bool) {
	var m Meta
	if len(b) < 8+32+1 {
		return m, false
	}
	n := 0
	copy(m.FileID[:], b[n:n+8])
	n += 8
	copy(m.Sender[:], b[n:n+32])
	n += 32
	nameLen := int(b[n])
	n++
	if len(b) < n+nameLen+1 {
		return m, false
	}
	m.Filename = string(b[n : n+nameLen])
	n += nameLen
	mimeLen := int(b[n])
	n++
	if len(b) < n+mimeLen+8+4+24+32+48 {
		return m, false
	}
	m.Mime = string(b[n : n+mimeLen])
	n += mimeLen
	m.Size = binary.LittleEndian.Uint64(b[n:])
	n += 8
	m.ChunkCount = binary.LittleEndian.Uint32(b[n:])
	n += 4
	copy(m.Nonce[:], b[n:n+24])
	n += 24
	copy(m.FileHash[:], b[n:n+32])
	n += 32
	copy(m.EncryptedKey[:], b[n:n+48])
	return m, true
}
