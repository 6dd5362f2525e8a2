// Package keystore persists the host's long-term identity and contact
// book to disk, encrypted at rest with a locally-held master key:
// XChaCha20-Poly1305 over a JSON payload, 0600 files under a private base
// directory.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/contact"
)

// Paths locates a host's on-disk state under BaseDir (default ~/.cyxchat).
type Paths struct {
	BaseDir      string
	MasterKey    string
	IdentityFile string
	ContactsFile string
}

func DefaultPaths(baseDir string) (*Paths, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(home, ".cyxchat")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	return &Paths{
		BaseDir:      baseDir,
		MasterKey:    filepath.Join(baseDir, "master.key"),
		IdentityFile: filepath.Join(baseDir, "identity.enc"),
		ContactsFile: filepath.Join(baseDir, "contacts.enc"),
	}, nil
}

// LoadOrCreateMasterKey reads the local master key, generating and
// persisting a fresh one on first run.
func LoadOrCreateMasterKey(p *Paths) ([32]byte, error) {
	var key [32]byte
	b, err := os.ReadFile(p.MasterKey)
	if err == nil {
		if len(b) != 32 {
			return key, errors.New("master key file has wrong size")
		}
		copy(key[:], b)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, err
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := os.WriteFile(p.MasterKey, key[:], 0o600); err != nil {
		return key, err
	}
	return key, nil
}

func seal(key [32]byte, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	return append(nonce, ct...), nil
}

func open(key [32]byte, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("keystore blob too short")
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}

// Identity is the host's long-term key material: X25519 for onion/file/
// group sealing, Ed25519 for mail and DNS record signing.
type Identity struct {
	NodeID      cyxchat.NodeId
	X25519Priv  [32]byte
	X25519Pub   [32]byte
	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey
}

type identityJSON struct {
	NodeID      [32]byte `json:"node_id"`
	X25519Priv  [32]byte `json:"x25519_priv"`
	X25519Pub   [32]byte `json:"x25519_pub"`
	Ed25519Priv []byte   `json:"ed25519_priv"`
	Ed25519Pub  []byte   `json:"ed25519_pub"`
}

// GenerateIdentity creates a fresh X25519+Ed25519 keypair. NodeId is
// derived from the Ed25519 public key so remote DNS records (whose wire
// format only carries one pubkey, spec.md §4.5) can treat NodeId and
// signing key as the same bytes.
func GenerateIdentity() (*Identity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var xPriv [32]byte
	if _, err := rand.Read(xPriv[:]); err != nil {
		return nil, err
	}
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64
	xPubSlice, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var xPub [32]byte
	copy(xPub[:], xPubSlice)
	var nodeID cyxchat.NodeId
	copy(nodeID[:], edPub)
	return &Identity{NodeID: nodeID, X25519Priv: xPriv, X25519Pub: xPub, Ed25519Priv: edPriv, Ed25519Pub: edPub}, nil
}

func SaveIdentity(p *Paths, master [32]byte, id *Identity) error {
	blob, err := json.Marshal(identityJSON{
		NodeID:      id.NodeID,
		X25519Priv:  id.X25519Priv,
		X25519Pub:   id.X25519Pub,
		Ed25519Priv: id.Ed25519Priv,
		Ed25519Pub:  id.Ed25519Pub,
	})
	if err != nil {
		return err
	}
	enc, err := seal(master, blob)
	if err != nil {
		return err
	}
	return os.WriteFile(p.IdentityFile, enc, 0o600)
}

func LoadIdentity(p *Paths, master [32]byte) (*Identity, error) {
	enc, err := os.ReadFile(p.IdentityFile)
	if err != nil {
		return nil, err
	}
	blob, err := open(master, enc)
	if err != nil {
		return nil, err
	}
	var j identityJSON
	if err := json.Unmarshal(blob, &j); err != nil {
		return nil, err
	}
	return &Identity{
		NodeID: j.NodeID, X25519Priv: j.X25519Priv, X25519Pub: j.X25519Pub,
		Ed25519Priv: ed25519.PrivateKey(j.Ed25519Priv), Ed25519Pub: ed25519.PublicKey(j.Ed25519Pub),
	}, nil
}

// LoadOrCreateIdentity loads the persisted identity, generating and
// saving a fresh one on first run.
func LoadOrCreateIdentity(p *Paths, master [32]byte) (*Identity, error) {
	id, err := LoadIdentity(p, master)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(p, master, id); err != nil {
		return nil, err
	}
	return id, nil
}

type contactJSON struct {
	NodeID  [32]byte `json:"node_id"`
	Pubkey  [32]byte `json:"pubkey"`
	Petname string   `json:"petname"`
	Trusted bool     `json:"trusted"`
	Blocked bool     `json:"blocked"`
	AddedAt int64    `json:"added_at"`
}

// SaveContacts snapshots a contact book to disk, encrypted with the same
// master key as the identity (adapted from exportPeersSnapshot).
func SaveContacts(p *Paths, master [32]byte, contacts []contact.Contact) error {
	out := make([]contactJSON, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactJSON{
			NodeID: c.NodeID, Pubkey: c.Pubkey, Petname: c.Petname,
			Trusted: c.Trusted, Blocked: c.Blocked, AddedAt: c.AddedAt,
		})
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return err
	}
	enc, err := seal(master, blob)
	if err != nil {
		return err
	}
	return os.WriteFile(p.ContactsFile, enc, 0o600)
}

// LoadContacts restores a previously saved snapshot into book (adapted
// from mergeSnapshot).
func LoadContacts(p *Paths, master [32]byte, book *contact.Book) (int, error) {
	enc, err := os.ReadFile(p.ContactsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	blob, err := open(master, enc)
	if err != nil {
		return 0, err
	}
	var in []contactJSON
	if err := json.Unmarshal(blob, &in); err != nil {
		return 0, err
	}
	count := 0
	for _, c := range in {
		if _, err := book.Add(c.NodeID, c.Pubkey, c.Petname); err != nil {
			continue
		}
		if c.Trusted {
			_ = book.Trust(c.NodeID, true)
		}
		if c.Blocked {
			_ = book.Block(c.NodeID)
		}
		count++
	}
	return count, nil
}
