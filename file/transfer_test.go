package file

import (
	"context"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/stretchr/testify/require"
)

// genX25519 mirrors group's test keypair helper: a fresh identity secret and
// its derived public key, for the static-static file-key seal.
func genX25519(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(pub[:], pubSlice)
	return priv, pub
}

// lookupFrom returns a PeerPubkeyLookup backed by a fixed id->pubkey map, for
// tests that only ever talk to one or two known correspondents.
func lookupFrom(m map[cyxchat.NodeId][32]byte) PeerPubkeyLookup {
	return func(id cyxchat.NodeId) ([32]byte, bool) {
		pub, ok := m[id]
		return pub, ok
	}
}

// fakeOnion is an in-memory transport.Onion double that hands payloads
// directly to a registered peer's callback, mirroring chat's test double.
type fakeOnion struct {
	self  cyxchat.NodeId
	peers map[cyxchat.NodeId]*fakeOnion
	cb    func(source [32]byte, cleartext []byte)
}

func newFakeOnion(id byte) *fakeOnion {
	o := &fakeOnion{peers: map[cyxchat.NodeId]*fakeOnion{}}
	o.self[0] = id
	return o
}

func link(a, b *fakeOnion) {
	a.peers[b.self] = b
	b.peers[a.self] = a
}

func (o *fakeOnion) SendTo(_ context.Context, dest [32]byte, payload []byte) error {
	if peer, ok := o.peers[cyxchat.NodeId(dest)]; ok && peer.cb != nil {
		cp := append([]byte(nil), payload...)
		peer.cb(o.self, cp)
	}
	return nil
}
func (o *fakeOnion) SetCallback(fn func(source [32]byte, cleartext []byte)) { o.cb = fn }
func (o *fakeOnion) GetPubkey() [32]byte                                   { return [32]byte{} }
func (o *fakeOnion) AddPeerKey(peer [32]byte, pubkey [32]byte)             {}

type fakeDHT struct {
	store map[[32]byte][]byte
}

func newFakeDHT() *fakeDHT { return &fakeDHT{store: map[[32]byte][]byte{}} }

func (d *fakeDHT) Put(_ context.Context, key [32]byte, value []byte, _ int) error {
	d.store[key] = append([]byte(nil), value...)
	return nil
}
func (d *fakeDHT) Get(_ context.Context, key [32]byte) ([]byte, bool, error) {
	v, ok := d.store[key]
	return v, ok, nil
}
func (d *fakeDHT) Bootstrap(context.Context, [][32]byte) error                   { return nil }
func (d *fakeDHT) FindNode(context.Context, [32]byte) ([][32]byte, error)        { return nil, nil }
func (d *fakeDHT) GetClosest(context.Context, [32]byte, int) ([][32]byte, error) { return nil, nil }

func strip(t *testing.T, frame []byte) (byte, []byte) {
	t.Helper()
	h, n, err := wire.DecodeHeader(frame)
	require.NoError(t, err)
	return h.Type, frame[n:]
}

func TestSendOffersAndFullTransferCompletes(t *testing.T) {
	senderOnion, receiverOnion := newFakeOnion(1), newFakeOnion(2)
	link(senderOnion, receiverOnion)

	senderSecret, senderPub := genX25519(t)
	receiverSecret, receiverPub := genX25519(t)
	senderID, receiverID := cyxchat.NodeId{1}, cyxchat.NodeId{2}
	peerPubs := lookupFrom(map[cyxchat.NodeId][32]byte{senderID: senderPub, receiverID: receiverPub})

	var offered *Transfer
	receiver := New(receiverOnion, nil, receiverID, receiverSecret, peerPubs, nil, func(tr *Transfer) { offered = tr })

	var senderDone, receiverDone *Transfer
	sender := New(senderOnion, nil, senderID, senderSecret, peerPubs, func(tr *Transfer, err error) {
		require.NoError(t, err)
		senderDone = tr
	}, nil)

	receiverOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		receiver.HandleCleartext(cyxchat.NodeId(source), typ, body)
	}
	senderOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		sender.HandleCleartext(cyxchat.NodeId(source), typ, body)
		if typ == cyxchat.TypeFileComplete {
			receiverDone = receiver.transfers[offered.Meta.FileID]
		}
	}

	plaintext := make([]byte, chunkSize*2+10)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	fileID, err := sender.Send(context.Background(), receiverID, "photo.png", "image/png", plaintext, receiverPub)
	require.NoError(t, err)
	require.NotNil(t, offered)
	require.Equal(t, fileID, offered.Meta.FileID)
	require.Equal(t, senderID, offered.Meta.Sender)
	require.Equal(t, offered.Meta.FileKey, sender.transfers[fileID].Meta.FileKey)

	require.NoError(t, receiver.Accept(context.Background(), fileID, 0))
	now := int64(0)
	for i := 0; i < 10 && senderDone == nil; i++ {
		now += chunkPaceMs + 1
		sender.Poll(context.Background(), now)
	}
	require.NotNil(t, senderDone)
	require.Equal(t, Completed, senderDone.State)
	require.NotNil(t, receiverDone)
	require.Equal(t, Completed, receiverDone.State)
}

func TestRejectMarksCancelledAndFiresCallback(t *testing.T) {
	senderOnion, receiverOnion := newFakeOnion(1), newFakeOnion(2)
	link(senderOnion, receiverOnion)

	senderSecret, senderPub := genX25519(t)
	receiverSecret, receiverPub := genX25519(t)
	senderID, receiverID := cyxchat.NodeId{1}, cyxchat.NodeId{2}
	peerPubs := lookupFrom(map[cyxchat.NodeId][32]byte{senderID: senderPub, receiverID: receiverPub})

	var receiver *Engine
	receiver = New(receiverOnion, nil, receiverID, receiverSecret, peerPubs, nil, func(tr *Transfer) {
		require.NoError(t, receiver.Reject(context.Background(), tr.Meta.FileID))
	})
	var cancelErr error
	sender := New(senderOnion, nil, senderID, senderSecret, peerPubs, func(tr *Transfer, err error) { cancelErr = err }, nil)
	senderOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		sender.HandleCleartext(cyxchat.NodeId(source), typ, body)
	}
	receiverOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		receiver.HandleCleartext(cyxchat.NodeId(source), typ, body)
	}

	_, err := sender.Send(context.Background(), receiverID, "f", "application/octet-stream", []byte("hi"), receiverPub)
	require.NoError(t, err)
	require.Error(t, cancelErr)
}

func TestPollDetectsStall(t *testing.T) {
	onion := newFakeOnion(1)
	selfSecret, _ := genX25519(t)
	var failed *Transfer
	e := New(onion, nil, cyxchat.NodeId{1}, selfSecret, nil, func(tr *Transfer, err error) {
		require.Error(t, err)
		failed = tr
	}, nil)

	_, peerPub := genX25519(t)
	fileID, err := e.Send(context.Background(), cyxchat.NodeId{2}, "f", "m", []byte("data"), peerPub)
	require.NoError(t, err)
	e.mu.Lock()
	e.transfers[fileID].State = Sending
	e.mu.Unlock()

	e.Poll(context.Background(), stallTimeoutMs+1)
	require.NotNil(t, failed)
	require.Equal(t, Failed, failed.State)
}

func TestDHTRoundTripOfflineDelivery(t *testing.T) {
	dht := newFakeDHT()
	onion := newFakeOnion(1)
	senderSecret, senderPub := genX25519(t)
	receiverSecret, receiverPub := genX25519(t)
	senderID := cyxchat.NodeId{1}
	recipient := cyxchat.NodeId{2}
	peerPubs := lookupFrom(map[cyxchat.NodeId][32]byte{senderID: senderPub, recipient: receiverPub})

	sender := New(onion, dht, senderID, senderSecret, peerPubs, nil, nil)

	plaintext := []byte("offline payload")
	fileID, err := sender.Send(context.Background(), recipient, "note.txt", "text/plain", plaintext, receiverPub)
	require.NoError(t, err)
	tr := sender.transfers[fileID]

	require.NoError(t, sender.SendViaDHT(context.Background(), recipient, tr))

	receiverDHT := dht // same store, simulating a shared DHT
	receiver := New(onion, receiverDHT, recipient, receiverSecret, peerPubs, nil, nil)

	got, err := receiver.FetchFromDHT(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, tr.Meta.FileID, got[0].Meta.FileID)
	require.Equal(t, tr.Meta.FileKey, got[0].Meta.FileKey)
}

func TestSendPushDeliversWithoutAccept(t *testing.T) {
	senderOnion, receiverOnion := newFakeOnion(1), newFakeOnion(2)
	link(senderOnion, receiverOnion)

	senderSecret, senderPub := genX25519(t)
	receiverSecret, receiverPub := genX25519(t)
	senderID, receiverID := cyxchat.NodeId{1}, cyxchat.NodeId{2}
	peerPubs := lookupFrom(map[cyxchat.NodeId][32]byte{senderID: senderPub, receiverID: receiverPub})

	var offered *Transfer
	receiver := New(receiverOnion, nil, receiverID, receiverSecret, peerPubs, nil, func(tr *Transfer) { offered = tr })

	var senderDone *Transfer
	sender := New(senderOnion, nil, senderID, senderSecret, peerPubs, func(tr *Transfer, err error) {
		require.NoError(t, err)
		senderDone = tr
	}, nil)

	receiverOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		receiver.HandleCleartext(cyxchat.NodeId(source), typ, body)
	}
	senderOnion.cb = func(source [32]byte, cleartext []byte) {
		typ, body := strip(t, cleartext)
		sender.HandleCleartext(cyxchat.NodeId(source), typ, body)
	}

	plaintext := make([]byte, chunkSize+5)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	fileID, err := sender.SendPush(context.Background(), receiverID, "push.bin", "application/octet-stream", plaintext, receiverPub)
	require.NoError(t, err)
	require.NotNil(t, offered)
	require.Equal(t, fileID, offered.Meta.FileID)
	require.Equal(t, Receiving, offered.State) // push skips Pending/Accept entirely
	require.Equal(t, offered.Meta.FileKey, sender.transfers[fileID].Meta.FileKey)

	now := int64(0)
	for i := 0; i < 10 && senderDone == nil; i++ {
		now += chunkPaceMs + 1
		sender.Poll(context.Background(), now)
	}
	require.NotNil(t, senderDone)
	require.Equal(t, Completed, senderDone.State)
	require.Equal(t, Completed, offered.State)
}

// TestDHTInboxEnumeratesMultipleOffers verifies the inbox index returns every
// pending offer for a recipient, not just the most recent one.
func TestDHTInboxEnumeratesMultipleOffers(t *testing.T) {
	dht := newFakeDHT()
	onion := newFakeOnion(1)
	senderSecret, senderPub := genX25519(t)
	receiverSecret, receiverPub := genX25519(t)
	senderID := cyxchat.NodeId{1}
	recipient := cyxchat.NodeId{2}
	peerPubs := lookupFrom(map[cyxchat.NodeId][32]byte{senderID: senderPub, recipient: receiverPub})

	sender := New(onion, dht, senderID, senderSecret, peerPubs, nil, nil)

	fileID1, err := sender.Send(context.Background(), recipient, "a.txt", "text/plain", []byte("one"), receiverPub)
	require.NoError(t, err)
	require.NoError(t, sender.SendViaDHT(context.Background(), recipient, sender.transfers[fileID1]))

	fileID2, err := sender.Send(context.Background(), recipient, "b.txt", "text/plain", []byte("two"), receiverPub)
	require.NoError(t, err)
	require.NoError(t, sender.SendViaDHT(context.Background(), recipient, sender.transfers[fileID2]))

	receiver := New(onion, dht, recipient, receiverSecret, peerPubs, nil, nil)
	got, err := receiver.FetchFromDHT(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
}
