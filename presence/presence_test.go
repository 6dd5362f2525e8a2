package presence

import (
	"context"
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeOnion is a minimal transport.Onion double recording outbound sends.
type fakeOnion struct {
	sent []struct {
		to      cyxchat.NodeId
		payload []byte
	}
	cb func(source [32]byte, cleartext []byte)
}

func (f *fakeOnion) SendTo(_ context.Context, dest [32]byte, payload []byte) error {
	f.sent = append(f.sent, struct {
		to      cyxchat.NodeId
		payload []byte
	}{cyxchat.NodeId(dest), append([]byte(nil), payload...)})
	return nil
}
func (f *fakeOnion) SetCallback(fn func(source [32]byte, cleartext []byte)) { f.cb = fn }
func (f *fakeOnion) GetPubkey() [32]byte                                   { return [32]byte{} }
func (f *fakeOnion) AddPeerKey(peer [32]byte, pubkey [32]byte)             {}

func nodeID(b byte) cyxchat.NodeId {
	var id cyxchat.NodeId
	id[0] = b
	return id
}

func TestSetStatusBroadcastsToContacts(t *testing.T) {
	onion := &fakeOnion{}
	self := nodeID(1)
	e := New(onion, self, 0)

	alice, bob := nodeID(2), nodeID(3)
	err := e.SetStatus(context.Background(), Busy, "in a meeting", []cyxchat.NodeId{alice, bob})
	require.NoError(t, err)
	require.Len(t, onion.sent, 2)
	require.Equal(t, alice, onion.sent[0].to)
	require.Equal(t, bob, onion.sent[1].to)

	h, n, err := wire.DecodeHeader(onion.sent[0].payload)
	require.NoError(t, err)
	require.Equal(t, cyxchat.TypePresenceStatus, h.Type)
	s, text, ok := decodeStatus(onion.sent[0].payload[n:])
	require.True(t, ok)
	require.Equal(t, Busy, s)
	require.Equal(t, "in a meeting", text)
}

func TestHandleStatusCachesPeerPresence(t *testing.T) {
	onion := &fakeOnion{}
	self := nodeID(1)
	e := New(onion, self, 0)

	peer := nodeID(2)
	payload := encodeStatus(Away, "brb")
	e.HandleStatus(peer, payload)

	got := e.Get(peer)
	require.Equal(t, Away, got.Status)
	require.Equal(t, "brb", got.Text)
}

func TestGetSynthesizesOfflineWhenStale(t *testing.T) {
	onion := &fakeOnion{}
	e := New(onion, nodeID(1), 0)
	peer := nodeID(2)

	e.Poll(context.Background(), 1_000, nil)
	e.HandleStatus(peer, encodeStatus(Online, ""))
	require.Equal(t, Online, e.Get(peer).Status)

	e.Poll(context.Background(), 1_000+offlineAfterMs+1, nil)
	require.Equal(t, Offline, e.Get(peer).Status)
}

func TestGetUnknownPeerIsOffline(t *testing.T) {
	onion := &fakeOnion{}
	e := New(onion, nodeID(1), 0)
	require.Equal(t, Offline, e.Get(nodeID(9)).Status)
}

func TestAutoAwayEngagesAfterIdleTimeoutAndActivityRestores(t *testing.T) {
	onion := &fakeOnion{}
	self := nodeID(1)
	e := New(onion, self, 5_000)
	contacts := []cyxchat.NodeId{nodeID(2)}

	// First tick establishes lastActivity at t=0 implicitly; drive activity
	// explicitly so the timeout is measured from a known baseline.
	require.NoError(t, e.Activity(context.Background(), contacts))
	e.Poll(context.Background(), 1_000, contacts)
	require.Equal(t, Online, e.status)

	e.Poll(context.Background(), 6_001, contacts)
	require.Equal(t, Away, e.status)
	require.True(t, e.isAutoAway)
	require.Len(t, onion.sent, 1, "auto-away broadcast")

	require.NoError(t, e.Activity(context.Background(), contacts))
	require.Equal(t, Online, e.status)
	require.False(t, e.isAutoAway)
	require.Len(t, onion.sent, 2, "activity-restore broadcast")
}

func TestHandleCleartextDispatchesStatusType(t *testing.T) {
	onion := &fakeOnion{}
	e := New(onion, nodeID(1), 0)
	peer := nodeID(2)

	e.HandleCleartext(peer, cyxchat.TypePresenceStatus, encodeStatus(Busy, "dnd"))
	require.Equal(t, Busy, e.Get(peer).Status)

	e.HandleCleartext(peer, 0xFF, []byte{1, 2, 3})
	require.Equal(t, Busy, e.Get(peer).Status, "unknown type is ignored")
}
