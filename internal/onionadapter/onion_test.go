package onionadapter

import (
	"context"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/transport"
	"github.com/stretchr/testify/require"
)

// fakeTransport routes Send calls to whichever node registered itself in
// the shared hub, simulating a network of directly-reachable peers.
type fakeTransport struct {
	hub map[cyxchat.NodeId]func(ctx context.Context, payload []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{hub: map[cyxchat.NodeId]func(context.Context, []byte){}}
}

func (f *fakeTransport) Send(ctx context.Context, dest [32]byte, payload []byte) error {
	if h, ok := f.hub[cyxchat.NodeId(dest)]; ok {
		h(ctx, payload)
	}
	return nil
}
func (f *fakeTransport) SetRecvCallback(fn func(transport.Frame))                     {}
func (f *fakeTransport) SetPeerDiscoveredCallback(fn func(transport.PeerDiscovered)) {}
func (f *fakeTransport) NatClass() transport.NatClass                                 { return transport.NatUnknown }

func nodeID(b byte) cyxchat.NodeId {
	var id cyxchat.NodeId
	id[0] = b
	return id
}

func TestPrivateKeyMatchesAdvertisedPubkey(t *testing.T) {
	tr := newFakeTransport()
	a, err := New(tr, nodeID(1))
	require.NoError(t, err)

	priv := a.PrivateKey()
	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	require.Equal(t, a.GetPubkey(), [32]byte(derived))
}

func TestSendToDirectSingleHopDeliversCleartext(t *testing.T) {
	tr := newFakeTransport()
	alice, bob := nodeID(1), nodeID(2)
	aliceAdapter, err := New(tr, alice)
	require.NoError(t, err)
	bobAdapter, err := New(tr, bob)
	require.NoError(t, err)

	tr.hub[bob] = func(ctx context.Context, payload []byte) { bobAdapter.HandleFrame(ctx, payload) }
	tr.hub[alice] = func(ctx context.Context, payload []byte) { aliceAdapter.HandleFrame(ctx, payload) }

	aliceAdapter.AddPeerKey(bob, bobAdapter.GetPubkey())

	var gotOrigin [32]byte
	var gotCleartext []byte
	bobAdapter.SetCallback(func(source [32]byte, cleartext []byte) {
		gotOrigin, gotCleartext = source, cleartext
	})

	require.NoError(t, aliceAdapter.SendTo(context.Background(), bob, []byte("hi bob")))
	require.Equal(t, [32]byte(alice), gotOrigin)
	require.Equal(t, []byte("hi bob"), gotCleartext)
}

func TestSendToUnknownDestinationErrors(t *testing.T) {
	tr := newFakeTransport()
	alice, bob := nodeID(1), nodeID(2)
	aliceAdapter, err := New(tr, alice)
	require.NoError(t, err)

	err = aliceAdapter.SendTo(context.Background(), bob, []byte("hi"))
	require.Error(t, err)
}

func TestSendToRoutesThroughChosenRelayWhenOneIsKnown(t *testing.T) {
	tr := newFakeTransport()
	alice, relayID, bob := nodeID(1), nodeID(2), nodeID(3)
	aliceAdapter, err := New(tr, alice)
	require.NoError(t, err)
	relayAdapter, err := New(tr, relayID)
	require.NoError(t, err)
	bobAdapter, err := New(tr, bob)
	require.NoError(t, err)

	tr.hub[relayID] = func(ctx context.Context, payload []byte) { relayAdapter.HandleFrame(ctx, payload) }
	tr.hub[bob] = func(ctx context.Context, payload []byte) { bobAdapter.HandleFrame(ctx, payload) }

	aliceAdapter.AddPeerKey(bob, bobAdapter.GetPubkey())
	aliceAdapter.AddPeerKey(relayID, relayAdapter.GetPubkey())
	relayAdapter.AddPeerKey(bob, bobAdapter.GetPubkey())

	var gotOrigin [32]byte
	var gotCleartext []byte
	bobAdapter.SetCallback(func(source [32]byte, cleartext []byte) {
		gotOrigin, gotCleartext = source, cleartext
	})

	require.NoError(t, aliceAdapter.SendTo(context.Background(), bob, []byte("through the relay")))
	require.Equal(t, [32]byte(alice), gotOrigin)
	require.Equal(t, []byte("through the relay"), gotCleartext)
}

func TestHandleFrameIgnoresNonOnionPayload(t *testing.T) {
	tr := newFakeTransport()
	a, err := New(tr, nodeID(1))
	require.NoError(t, err)

	var called bool
	a.SetCallback(func(source [32]byte, cleartext []byte) { called = true })
	a.HandleFrame(context.Background(), []byte{0x00, 1, 2, 3})
	require.False(t, called)
}

func TestHandleFrameDropsUndecryptableLayer(t *testing.T) {
	tr := newFakeTransport()
	a, err := New(tr, nodeID(1))
	require.NoError(t, err)

	var called bool
	a.SetCallback(func(source [32]byte, cleartext []byte) { called = true })
	garbage := append([]byte{cyxchat.TypeOnionRelay}, make([]byte, 64)...)
	a.HandleFrame(context.Background(), garbage)
	require.False(t, called)
}
