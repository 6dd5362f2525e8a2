package simpledht

import (
	"context"
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/stretchr/testify/require"
)

func nodeID(b byte) cyxchat.NodeId {
	var id cyxchat.NodeId
	id[0] = b
	return id
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(nodeID(1))
	key := [32]byte{0x10}
	require.NoError(t, s.Put(context.Background(), key, []byte("payload"), 60))

	got, ok, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := New(nodeID(1))
	_, ok, err := s.Get(context.Background(), [32]byte{0x99})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetExpiresPastTTL(t *testing.T) {
	s := New(nodeID(1))
	key := [32]byte{0x10}
	require.NoError(t, s.Put(context.Background(), key, []byte("payload"), 1))

	s.SetNow(2_000)
	_, ok, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok, "ttl of 1s has elapsed by t=2000ms")
}

func TestBootstrapAddsSeedPeers(t *testing.T) {
	s := New(nodeID(1))
	seeds := [][32]byte{{0x02}, {0x03}}
	require.NoError(t, s.Bootstrap(context.Background(), seeds))

	got, err := s.FindNode(context.Background(), [32]byte{0x00})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestGetClosestOrdersByXorDistanceAndRespectsMax(t *testing.T) {
	s := New(nodeID(1))
	s.AddPeer(nodeID(0x01)) // distance 0 from target 0x01
	s.AddPeer(nodeID(0x05)) // distance 0x04
	s.AddPeer(nodeID(0xFF)) // distance 0xFE

	got, err := s.GetClosest(context.Background(), [32]byte(nodeID(0x01)), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, [32]byte(nodeID(0x01)), got[0])
	require.Equal(t, [32]byte(nodeID(0x05)), got[1])
}

func TestGetClosestMaxZeroOrOverflowReturnsAll(t *testing.T) {
	s := New(nodeID(1))
	s.AddPeer(nodeID(0x02))
	s.AddPeer(nodeID(0x03))

	got, err := s.GetClosest(context.Background(), [32]byte{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.GetClosest(context.Background(), [32]byte{}, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
