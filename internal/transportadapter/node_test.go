package transportadapter

import (
	"context"
	"os"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/transport"
	"github.com/stretchr/testify/require"
)

func TestEnvPortUsesDefaultWhenUnset(t *testing.T) {
	require.NoError(t, os.Unsetenv("CYXCHAT_TEST_PORT"))
	require.Equal(t, 4003, envPort("CYXCHAT_TEST_PORT", 4003))
}

func TestEnvPortParsesValidOverride(t *testing.T) {
	t.Setenv("CYXCHAT_TEST_PORT", "5555")
	require.Equal(t, 5555, envPort("CYXCHAT_TEST_PORT", 4003))
}

func TestEnvPortRejectsOutOfRangeOrGarbage(t *testing.T) {
	t.Setenv("CYXCHAT_TEST_PORT", "70000")
	require.Equal(t, 4003, envPort("CYXCHAT_TEST_PORT", 4003))

	t.Setenv("CYXCHAT_TEST_PORT", "not-a-port")
	require.Equal(t, 4003, envPort("CYXCHAT_TEST_PORT", 4003))
}

func TestBuildListenAddrsIncludesQuicAndWebrtc(t *testing.T) {
	addrs := buildListenAddrs()
	require.Contains(t, addrs, "/ip4/0.0.0.0/udp/4003/quic-v1")
	require.Contains(t, addrs, "/ip4/0.0.0.0/udp/4004/webrtc")
}

func TestSendToUnknownPeerReturnsNotFound(t *testing.T) {
	a := &Adapter{nodePeer: make(map[cyxchat.NodeId]peer.ID)}
	err := a.Send(context.Background(), [32]byte{0x01}, []byte("hi"))
	require.Error(t, err)
	var cyxErr *cyxchat.Error
	require.ErrorAs(t, err, &cyxErr)
	require.Equal(t, cyxchat.NotFound, cyxErr.Kind)
}

func TestSetRecvAndPeerDiscoveredCallbacksAreStored(t *testing.T) {
	a := &Adapter{}
	var gotFrame transport.Frame
	a.SetRecvCallback(func(f transport.Frame) { gotFrame = f })
	a.recvCB(transport.Frame{Payload: []byte("x")})
	require.Equal(t, []byte("x"), gotFrame.Payload)

	var gotPeer transport.PeerDiscovered
	a.SetPeerDiscoveredCallback(func(p transport.PeerDiscovered) { gotPeer = p })
	a.disCB(transport.PeerDiscovered{RSSI: -5})
	require.Equal(t, -5, gotPeer.RSSI)
}

func TestNatClassDefaultsToUnknown(t *testing.T) {
	a := &Adapter{natClass: transport.NatUnknown}
	require.Equal(t, transport.NatUnknown, a.NatClass())
}
