package chat

import (
	"context"
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/stretchr/testify/require"
)

// mockOnion is an in-memory transport.Onion double that hands payloads
// directly to a registered peer's callback, for deterministic wire tests.
type mockOnion struct {
	self     cyxchat.NodeId
	peers    map[cyxchat.NodeId]*mockOnion
	cb       func(source [32]byte, cleartext []byte)
	sent     [][]byte
	pubkey   [32]byte
}

func newMockOnion(id byte) *mockOnion {
	m := &mockOnion{peers: map[cyxchat.NodeId]*mockOnion{}}
	m.self[0] = id
	return m
}

func link(a, b *mockOnion) {
	a.peers[b.self] = b
	b.peers[a.self] = a
}

func (m *mockOnion) SendTo(_ context.Context, dest [32]byte, payload []byte) error {
	m.sent = append(m.sent, payload)
	if peer, ok := m.peers[cyxchat.NodeId(dest)]; ok && peer.cb != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		peer.cb(m.self, cp)
	}
	return nil
}
func (m *mockOnion) SetCallback(fn func(source [32]byte, cleartext []byte)) { m.cb = fn }
func (m *mockOnion) GetPubkey() [32]byte                                   { return m.pubkey }
func (m *mockOnion) AddPeerKey(peer [32]byte, pubkey [32]byte)             {}

func TestShortTextRoundTrip(t *testing.T) {
	// Scenario A (spec.md §8): Bob sends "hello" to Alice with no reply_to.
	bobOnion := newMockOnion(1)
	aliceOnion := newMockOnion(2)
	link(bobOnion, aliceOnion)

	bob := NewEngine(bobOnion, nil)
	alice := NewEngine(aliceOnion, nil)

	msgID, err := bob.SendText(context.Background(), aliceOnion.self, "hello", nil)
	require.NoError(t, err)

	require.Len(t, bobOnion.sent, 1)
	wireBytes := bobOnion.sent[0]
	require.Equal(t, byte(0x10), wireBytes[0], "type")
	require.Equal(t, byte(0x01), wireBytes[1], "flags: Encrypted")
	require.Equal(t, msgID[:], wireBytes[2:10])
	require.Equal(t, byte(5), wireBytes[10], "text_len")
	require.Equal(t, "hello", string(wireBytes[11:16]))
	require.Len(t, wireBytes, 16)

	rcv, ok := alice.RecvNext()
	require.True(t, ok)
	require.Equal(t, bobOnion.self, rcv.From)
	require.Equal(t, byte(0x10), rcv.Type)
	require.Equal(t, []byte{0x05, 0x00, 'h', 'e', 'l', 'l', 'o'}, rcv.Payload)
}

func TestFragmentedTextOutOfOrder(t *testing.T) {
	// Scenario B (spec.md §8): a 200-byte text splits into 3 fragments,
	// delivered out of order (2, 0, 1), and reassembles exactly.
	bobOnion := newMockOnion(1)
	aliceOnion := newMockOnion(2)
	// Bob and Alice are deliberately not linked, so fragments can be
	// captured and replayed out of order instead of auto-delivered.
	var frames [][]byte
	captureSend := func(payload []byte) { frames = append(frames, append([]byte(nil), payload...)) }

	bob := NewEngine(bobOnion, nil)
	alice := NewEngine(aliceOnion, nil)

	text := make([]byte, 200)
	for i := range text {
		text[i] = byte('a' + i%26)
	}
	_, err := bob.SendText(context.Background(), aliceOnion.self, string(text), nil)
	require.NoError(t, err)
	require.Len(t, bobOnion.sent, 3)
	for _, f := range bobOnion.sent {
		captureSend(f)
	}

	order := []int{2, 0, 1}
	for _, idx := range order {
		h, _, err := wire.DecodeHeader(frames[idx])
		require.NoError(t, err)
		require.True(t, h.Flags.Has(wire.FlagFragmented))
		alice.handleCleartext(bobOnion.self, frames[idx])
	}

	rcv, ok := alice.RecvNext()
	require.True(t, ok)
	require.Equal(t, byte(0x10), rcv.Type)
	require.Len(t, rcv.Payload, 2+200)
	gotLen := int(rcv.Payload[0]) | int(rcv.Payload[1])<<8
	require.Equal(t, 200, gotLen)
	require.Equal(t, text, rcv.Payload[2:])
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	bobOnion := newMockOnion(1)
	aliceOnion := newMockOnion(2)
	alice := NewEngine(aliceOnion, nil)

	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+3+3)
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeText, Flags: wire.FlagEncrypted | wire.FlagFragmented, MsgID: msgID})
	fhn, _ := wire.EncodeFragHeader(buf[hn:], wire.FragHeader{FragIdx: 0, TotalFrags: 2, ChunkLen: 3})
	copy(buf[hn+fhn:], []byte("abc"))

	alice.handleCleartext(bobOnion.self, buf)
	alice.handleCleartext(bobOnion.self, buf) // duplicate, must be ignored

	_, ok := alice.RecvNext()
	require.False(t, ok, "no complete message yet: total_frags=2 but only fragment 0 seen")
}
