package mail

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeOnion is an in-memory transport.Onion double that hands payloads
// directly to a registered peer's callback, mirroring chat's test double.
type fakeOnion struct {
	self  cyxchat.NodeId
	peers map[cyxchat.NodeId]*fakeOnion
	cb    func(source [32]byte, cleartext []byte)
	sent  [][]byte
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
	o.sent = append(o.sent, append([]byte(nil), payload...))
	if peer, ok := o.peers[cyxchat.NodeId(dest)]; ok && peer.cb != nil {
		cp := append([]byte(nil), payload...)
		peer.cb(o.self, cp)
	}
	return nil
}
func (o *fakeOnion) SetCallback(fn func(source [32]byte, cleartext []byte)) { o.cb = fn }
func (o *fakeOnion) GetPubkey() [32]byte                                   { return [32]byte{} }
func (o *fakeOnion) AddPeerKey(peer [32]byte, pubkey [32]byte)             {}

func newNodeID(b byte) cyxchat.NodeId {
	var id cyxchat.NodeId
	id[0] = b
	return id
}

func TestComposeAssignsThreadID(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	m, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "hi", "body", nil)
	require.NoError(t, err)
	require.Equal(t, m.MailID, m.ThreadID)
	require.Equal(t, Draft, m.Status)
}

func TestComposeReplyInheritsThread(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	parent, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "hi", "body", nil)
	require.NoError(t, err)
	reply, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "re: hi", "reply", &parent.MailID)
	require.NoError(t, err)
	require.Equal(t, parent.MailID, reply.ThreadID)
	require.Equal(t, parent.MailID, reply.InReplyTo)
}

func TestSendSignsAndEmitsToRecipients(t *testing.T) {
	aliceOnion, bobOnion := newFakeOnion(1), newFakeOnion(2)
	link(aliceOnion, bobOnion)
	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	alice := New(aliceOnion, nil, newNodeID(1), alicePriv, nil)
	bob := New(bobOnion, nil, newNodeID(2), mustKey(t), nil)
	BindSenderKeyResolver(func(from cyxchat.NodeId) ed25519.PublicKey {
		if from == newNodeID(1) {
			return alicePub
		}
		return ed25519.PublicKey(from[:])
	})

	m, err := alice.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "subject", "body text", nil)
	require.NoError(t, err)

	var captured []byte
	bobOnion.cb = func(source [32]byte, cleartext []byte) {
		_, n, herr := wire.DecodeHeader(cleartext)
		require.NoError(t, herr)
		captured = cleartext[n:]
	}
	err = alice.Send(context.Background(), m.MailID)
	require.NoError(t, err)
	require.NotNil(t, captured)

	received, err := bob.HandleSend(newNodeID(1), captured)
	require.NoError(t, err)
	require.True(t, received.SignatureValid)
	require.Equal(t, "subject", received.Subject)
	require.Equal(t, Inbox, received.Folder)
}

func TestHandleAckMarksDeliveredAndClearsPending(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	m, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "s", "b", nil)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), m.MailID))
	require.Contains(t, e.pending, m.MailID)

	e.HandleAck(encodeMailAck(m.MailID))
	require.Equal(t, Delivered, e.store[m.MailID].Status)
	require.NotContains(t, e.pending, m.MailID)
}

func TestHandleReadMarksRead(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	m, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "s", "b", nil)
	require.NoError(t, err)
	e.HandleRead(encodeMailRead(m.MailID))
	require.True(t, e.store[m.MailID].Read)
}

func encodeMailRead(mailID cyxchat.MailId) []byte {
	return mailID[:]
}

func TestPollBouncesAfterMaxRetries(t *testing.T) {
	var bounced *Mail
	var reason string
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), func(m *Mail, r string) {
		bounced = m
		reason = r
	})
	m, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "s", "b", nil)
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), m.MailID))

	now := int64(0)
	for i := 0; i <= maxRetries; i++ {
		now += retryEveryMs + 1
		e.Poll(context.Background(), now)
	}
	require.NotNil(t, bounced)
	require.Equal(t, "Timeout", reason)
	require.Equal(t, Failed, e.store[m.MailID].Status)
}

func TestMoveDeleteSoftThenHard(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	m, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "s", "b", nil)
	require.NoError(t, err)

	require.NoError(t, e.Move(m.MailID, Archive))
	require.Equal(t, Archive, e.store[m.MailID].Folder)

	require.NoError(t, e.Delete(m.MailID))
	require.Equal(t, Trash, e.store[m.MailID].Folder)
	_, stillThere := e.store[m.MailID]
	require.True(t, stillThere)

	require.NoError(t, e.Delete(m.MailID))
	_, stillThere = e.store[m.MailID]
	require.False(t, stillThere, "second delete from Trash is a hard delete")
}

func TestSearchMatchesSubjectAndBody(t *testing.T) {
	e := New(newFakeOnion(1), nil, newNodeID(1), mustKey(t), nil)
	_, err := e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "quarterly report", "see attached", nil)
	require.NoError(t, err)
	_, err = e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "lunch", "quarterly numbers inside", nil)
	require.NoError(t, err)
	_, err = e.Compose([]cyxchat.NodeId{newNodeID(2)}, nil, "unrelated", "nothing here", nil)
	require.NoError(t, err)

	got := e.Search("quarterly")
	require.Len(t, got, 2)
}

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}
