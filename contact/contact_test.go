package contact

import (
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/stretchr/testify/require"
)

func nodeID(b byte) cyxchat.NodeId {
	var id cyxchat.NodeId
	id[0] = b
	return id
}

func TestAddInsertsAndUpdatesExisting(t *testing.T) {
	b := New(nodeID(1), [32]byte{0xAA})
	alice := nodeID(2)
	var pub1 [32]byte
	pub1[0] = 1

	c, err := b.Add(alice, pub1, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", c.Petname)

	var pub2 [32]byte
	pub2[0] = 2
	c, err = b.Add(alice, pub2, "")
	require.NoError(t, err)
	require.Equal(t, pub2, c.Pubkey)
	require.Equal(t, "alice", c.Petname, "empty petname on update does not clear the existing one")
}

func TestAddRejectsPastCapacity(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	for i := 0; i < maxContacts; i++ {
		id := cyxchat.NodeId{}
		copy(id[:], []byte{byte(i), byte(i >> 8)})
		_, err := b.Add(id, [32]byte{}, "")
		require.NoError(t, err)
	}
	overflow := cyxchat.NodeId{}
	overflow[2] = 1 // distinct from every id inserted above
	_, err := b.Add(overflow, [32]byte{}, "overflow")
	require.Error(t, err)
}

func TestSetPetnameAndResolve(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	alice := nodeID(2)
	_, err := b.Add(alice, [32]byte{}, "a")
	require.NoError(t, err)

	require.NoError(t, b.SetPetname(alice, "alicia"))
	got, ok := b.ResolvePetname("alicia")
	require.True(t, ok)
	require.Equal(t, alice, got)

	require.Error(t, b.SetPetname(nodeID(99), "nope"))
}

func TestTrustBlockUnblockAndIsBlocked(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	alice := nodeID(2)
	_, err := b.Add(alice, [32]byte{}, "")
	require.NoError(t, err)

	require.NoError(t, b.Trust(alice, true))
	require.False(t, b.IsBlocked(alice))

	require.NoError(t, b.Block(alice))
	require.True(t, b.IsBlocked(alice))

	require.NoError(t, b.Unblock(alice))
	require.False(t, b.IsBlocked(alice))
}

func TestBlockCreatesContactIfUnknown(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	stranger := nodeID(7)
	require.NoError(t, b.Block(stranger))
	require.True(t, b.IsBlocked(stranger))
}

func TestSafetyNumberIsSymmetric(t *testing.T) {
	var a, c [32]byte
	a[0], c[0] = 1, 2
	require.Equal(t, SafetyNumber(a, c), SafetyNumber(c, a))
}

func TestSafetyNumberWithUnknownContactErrors(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	_, err := b.SafetyNumberWith(nodeID(2))
	require.Error(t, err)
}

func TestGenerateQRAndParseQRRoundTrip(t *testing.T) {
	id := nodeID(3)
	var pub [32]byte
	pub[0] = 0x55
	uri := GenerateQR(id, pub)

	gotID, gotPub, err := ParseQR(uri)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, pub, gotPub)
}

func TestParseQRRejectsMalformedURIs(t *testing.T) {
	_, _, err := ParseQR("not-a-uri")
	require.Error(t, err)
	_, _, err = ParseQR("cyxchat://add/deadbeef")
	require.Error(t, err)
	_, _, err = ParseQR("cyxchat://add/zz/zz")
	require.Error(t, err)
}

func TestListTrustedSortsByPetnameAndExcludesUntrusted(t *testing.T) {
	b := New(nodeID(1), [32]byte{})
	bob, alice, carol := nodeID(2), nodeID(3), nodeID(4)
	_, err := b.Add(bob, [32]byte{}, "bob")
	require.NoError(t, err)
	_, err = b.Add(alice, [32]byte{}, "alice")
	require.NoError(t, err)
	_, err = b.Add(carol, [32]byte{}, "carol")
	require.NoError(t, err)

	require.NoError(t, b.Trust(bob, true))
	require.NoError(t, b.Trust(alice, true))
	// carol stays untrusted

	trusted := b.ListTrusted()
	require.Len(t, trusted, 2)
	require.Equal(t, "alice", trusted[0].Petname)
	require.Equal(t, "bob", trusted[1].Petname)
}
