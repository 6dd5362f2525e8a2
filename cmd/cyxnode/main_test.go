package main

import (
	"net/http/httptest"
	"testing"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/contact"
	"github.com/stretchr/testify/require"
)

func TestParseNodeIDQueryParsesValidHex(t *testing.T) {
	var id cyxchat.NodeId
	id[0] = 0xAB
	r := httptest.NewRequest("GET", "/peer?id="+id.Hex(), nil)

	got, err := parseNodeIDQuery(r)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestParseNodeIDQueryRejectsMissingOrMalformed(t *testing.T) {
	r := httptest.NewRequest("GET", "/peer", nil)
	_, err := parseNodeIDQuery(r)
	require.Error(t, err)

	r = httptest.NewRequest("GET", "/peer?id=not-hex", nil)
	_, err = parseNodeIDQuery(r)
	require.Error(t, err)
}

func TestKnownPeersReturnsOnlyTrustedContacts(t *testing.T) {
	var self cyxchat.NodeId
	self[0] = 1
	book := contact.New(self, [32]byte{})

	var alice, bob cyxchat.NodeId
	alice[0], bob[0] = 2, 3
	_, err := book.Add(alice, [32]byte{}, "alice")
	require.NoError(t, err)
	_, err = book.Add(bob, [32]byte{}, "bob")
	require.NoError(t, err)
	require.NoError(t, book.Trust(alice, true))

	peers := knownPeers(book)
	require.Len(t, peers, 1)
	require.Equal(t, alice, peers[0])
}

func TestWriteJSONEncodesValueWithContentType(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, struct{ NodeID string }{"deadbeef"})

	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "deadbeef")
}

func TestNowMsReturnsPositiveMillis(t *testing.T) {
	require.Positive(t, nowMs())
}
