package cyxchat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeIdIsZero(t *testing.T) {
	require.True(t, NodeId{}.IsZero())
	id := NodeId{}
	id[0] = 1
	require.False(t, id.IsZero())
}

func TestNodeIdHexRoundTrip(t *testing.T) {
	var id NodeId
	id[0], id[31] = 0xAB, 0xCD
	got, err := NodeIdFromHex(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestNodeIdFromHexRejectsWrongLength(t *testing.T) {
	_, err := NodeIdFromHex("deadbeef")
	require.Error(t, err)
	var cyxErr *Error
	require.True(t, errors.As(err, &cyxErr))
	require.Equal(t, Invalid, cyxErr.Kind)
}

func TestNodeIdFromHexRejectsInvalidHex(t *testing.T) {
	_, err := NodeIdFromHex("not-hex-at-all-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.Error(t, err)
}

func TestMsgIdHexRoundTrip(t *testing.T) {
	id := NewMsgId()
	got, err := MsgIdFromHex(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestMsgIdFromHexRejectsWrongLength(t *testing.T) {
	_, err := MsgIdFromHex("ab")
	require.Error(t, err)
}

func TestNewIdsAreRandomAndNonZero(t *testing.T) {
	require.NotEqual(t, NewMsgId(), NewMsgId())
	require.NotEqual(t, NewGroupId(), NewGroupId())
	require.NotEqual(t, NewFileId(), NewFileId())
	require.NotEqual(t, NewMailId(), NewMailId())
}

func TestGroupFileMailIdIsZeroAndHex(t *testing.T) {
	require.True(t, GroupId{}.IsZero())
	require.True(t, FileId{}.IsZero())
	require.True(t, MailId{}.IsZero())

	g := NewGroupId()
	require.False(t, g.IsZero())
	require.Len(t, g.Hex(), 16)
}

func TestErrorKindString(t *testing.T) {
	require.Equal(t, "NotFound", NotFound.String())
	require.Equal(t, "Unknown", ErrorKind(999).String())
}

func TestNewErrorAndUnwrap(t *testing.T) {
	e := NewError(NotFound, "missing contact")
	require.Equal(t, NotFound, e.Kind)
	require.Nil(t, e.Unwrap())
	require.Contains(t, e.Error(), "NotFound")
	require.Contains(t, e.Error(), "missing contact")
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	e := WrapError(Network, "send failed", cause)
	require.Equal(t, cause, e.Unwrap())
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "underlying failure")
}
