// Package wire implements the compact wire codec shared by the connection,
// chat, file, group, and mail layers (spec.md §4.3). Every function takes
// a byte slice and returns bytes-written or a parsed value plus bytes
// consumed — never a packed struct laid over the wire bytes (Design Notes
// §9: "manual packed wire structs ... replace with explicit codec
// functions").
package wire

import (
	"errors"

	"github.com/code3hr/cyxchat"
)

// Flags is the low byte of the 16-bit flag set (spec.md §4.3).
type Flags byte

const (
	FlagEncrypted  Flags = 0x01
	FlagCompressed Flags = 0x02
	FlagFragmented Flags = 0x04
	FlagReply      Flags = 0x08
	FlagForward    Flags = 0x10
	FlagEphemeral  Flags = 0x20
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// HeaderLen is the fixed size of the compact header: type(1) + flags(1) + msg_id(8).
const HeaderLen = 10

// MaxFrameLen bounds a single un-fragmented wire frame (spec.md §4.3).
const MaxFrameLen = 250

// Header is the common compact header every chat-layer frame carries.
type Header struct {
	Type  byte
	Flags Flags
	MsgID cyxchat.MsgId
}

var errShortBuffer = errors.New("wire: buffer too short")

// EncodeHeader writes h into buf (which must have length >= HeaderLen) and
// returns the number of bytes written.
func EncodeHeader(buf []byte, h Header) (int, error) {
	if len(buf) < HeaderLen {
		return 0, errShortBuffer
	}
	buf[0] = h.Type
	buf[1] = byte(h.Flags)
	copy(buf[2:10], h.MsgID[:])
	return HeaderLen, nil
}

// DecodeHeader parses a Header from the front of buf, returning the header
// and the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, 0, errShortBuffer
	}
	h.Type = buf[0]
	h.Flags = Flags(buf[1])
	copy(h.MsgID[:], buf[2:10])
	return h, HeaderLen, nil
}

// BuildFrame prepends a compact header to body, so every subsystem handing
// frames to an onion Send path produces something chat.Engine's
// handleCleartext can DecodeHeader back off. msgID may be the zero MsgId for
// frame types that carry their own id inside body.
func BuildFrame(typ byte, flags Flags, msgID cyxchat.MsgId, body []byte) []byte {
	buf := make([]byte, HeaderLen+len(body))
	_, _ = EncodeHeader(buf, Header{Type: typ, Flags: flags, MsgID: msgID})
	copy(buf[HeaderLen:], body)
	return buf
}
