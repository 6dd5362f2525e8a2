package wire

import (
	"errors"

	"github.com/code3hr/cyxchat"
)

var (
	errTextTooLong     = errors.New("wire: text exceeds 255 bytes")
	errReactionTooLong = errors.New("wire: reaction exceeds 255 bytes")
)

// EncodeText writes text_len(1) || text || [reply_to(8) if replyTo != nil].
func EncodeText(buf []byte, text string, replyTo *cyxchat.MsgId) (int, error) {
	if len(text) > 255 {
		return 0, errTextTooLong
	}
	need := 1 + len(text)
	if replyTo != nil {
		need += 8
	}
	if len(buf) < need {
		return 0, errShortBuffer
	}
	buf[0] = byte(len(text))
	n := 1
	n += copy(buf[n:], text)
	if replyTo != nil {
		n += copy(buf[n:], replyTo[:])
	}
	return n, nil
}

// DecodedText is the parsed payload of a Text frame.
type DecodedText struct {
	Text    string
	ReplyTo *cyxchat.MsgId
}

// DecodeText parses a Text payload. hasReply must reflect FlagReply from
// the frame's header.
func DecodeText(buf []byte, hasReply bool) (DecodedText, int, error) {
	var out DecodedText
	if len(buf) < 1 {
		return out, 0, errShortBuffer
	}
	tl := int(buf[0])
	n := 1
	if len(buf) < n+tl {
		return out, 0, errShortBuffer
	}
	out.Text = string(buf[n : n+tl])
	n += tl
	if hasReply {
		if len(buf) < n+8 {
			return out, 0, errShortBuffer
		}
		var r cyxchat.MsgId
		copy(r[:], buf[n:n+8])
		out.ReplyTo = &r
		n += 8
	}
	return out, n, nil
}

// EncodeAck writes ack_msg_id(8) || status(1).
func EncodeAck(buf []byte, ackID cyxchat.MsgId, status byte) (int, error) {
	if len(buf) < 9 {
		return 0, errShortBuffer
	}
	copy(buf[0:8], ackID[:])
	buf[8] = status
	return 9, nil
}

// DecodeAck parses an Ack payload.
func DecodeAck(buf []byte) (cyxchat.MsgId, byte, int, error) {
	var id cyxchat.MsgId
	if len(buf) < 9 {
		return id, 0, 0, errShortBuffer
	}
	copy(id[:], buf[0:8])
	return id, buf[8], 9, nil
}

// EncodeTyping writes is_typing(1).
func EncodeTyping(buf []byte, isTyping bool) (int, error) {
	if len(buf) < 1 {
		return 0, errShortBuffer
	}
	if isTyping {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	return 1, nil
}

// DecodeTyping parses a Typing payload.
func DecodeTyping(buf []byte) (bool, int, error) {
	if len(buf) < 1 {
		return false, 0, errShortBuffer
	}
	return buf[0] != 0, 1, nil
}

// EncodeReact writes target(8) || rlen(1) || reaction(rlen) || remove(1).
func EncodeReact(buf []byte, target cyxchat.MsgId, reaction string, remove bool) (int, error) {
	if len(reaction) > 255 {
		return 0, errReactionTooLong
	}
	need := 8 + 1 + len(reaction) + 1
	if len(buf) < need {
		return 0, errShortBuffer
	}
	n := copy(buf, target[:])
	buf[n] = byte(len(reaction))
	n++
	n += copy(buf[n:], reaction)
	if remove {
		buf[n] = 1
	} else {
		buf[n] = 0
	}
	n++
	return n, nil
}

// DecodedReact is the parsed payload of a React frame.
type DecodedReact struct {
	Target   cyxchat.MsgId
	Reaction string
	Remove   bool
}

// DecodeReact parses a React payload.
func DecodeReact(buf []byte) (DecodedReact, int, error) {
	var out DecodedReact
	if len(buf) < 9 {
		return out, 0, errShortBuffer
	}
	copy(out.Target[:], buf[0:8])
	rl := int(buf[8])
	n := 9
	if len(buf) < n+rl+1 {
		return out, 0, errShortBuffer
	}
	out.Reaction = string(buf[n : n+rl])
	n += rl
	out.Remove = buf[n] != 0
	n++
	return out, n, nil
}

// EncodeDelete writes target(8).
func EncodeDelete(buf []byte, target cyxchat.MsgId) (int, error) {
	if len(buf) < 8 {
		return 0, errShortBuffer
	}
	copy(buf[0:8], target[:])
	return 8, nil
}

// DecodeDelete parses a Delete payload.
func DecodeDelete(buf []byte) (cyxchat.MsgId, int, error) {
	var id cyxchat.MsgId
	if len(buf) < 8 {
		return id, 0, errShortBuffer
	}
	copy(id[:], buf[0:8])
	return id, 8, nil
}

// EncodeEdit writes target(8) || new_len(1) || new_text.
func EncodeEdit(buf []byte, target cyxchat.MsgId, newText string) (int, error) {
	if len(newText) > 255 {
		return 0, errTextTooLong
	}
	need := 8 + 1 + len(newText)
	if len(buf) < need {
		return 0, errShortBuffer
	}
	n := copy(buf, target[:])
	buf[n] = byte(len(newText))
	n++
	n += copy(buf[n:], newText)
	return n, nil
}

// DecodedEdit is the parsed payload of an Edit frame.
type DecodedEdit struct {
	Target  cyxchat.MsgId
	NewText string
}

// DecodeEdit parses an Edit payload.
func DecodeEdit(buf []byte) (DecodedEdit, int, error) {
	var out DecodedEdit
	if len(buf) < 9 {
		return out, 0, errShortBuffer
	}
	copy(out.Target[:], buf[0:8])
	nl := int(buf[8])
	n := 9
	if len(buf) < n+nl {
		return out, 0, errShortBuffer
	}
	out.NewText = string(buf[n : n+nl])
	n += nl
	return out, n, nil
}
