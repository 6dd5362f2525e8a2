// Package chat implements the compact wire codec, fragmentation, and
// reassembly for direct messages (spec.md §4.3): encode-then-send,
// decode-then-dispatch, over a compact binary header riding an Onion
// contract.
package chat

import (
	"context"
	"sync"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("chat")

// Callback is invoked for every reassembled (or un-fragmented) message, in
// addition to the pull queue (spec.md §4.3 "Pull API").
type Callback func(from cyxchat.NodeId, msgType byte, payload []byte)

// Engine is the ChatEngine: it encodes/fragments outbound payloads, hands
// the encoded frames to the Onion contract (which encrypts them), and
// reassembles/dispatches inbound cleartext payloads.
type Engine struct {
	onion transport.Onion

	mu       sync.Mutex
	queue    recvQueue
	reasm    *reassemblyTable
	callback Callback
	nowMs    int64 // last now_ms observed via Poll; stamps new fragment entries
}

// NewEngine builds a ChatEngine bound to the given Onion contract. It
// installs itself as the Onion's receive sink.
func NewEngine(onion transport.Onion, cb Callback) *Engine {
	e := &Engine{
		onion:    onion,
		reasm:    newReassemblyTable(),
		callback: cb,
	}
	onion.SetCallback(e.handleCleartext)
	return e
}

// Poll advances the engine's timers: fragment-entry expiry (spec.md §4.3).
func (e *Engine) Poll(nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowMs = nowMs
	e.reasm.ExpireOlderThan(nowMs)
}

// RecvNext drains the pull FIFO, mirroring spec.md §4.3's recv_next.
func (e *Engine) RecvNext() (Received, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.pop()
}

func (e *Engine) deliver(from cyxchat.NodeId, msgType byte, payload []byte) {
	e.mu.Lock()
	e.queue.push(Received{From: from, Type: msgType, Payload: payload})
	cb := e.callback
	e.mu.Unlock()
	if cb != nil {
		cb(from, msgType, payload)
	}
}

// handleCleartext is wired as the Onion layer's receive callback. It parses
// the compact header, reassembles fragments, and dispatches complete
// messages.
func (e *Engine) handleCleartext(source [32]byte, cleartext []byte) {
	h, n, err := wire.DecodeHeader(cleartext)
	if err != nil {
		return // adversarial/malformed input is dropped silently (spec.md §7)
	}
	rest := cleartext[n:]
	from := cyxchat.NodeId(source)

	if !h.Flags.Has(wire.FlagFragmented) {
		if h.Type == cyxchat.TypeText {
			rest = reprefixText(rest)
		}
		e.deliver(from, h.Type, rest)
		return
	}

	fh, fn, err := wire.DecodeFragHeader(rest)
	if err != nil {
		return
	}
	chunk := rest[fn:]
	if int(fh.ChunkLen) > len(chunk) {
		return
	}
	chunk = chunk[:fh.ChunkLen]

	e.mu.Lock()
	complete, reassembled := e.reasm.addFragment(from, h.MsgID, fh, chunk, e.nowMs)
	e.mu.Unlock()
	if complete {
		e.deliver(from, h.Type, reassembled)
	}
}

// reprefixText turns a wire-encoded Text payload (1-byte length prefix)
// into the 2-byte little-endian length-prefixed form used for delivery,
// matching the shape reassembled fragments are delivered in (spec.md §4.3
// "Reassembly", §8 scenario A).
func reprefixText(wirePayload []byte) []byte {
	if len(wirePayload) < 1 {
		return wirePayload
	}
	tl := int(wirePayload[0])
	if len(wirePayload) < 1+tl {
		return wirePayload
	}
	out := make([]byte, 2+tl)
	out[0] = byte(tl)
	out[1] = byte(tl >> 8)
	copy(out[2:], wirePayload[1:1+tl])
	return out
}

// SendText builds, optionally fragments, and sends a Text frame
// (spec.md §4.3 table + "Fragmentation").
func (e *Engine) SendText(ctx context.Context, to cyxchat.NodeId, text string, replyTo *cyxchat.MsgId) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	textBytes := []byte(text)
	threshold := wire.FragChunkSize
	if replyTo != nil {
		threshold -= 8
	}
	if len(textBytes) <= threshold {
		buf := make([]byte, wire.HeaderLen+1+len(textBytes)+8)
		flags := wire.FlagEncrypted
		if replyTo != nil {
			flags |= wire.FlagReply
		}
		hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeText, Flags: flags, MsgID: msgID})
		pn, err := wire.EncodeText(buf[hn:], text, replyTo)
		if err != nil {
			return msgID, cyxchat.WrapError(cyxchat.Invalid, "encode text", err)
		}
		return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
	}
	return msgID, e.sendFragmented(ctx, to, msgID, textBytes, replyTo)
}

func (e *Engine) sendFragmented(ctx context.Context, to cyxchat.NodeId, msgID cyxchat.MsgId, text []byte, replyTo *cyxchat.MsgId) error {
	chunks := wire.SplitFragments(text)
	if len(chunks) > wire.MaxFragCount {
		return cyxchat.NewError(cyxchat.Invalid, "text exceeds maximum fragment count")
	}
	flags := wire.FlagEncrypted | wire.FlagFragmented
	if replyTo != nil {
		flags |= wire.FlagReply
	}
	for i, c := range chunks {
		buf := make([]byte, wire.HeaderLen+3+len(c))
		hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeText, Flags: flags, MsgID: msgID})
		fhn, _ := wire.EncodeFragHeader(buf[hn:], wire.FragHeader{FragIdx: byte(i), TotalFrags: byte(len(chunks)), ChunkLen: byte(len(c))})
		copy(buf[hn+fhn:], c)
		if err := e.onion.SendTo(ctx, to, buf); err != nil {
			log.Printf("fragment %d/%d send to %s failed: %v", i+1, len(chunks), to.Hex(), err)
			return cyxchat.WrapError(cyxchat.Network, "send fragment", err)
		}
	}
	return nil
}

// SendAck sends an Ack frame acknowledging ackID with the given status.
func (e *Engine) SendAck(ctx context.Context, to cyxchat.NodeId, ackID cyxchat.MsgId, status byte) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+9)
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeAck, Flags: wire.FlagEncrypted, MsgID: msgID})
	pn, _ := wire.EncodeAck(buf[hn:], ackID, status)
	return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
}

// SendTyping sends a Typing indicator frame.
func (e *Engine) SendTyping(ctx context.Context, to cyxchat.NodeId, isTyping bool) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+1)
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeTyping, Flags: wire.FlagEncrypted | wire.FlagEphemeral, MsgID: msgID})
	pn, _ := wire.EncodeTyping(buf[hn:], isTyping)
	return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
}

// SendReact sends a React frame, either adding or removing a reaction.
func (e *Engine) SendReact(ctx context.Context, to cyxchat.NodeId, target cyxchat.MsgId, reaction string, remove bool) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+10+len(reaction))
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeReact, Flags: wire.FlagEncrypted, MsgID: msgID})
	pn, err := wire.EncodeReact(buf[hn:], target, reaction, remove)
	if err != nil {
		return msgID, cyxchat.WrapError(cyxchat.Invalid, "encode react", err)
	}
	return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
}

// SendDelete sends a Delete frame for target.
func (e *Engine) SendDelete(ctx context.Context, to cyxchat.NodeId, target cyxchat.MsgId) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+8)
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeDelete, Flags: wire.FlagEncrypted, MsgID: msgID})
	pn, _ := wire.EncodeDelete(buf[hn:], target)
	return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
}

// SendEdit sends an Edit frame replacing target's text with newText.
func (e *Engine) SendEdit(ctx context.Context, to cyxchat.NodeId, target cyxchat.MsgId, newText string) (cyxchat.MsgId, error) {
	msgID := cyxchat.NewMsgId()
	buf := make([]byte, wire.HeaderLen+9+len(newText))
	hn, _ := wire.EncodeHeader(buf, wire.Header{Type: cyxchat.TypeEdit, Flags: wire.FlagEncrypted, MsgID: msgID})
	pn, err := wire.EncodeEdit(buf[hn:], target, newText)
	if err != nil {
		return msgID, cyxchat.WrapError(cyxchat.Invalid, "encode edit", err)
	}
	return msgID, e.onion.SendTo(ctx, to, buf[:hn+pn])
}
