// Package file implements the File Transfer engine (spec.md §4.4): chunked,
// end-to-end encrypted transfers with direct, relay, and DHT-backed
// delivery for offline recipients.
package file

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("file")

const (
	maxTransfers   = 16
	chunkSize      = 1024
	chunkPaceMs    = 500
	stallTimeoutMs = 60_000
	dhtMaxFileSize = 8 * 1024 * 1024
)

// Mode selects how chunk/offer bytes travel to the recipient.
type Mode int

const (
	ModeDirect Mode = iota
	ModeRelay
	ModeDhtMicro
	ModeDhtSignal
	ModePush
)

// State is the transfer state machine (sender and receiver share a
// vocabulary; not all states are reachable from both sides).
type State int

const (
	Pending State = iota
	Sending
	Receiving
	Paused
	Completed
	Failed
	Cancelled
)

// Meta is the FILE_META/FILE_OFFER payload: everything needed to decrypt
// and verify a transfer once chunks arrive.
type Meta struct {
	FileID       cyxchat.FileId
	Sender       cyxchat.NodeId // offer's origin, needed to unseal EncryptedKey
	Filename     string
	Mime         string
	Size         uint64
	ChunkCount   uint32
	FileKey      [32]byte // populated by unsealing EncryptedKey; never sent in cleartext
	Nonce        [24]byte
	FileHash     [32]byte // BLAKE2b of the *encrypted* content
	EncryptedKey [48]byte // file key sealed for the recipient
}

// Transfer is one tracked FileTransfer (spec.md §3, cap 16).
type Transfer struct {
	Meta       Meta
	Peer       cyxchat.NodeId
	State      State
	Mode       Mode
	ChunksDone uint32
	chunkBits  []bool // one bit per chunk
	data       []byte // sender: owns plaintext until Completed; receiver: size-allocated buffer
	lastChunkSentMs int64
	updatedAt  int64
	nextChunk  uint32
}

// OnComplete is invoked when a transfer reaches a terminal state.
type OnComplete func(t *Transfer, err error)

// OnIncomingOffer decides whether to accept an inbound offer; the receiver
// calls back into Engine.Accept/Reject from this hook (or later).
type OnIncomingOffer func(t *Transfer)

// PeerPubkeyLookup resolves a known peer's X25519 public key, used to
// unseal an inbound offer's file key (static-static exchange, see
// unsealKeyFor in codec.go).
type PeerPubkeyLookup func(cyxchat.NodeId) ([32]byte, bool)

// Engine is the File Transfer engine.
type Engine struct {
	onion      transport.Onion
	dht        transport.DHT
	self       cyxchat.NodeId
	selfSecret [32]byte
	peerPub    PeerPubkeyLookup

	mu        sync.Mutex
	transfers map[cyxchat.FileId]*Transfer
	order     []cyxchat.FileId
	onComplete OnComplete
	onOffer    OnIncomingOffer
	nowMs      int64
}

// New builds a File Transfer engine bound to the Onion contract (direct and
// relay delivery both ride through it) and an optional DHT for offline
// delivery. selfSecret is the host's own X25519 identity secret (used to
// seal outgoing and unseal incoming file keys); peerPub resolves a
// correspondent's X25519 public key for the same purpose.
func New(onion transport.Onion, dht transport.DHT, self cyxchat.NodeId, selfSecret [32]byte, peerPub PeerPubkeyLookup, onComplete OnComplete, onOffer OnIncomingOffer) *Engine {
	e := &Engine{
		onion:      onion,
		dht:        dht,
		self:       self,
		selfSecret: selfSecret,
		peerPub:    peerPub,
		transfers:  make(map[cyxchat.FileId]*Transfer),
		onComplete: onComplete,
		onOffer:    onOffer,
	}
	return e
}

// resolveFileKey unseals meta.EncryptedKey in place using the sender's
// public key, if known; meta.FileKey stays zero if the lookup fails, same
// as if the key seal were simply undeliverable.
func (e *Engine) resolveFileKey(meta *Meta) {
	if e.peerPub == nil {
		return
	}
	pub, ok := e.peerPub(meta.Sender)
	if !ok {
		return
	}
	key, err := unsealKeyFor(e.selfSecret, pub, meta.FileID, meta.EncryptedKey)
	if err != nil {
		log.Printf("unseal file key from %s failed: %v", meta.Sender.Hex(), err)
		return
	}
	meta.FileKey = key
}

// HandleCleartext is wired into the onion layer's (or a dispatcher's)
// receive path for file-transfer type bytes.
func (e *Engine) HandleCleartext(from cyxchat.NodeId, typ byte, payload []byte) {
	switch typ {
	case cyxchat.TypeFileMeta:
		e.handleMeta(from, payload)
	case cyxchat.TypeFileOffer:
		e.handleOffer(from, payload)
	case cyxchat.TypeFileAccept:
		e.handleAccept(from, payload)
	case cyxchat.TypeFileReject:
		e.handleReject(from, payload)
	case cyxchat.TypeFileChunk:
		e.handleChunk(from, payload)
	case cyxchat.TypeFileAck:
		e.handleAck(from, payload)
	case cyxchat.TypeFileComplete:
		e.handleComplete(from, payload)
	case cyxchat.TypeFileCancel:
		e.handleCancel(from, payload)
	case cyxchat.TypeFileDhtReady:
		e.handleDhtReady(from, payload)
	}
}

func (e *Engine) addTransfer(t *Transfer) error {
	if len(e.transfers) >= maxTransfers {
		return cyxchat.NewError(cyxchat.Full, "file transfer table full")
	}
	e.transfers[t.Meta.FileID] = t
	e.order = append(e.order, t.Meta.FileID)
	return nil
}

// prepareTransfer encrypts plaintext once and seals the file key for peer,
// shared by both the v2 offer/accept path (Send) and the v1 push path
// (SendPush).
func (e *Engine) prepareTransfer(peer cyxchat.NodeId, filename, mime string, plaintext []byte, peerPubkey [32]byte, mode Mode, state State) (*Transfer, error) {
	var key [32]byte
	if _, err := cryptoRandRead(key[:]); err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "generate file key", err)
	}
	var nonce [24]byte
	if _, err := cryptoRandRead(nonce[:]); err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "generate nonce", err)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "init aead", err)
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)
	hash := blake2b.Sum256(ciphertext)

	fileID := cyxchat.NewFileId()
	sealedKey, err := sealKeyFor(e.selfSecret, peerPubkey, fileID, key)
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Crypto, "seal file key", err)
	}

	chunkCount := uint32((len(ciphertext) + chunkSize - 1) / chunkSize)
	t := &Transfer{
		Meta: Meta{
			FileID: fileID, Sender: e.self, Filename: filename, Mime: mime,
			Size: uint64(len(plaintext)), ChunkCount: chunkCount,
			FileKey: key, Nonce: nonce, FileHash: hash, EncryptedKey: sealedKey,
		},
		Peer: peer, State: state, Mode: mode,
		chunkBits: make([]bool, chunkCount),
		data:      ciphertext,
		updatedAt: e.nowMs,
	}

	e.mu.Lock()
	err = e.addTransfer(t)
	e.mu.Unlock()
	if err != nil {
		cyxchat.Zeroize(key[:])
		return nil, err
	}
	return t, nil
}

// Send starts an outgoing transfer: encrypts plaintext once, offers it to
// peer, and begins pacing chunks once accepted (spec.md §4.4 v2).
func (e *Engine) Send(ctx context.Context, peer cyxchat.NodeId, filename, mime string, plaintext []byte, peerPubkey [32]byte) (cyxchat.FileId, error) {
	t, err := e.prepareTransfer(peer, filename, mime, plaintext, peerPubkey, ModeDirect, Pending)
	if err != nil {
		return cyxchat.FileId{}, err
	}
	offer := wire.BuildFrame(cyxchat.TypeFileOffer, 0, cyxchat.MsgId{}, encodeOffer(t.Meta))
	if err := e.onion.SendTo(ctx, peer, offer); err != nil {
		return t.Meta.FileID, cyxchat.WrapError(cyxchat.Network, "send file offer", err)
	}
	return t.Meta.FileID, nil
}

// SendPush starts an outgoing v1 "push" transfer (spec.md §4.4, FILE_META):
// unlike Send, the recipient is not asked to Accept first — FILE_META
// announces the transfer and chunks follow immediately.
func (e *Engine) SendPush(ctx context.Context, peer cyxchat.NodeId, filename, mime string, plaintext []byte, peerPubkey [32]byte) (cyxchat.FileId, error) {
	t, err := e.prepareTransfer(peer, filename, mime, plaintext, peerPubkey, ModePush, Sending)
	if err != nil {
		return cyxchat.FileId{}, err
	}
	meta := wire.BuildFrame(cyxchat.TypeFileMeta, 0, cyxchat.MsgId{}, encodeOffer(t.Meta))
	if err := e.onion.SendTo(ctx, peer, meta); err != nil {
		return t.Meta.FileID, cyxchat.WrapError(cyxchat.Network, "send file meta", err)
	}
	return t.Meta.FileID, nil
}

// handleMeta accepts an inbound FILE_META push offer: unlike handleOffer, no
// Accept round trip is required before chunks start arriving.
func (e *Engine) handleMeta(from cyxchat.NodeId, payload []byte) {
	meta, ok := decodeOffer(payload)
	if !ok {
		return
	}
	if meta.Size > dhtMaxFileSize*4 {
		return // oversized offers are dropped; no NACK for adversarial input
	}
	e.resolveFileKey(&meta)
	e.mu.Lock()
	if len(e.transfers) >= maxTransfers {
		e.mu.Unlock()
		return
	}
	t := &Transfer{
		Meta: meta, Peer: from, State: Receiving, Mode: ModePush,
		chunkBits: make([]bool, meta.ChunkCount),
		data:      make([]byte, meta.ChunkCount*chunkSize),
		updatedAt: e.nowMs,
	}
	e.transfers[meta.FileID] = t
	e.order = append(e.order, meta.FileID)
	cb := e.onOffer
	e.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// handleAck processes a v1 FILE_ACK, the push path's lightweight completion
// signal from the receiver (no verify_hash round trip, unlike FILE_COMPLETE).
func (e *Engine) handleAck(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 12 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])

	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok || t.Peer != from {
		e.mu.Unlock()
		return
	}
	t.State = Completed
	cyxchat.Zeroize(t.Meta.FileKey[:])
	cb := e.onComplete
	e.mu.Unlock()
	if cb != nil {
		cb(t, nil)
	}
}

func (e *Engine) handleOffer(from cyxchat.NodeId, payload []byte) {
	meta, ok := decodeOffer(payload)
	if !ok {
		return
	}
	if meta.Size > dhtMaxFileSize*4 {
		return // oversized offers are dropped; no NACK for adversarial input
	}
	e.resolveFileKey(&meta)
	e.mu.Lock()
	if len(e.transfers) >= maxTransfers {
		e.mu.Unlock()
		return
	}
	t := &Transfer{
		Meta: meta, Peer: from, State: Pending, Mode: ModeDirect,
		chunkBits: make([]bool, meta.ChunkCount),
		data:      make([]byte, meta.ChunkCount*chunkSize),
		updatedAt: e.nowMs,
	}
	e.transfers[meta.FileID] = t
	e.order = append(e.order, meta.FileID)
	cb := e.onOffer
	e.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// Accept moves an inbound offer to Receiving and requests resumption from
// startChunk (normally 0).
func (e *Engine) Accept(ctx context.Context, fileID cyxchat.FileId, startChunk uint32) error {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotFound, "unknown file transfer")
	}
	t.State = Receiving
	t.nextChunk = startChunk
	t.updatedAt = e.nowMs
	peer := t.Peer
	e.mu.Unlock()

	body := make([]byte, 8+4)
	copy(body[0:8], fileID[:])
	binary.LittleEndian.PutUint32(body[8:12], startChunk)
	return e.onion.SendTo(ctx, peer, wire.BuildFrame(cyxchat.TypeFileAccept, 0, cyxchat.MsgId{}, body))
}

// Reject declines an inbound offer.
func (e *Engine) Reject(ctx context.Context, fileID cyxchat.FileId) error {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok {
		t.State = Cancelled
	}
	e.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown file transfer")
	}
	body := fileID[:]
	return e.onion.SendTo(ctx, t.Peer, wire.BuildFrame(cyxchat.TypeFileReject, 0, cyxchat.MsgId{}, body))
}

func (e *Engine) handleAccept(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 12 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])
	startChunk := binary.LittleEndian.Uint32(payload[8:12])
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok && t.Peer == from {
		t.State = Sending
		t.nextChunk = startChunk
		t.updatedAt = e.nowMs
	}
	e.mu.Unlock()
}

func (e *Engine) handleReject(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok && t.Peer == from {
		t.State = Cancelled
		cyxchat.Zeroize(t.Meta.FileKey[:])
	}
	cb := e.onComplete
	e.mu.Unlock()
	if ok && cb != nil {
		cb(t, cyxchat.NewError(cyxchat.TransferError, "recipient rejected transfer"))
	}
}

func (e *Engine) handleCancel(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok && t.Peer == from {
		t.State = Cancelled
		cyxchat.Zeroize(t.Meta.FileKey[:])
	}
	cb := e.onComplete
	e.mu.Unlock()
	if ok && cb != nil {
		cb(t, cyxchat.NewError(cyxchat.TransferError, "transfer cancelled by peer"))
	}
}

// Poll paces outbound chunks (one per 500ms, first immediately) and
// detects stalls (spec.md §4.4 "Chunking", "Stall detection").
func (e *Engine) Poll(ctx context.Context, nowMs int64) {
	e.mu.Lock()
	e.nowMs = nowMs
	var toSend []*Transfer
	var stalled []*Transfer
	for _, t := range e.transfers {
		if (t.State == Sending || t.State == Receiving) && nowMs-t.updatedAt > stallTimeoutMs {
			t.State = Failed
			stalled = append(stalled, t)
			continue
		}
		if t.State == Sending && (t.lastChunkSentMs == 0 || nowMs-t.lastChunkSentMs >= chunkPaceMs) {
			toSend = append(toSend, t)
		}
	}
	e.mu.Unlock()

	for _, t := range stalled {
		cyxchat.Zeroize(t.Meta.FileKey[:])
		if e.onComplete != nil {
			e.onComplete(t, cyxchat.NewError(cyxchat.Timeout, "transfer stalled"))
		}
	}
	for _, t := range toSend {
		e.sendNextChunk(ctx, t)
	}
}

func (e *Engine) sendNextChunk(ctx context.Context, t *Transfer) {
	e.mu.Lock()
	idx := t.nextChunk
	if idx >= t.Meta.ChunkCount {
		e.mu.Unlock()
		return
	}
	start := int(idx) * chunkSize
	end := start + chunkSize
	if end > len(t.data) {
		end = len(t.data)
	}
	chunk := t.data[start:end]
	fileID := t.Meta.FileID
	peer := t.Peer
	t.nextChunk++
	t.lastChunkSentMs = e.nowMs
	t.updatedAt = e.nowMs
	e.mu.Unlock()

	body := make([]byte, 8+4+2+len(chunk))
	copy(body[0:8], fileID[:])
	binary.LittleEndian.PutUint32(body[8:12], idx)
	binary.LittleEndian.PutUint16(body[12:14], uint16(len(chunk)))
	copy(body[14:], chunk)
	frame := wire.BuildFrame(cyxchat.TypeFileChunk, 0, cyxchat.MsgId{}, body)
	if err := e.onion.SendTo(ctx, peer, frame); err != nil {
		log.Printf("chunk %d send to %s failed: %v", idx, peer.Hex(), err)
	}
}

func (e *Engine) handleChunk(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 14 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])
	idx := binary.LittleEndian.Uint32(payload[8:12])
	chunkLen := binary.LittleEndian.Uint16(payload[12:14])
	if len(payload) < 14+int(chunkLen) {
		return
	}
	chunk := payload[14 : 14+int(chunkLen)]

	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok || t.Peer != from || t.State != Receiving {
		e.mu.Unlock()
		return
	}
	if int(idx) >= len(t.chunkBits) {
		e.mu.Unlock()
		return
	}
	if !t.chunkBits[idx] {
		t.chunkBits[idx] = true
		t.ChunksDone++
		start := int(idx) * chunkSize
		copy(t.data[start:], chunk)
	}
	t.updatedAt = e.nowMs
	done := t.ChunksDone == t.Meta.ChunkCount
	e.mu.Unlock()

	if done {
		e.finishReceiving(t)
	}
}

func (e *Engine) finishReceiving(t *Transfer) {
	ctLen := int(t.Meta.Size) + chacha20poly1305.Overhead
	if ctLen > len(t.data) {
		ctLen = len(t.data)
	}
	hash := blake2b.Sum256(t.data[:ctLen])
	ok := hash == t.Meta.FileHash

	e.mu.Lock()
	if ok {
		t.State = Completed
	} else {
		t.State = Failed
	}
	mode := t.Mode
	cb := e.onComplete
	e.mu.Unlock()

	var verr error
	if !ok {
		verr = cyxchat.NewError(cyxchat.TransferError, "verify_hash mismatch")
	}

	if mode == ModePush {
		body := make([]byte, 8+4)
		copy(body[0:8], t.Meta.FileID[:])
		binary.LittleEndian.PutUint32(body[8:12], t.ChunksDone)
		frame := wire.BuildFrame(cyxchat.TypeFileAck, 0, cyxchat.MsgId{}, body)
		if err := e.onion.SendTo(context.Background(), t.Peer, frame); err != nil {
			log.Printf("ack send to %s failed: %v", t.Peer.Hex(), err)
		}
	} else {
		status := byte(1)
		if !ok {
			status = 0
		}
		body := make([]byte, 8+1+4+32)
		copy(body[0:8], t.Meta.FileID[:])
		body[8] = status
		binary.LittleEndian.PutUint32(body[9:13], t.ChunksDone)
		copy(body[13:], hash[:])
		frame := wire.BuildFrame(cyxchat.TypeFileComplete, 0, cyxchat.MsgId{}, body)
		if err := e.onion.SendTo(context.Background(), t.Peer, frame); err != nil {
			log.Printf("complete ack send to %s failed: %v", t.Peer.Hex(), err)
		}
	}
	if cb != nil {
		cb(t, verr)
	}
}

func (e *Engine) handleComplete(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 45 {
		return
	}
	var fileID cyxchat.FileId
	copy(fileID[:], payload[:8])
	status := payload[8]
	var verifyHash [32]byte
	copy(verifyHash[:], payload[13:45])

	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if !ok || t.Peer != from {
		e.mu.Unlock()
		return
	}
	match := status == 1 && verifyHash == t.Meta.FileHash
	if match {
		t.State = Completed
	} else {
		t.State = Failed
	}
	cyxchat.Zeroize(t.Meta.FileKey[:])
	cb := e.onComplete
	e.mu.Unlock()

	if cb != nil {
		var err error
		if !match {
			err = cyxchat.NewError(cyxchat.TransferError, "receiver reported verify_hash mismatch")
		}
		cb(t, err)
	}
}

// Cancel aborts a transfer in either role.
func (e *Engine) Cancel(ctx context.Context, fileID cyxchat.FileId) error {
	e.mu.Lock()
	t, ok := e.transfers[fileID]
	if ok {
		t.State = Cancelled
		cyxchat.Zeroize(t.Meta.FileKey[:])
	}
	e.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown file transfer")
	}
	return e.onion.SendTo(ctx, t.Peer, wire.BuildFrame(cyxchat.TypeFileCancel, 0, cyxchat.MsgId{}, fileID[:]))
}

// --- DHT delivery (spec.md §4.4 "DHT delivery for offline recipients") ---

func offerKey(recipient cyxchat.NodeId, fileID cyxchat.FileId) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(recipient[:])
	h.Write([]byte("CYXCHAT_FILE_OFFER"))
	h.Write(fileID[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func chunkKey(fileHash [32]byte, idx uint32) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(fileHash[:])
	h.Write([]byte("CHUNK"))
	var idxBuf [4]byte
	binary.LittleEndian.PutUint32(idxBuf[:], idx)
	h.Write(idxBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// inboxKey addresses a recipient's list of pending offer FileIDs. The DHT
// contract (transport.DHT) is exact-key get/put with no range queries, so a
// recipient coming back online has no way to enumerate offers addressed to
// it except through this per-recipient index.
func inboxKey(recipient cyxchat.NodeId) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(recipient[:])
	h.Write([]byte("CYXCHAT_FILE_INBOX"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

const maxInboxEntries = 64

func encodeInbox(ids []cyxchat.FileId) []byte {
	buf := make([]byte, len(ids)*8)
	for i, id := range ids {
		copy(buf[i*8:], id[:])
	}
	return buf
}

func decodeInbox(b []byte) []cyxchat.FileId {
	n := len(b) / 8
	ids := make([]cyxchat.FileId, n)
	for i := 0; i < n; i++ {
		copy(ids[i][:], b[i*8:])
	}
	return ids
}

// addToInbox appends fileID to recipient's pending-offer index with a
// read-modify-write, dropping the oldest entry once maxInboxEntries is
// reached.
func (e *Engine) addToInbox(ctx context.Context, recipient cyxchat.NodeId, fileID cyxchat.FileId) error {
	key := inboxKey(recipient)
	existing, found, err := e.dht.Get(ctx, key)
	if err != nil {
		return err
	}
	var ids []cyxchat.FileId
	if found {
		ids = decodeInbox(existing)
	}
	for _, id := range ids {
		if id == fileID {
			return nil
		}
	}
	ids = append(ids, fileID)
	if len(ids) > maxInboxEntries {
		ids = ids[len(ids)-maxInboxEntries:]
	}
	return e.dht.Put(ctx, key, encodeInbox(ids), 7*24*3600)
}

// SendViaDHT stores the offer and, for files under dhtMaxFileSize, every
// chunk in the DHT for later retrieval by an offline recipient
// (FILE_MODE_DHT_SIGNAL / FILE_MODE_DHT_MICRO).
func (e *Engine) SendViaDHT(ctx context.Context, recipient cyxchat.NodeId, t *Transfer) error {
	if e.dht == nil {
		return cyxchat.NewError(cyxchat.Invalid, "no DHT configured")
	}
	offerBytes := encodeOffer(t.Meta)
	if err := e.dht.Put(ctx, offerKey(recipient, t.Meta.FileID), offerBytes, 7*24*3600); err != nil {
		return cyxchat.WrapError(cyxchat.Network, "dht put offer", err)
	}
	if err := e.addToInbox(ctx, recipient, t.Meta.FileID); err != nil {
		return cyxchat.WrapError(cyxchat.Network, "dht put inbox", err)
	}
	if t.Meta.Size > dhtMaxFileSize {
		t.Mode = ModeDhtSignal
		return nil
	}
	t.Mode = ModeDhtMicro
	for i := uint32(0); i < t.Meta.ChunkCount; i++ {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(t.data) {
			end = len(t.data)
		}
		if err := e.dht.Put(ctx, chunkKey(t.Meta.FileHash, i), t.data[start:end], 7*24*3600); err != nil {
			return cyxchat.WrapError(cyxchat.Network, "dht put chunk", err)
		}
	}
	return nil
}

// FetchFromDHT is run by a recipient coming back online: it reads its own
// inbox index for pending FileIDs, then pulls and reassembles each offer's
// chunks in turn.
func (e *Engine) FetchFromDHT(ctx context.Context) ([]*Transfer, error) {
	if e.dht == nil {
		return nil, cyxchat.NewError(cyxchat.Invalid, "no DHT configured")
	}
	inboxBytes, found, err := e.dht.Get(ctx, inboxKey(e.self))
	if err != nil {
		return nil, cyxchat.WrapError(cyxchat.Network, "dht get inbox", err)
	}
	if !found {
		return nil, nil
	}
	var out []*Transfer
	for _, fileID := range decodeInbox(inboxBytes) {
		offerBytes, found, err := e.dht.Get(ctx, offerKey(e.self, fileID))
		if err != nil || !found {
			continue
		}
		meta, ok := decodeOffer(offerBytes)
		if !ok {
			continue
		}
		e.resolveFileKey(&meta)
		t := &Transfer{
			Meta: meta, State: Receiving, Mode: ModeDhtMicro,
			chunkBits: make([]bool, meta.ChunkCount),
			data:      make([]byte, meta.ChunkCount*chunkSize),
			updatedAt: e.nowMs,
		}
		for i := uint32(0); i < meta.ChunkCount; i++ {
			chunk, found, err := e.dht.Get(ctx, chunkKey(meta.FileHash, i))
			if err != nil || !found {
				continue
			}
			start := int(i) * chunkSize
			copy(t.data[start:], chunk)
			t.chunkBits[i] = true
			t.ChunksDone++
		}
		e.mu.Lock()
		e.transfers[meta.FileID] = t
		e.order = append(e.order, meta.FileID)
		e.mu.Unlock()
		if t.ChunksDone == meta.ChunkCount {
			e.finishReceiving(t)
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) handleDhtReady(from cyxchat.NodeId, payload []byte) {
	if len(payload) < 12 {
		return
	}
	// Notification-only: a direct peer telling us DHT data is ready. The
	// actual fetch is driven by FetchFromDHT on the host's own schedule.
	log.Printf("dht-ready notice from %s", from.Hex())
}
