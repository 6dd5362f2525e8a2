// Package mail implements the Mail Engine (spec.md §4.7): store-and-
// forward mail with signing, threading, retry/bounce, and folder actions.
package mail

import (
	"context"
	"crypto/ed25519"
	"strings"
	"sync"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/file"
	"github.com/code3hr/cyxchat/internal/wire"
	"github.com/code3hr/cyxchat/internal/xlog"
	"github.com/code3hr/cyxchat/transport"
)

var log = xlog.New("mail")

const (
	maxMail        = 256
	maxPendingSend = 16
	retryEveryMs   = 30_000
	maxRetries     = 3
	sigBodyCap     = 256
	inlineAttachCap = 64 * 1024
)

// Status and Folder mirror spec.md §3 "Mail".
type Status int

const (
	Draft Status = iota
	Queued
	Sent
	Delivered
	Failed
)

type Folder int

const (
	Inbox Folder = iota
	SentFolder
	Drafts
	Archive
	Trash
	Spam
	Custom
)

// Attachment is either inlined (≤ 64 KiB) or a pointer into the file
// transfer engine for larger payloads.
type Attachment struct {
	Name   string
	Inline []byte
	FileID cyxchat.FileId
}

// Mail is one tracked message (spec.md §3, cap 256).
type Mail struct {
	MailID        cyxchat.MailId
	From          cyxchat.NodeId
	To            []cyxchat.NodeId
	Cc            []cyxchat.NodeId
	Subject       string
	Body          string
	InReplyTo     cyxchat.MailId
	ThreadID      cyxchat.MailId
	Timestamp     int64
	Flagged       bool
	Read          bool
	Status        Status
	Folder        Folder
	Attachments    []Attachment
	Signature     [64]byte
	SignatureValid bool

	deletedOnce bool
}

type pendingSend struct {
	mailID    cyxchat.MailId
	startMs   int64
	lastRetry int64
	retries   int
}

// OnBounce fires when a pending send exhausts its retry budget.
type OnBounce func(m *Mail, reason string)

// Engine is the Mail Engine.
type Engine struct {
	onion  transport.Onion
	files  *file.Engine
	self   cyxchat.NodeId
	secret ed25519.PrivateKey

	mu       sync.Mutex
	store    map[cyxchat.MailId]*Mail
	order    []cyxchat.MailId
	pending  map[cyxchat.MailId]*pendingSend
	onBounce OnBounce
	nowMs    int64
}

// New builds a Mail Engine. files may be nil if large-attachment delivery
// is not needed by the host.
func New(onion transport.Onion, files *file.Engine, self cyxchat.NodeId, secret ed25519.PrivateKey, onBounce OnBounce) *Engine {
	return &Engine{
		onion: onion, files: files, self: self, secret: secret,
		store: make(map[cyxchat.MailId]*Mail), pending: make(map[cyxchat.MailId]*pendingSend),
		onBounce: onBounce,
	}
}

func signedMessage(mailID cyxchat.MailId, subject, body string) []byte {
	bodyCap := body
	if len(bodyCap) > sigBodyCap {
		bodyCap = bodyCap[:sigBodyCap]
	}
	buf := make([]byte, 0, 8+len(subject)+len(bodyCap))
	buf = append(buf, mailID[:]...)
	buf = append(buf, subject...)
	buf = append(buf, bodyCap...)
	return buf
}

// Compose creates a Draft mail, assigning thread_id per spec.md §4.7
// "Threading".
func (e *Engine) Compose(to, cc []cyxchat.NodeId, subject, body string, inReplyTo *cyxchat.MailId) (*Mail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.store) >= maxMail {
		return nil, cyxchat.NewError(cyxchat.Full, "mail store full")
	}
	m := &Mail{
		MailID: cyxchat.NewMailId(), From: e.self, To: to, Cc: cc,
		Subject: subject, Body: body, Timestamp: e.nowMs, Status: Draft, Folder: Drafts,
	}
	if inReplyTo != nil {
		m.InReplyTo = *inReplyTo
		if parent, ok := e.store[*inReplyTo]; ok {
			if !parent.ThreadID.IsZero() {
				m.ThreadID = parent.ThreadID
			} else {
				m.ThreadID = parent.MailID
			}
		} else {
			m.ThreadID = *inReplyTo
		}
	} else {
		m.ThreadID = m.MailID
	}
	e.store[m.MailID] = m
	e.order = append(e.order, m.MailID)
	return m, nil
}

// Send signs and queues a composed mail for delivery to every recipient.
func (e *Engine) Send(ctx context.Context, mailID cyxchat.MailId) error {
	e.mu.Lock()
	m, ok := e.store[mailID]
	if !ok {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.NotFound, "unknown mail")
	}
	if len(e.pending) >= maxPendingSend {
		e.mu.Unlock()
		return cyxchat.NewError(cyxchat.Full, "mail send queue full")
	}
	sig := ed25519.Sign(e.secret, signedMessage(m.MailID, m.Subject, m.Body))
	copy(m.Signature[:], sig)
	m.SignatureValid = true
	m.Status = Queued
	m.Folder = SentFolder
	e.pending[mailID] = &pendingSend{mailID: mailID, startMs: e.nowMs, lastRetry: e.nowMs}
	recipients := append(append([]cyxchat.NodeId{}, m.To...), m.Cc...)
	e.mu.Unlock()

	return e.emitToAll(ctx, m, recipients)
}

func (e *Engine) emitToAll(ctx context.Context, m *Mail, recipients []cyxchat.NodeId) error {
	frame := wire.BuildFrame(cyxchat.TypeMailSend, 0, cyxchat.MsgId(m.MailID), encodeMailSend(m))
	var firstErr error
	for _, to := range recipients {
		if err := e.onion.SendTo(ctx, to, frame); err != nil {
			log.Printf("mail send to %s failed: %v", to.Hex(), err)
			firstErr = cyxchat.WrapError(cyxchat.Network, "send mail", err)
		}
	}
	return firstErr
}

// Poll retries pending sends every 30s and bounces after 3 retries
// (spec.md §4.7 "Send queue").
func (e *Engine) Poll(ctx context.Context, nowMs int64) {
	e.mu.Lock()
	e.nowMs = nowMs
	var toRetry []*pendingSend
	var toBounce []*pendingSend
	for mailID, ps := range e.pending {
		if nowMs-ps.lastRetry < retryEveryMs {
			continue
		}
		if ps.retries >= maxRetries {
			toBounce = append(toBounce, ps)
			delete(e.pending, mailID)
			continue
		}
		ps.lastRetry = nowMs
		ps.retries++
		toRetry = append(toRetry, ps)
	}
	e.mu.Unlock()

	for _, ps := range toRetry {
		e.mu.Lock()
		m := e.store[ps.mailID]
		var recipients []cyxchat.NodeId
		if m != nil {
			recipients = append(append([]cyxchat.NodeId{}, m.To...), m.Cc...)
		}
		e.mu.Unlock()
		if m != nil {
			if err := e.emitToAll(ctx, m, recipients); err != nil {
				log.Printf("mail retry for %s failed: %v", ps.mailID.Hex(), err)
			}
		}
	}
	for _, ps := range toBounce {
		e.mu.Lock()
		m := e.store[ps.mailID]
		if m != nil {
			m.Status = Failed
			m.Folder = SentFolder
		}
		cb := e.onBounce
		e.mu.Unlock()
		if m != nil && cb != nil {
			cb(m, "Timeout")
		}
	}
}

// HandleSend stores an inbound MAIL_SEND, verifying its signature without
// dropping on failure (spec.md §4.7 "Signature").
func (e *Engine) HandleSend(from cyxchat.NodeId, payload []byte) (*Mail, error) {
	m, ok := decodeMailSend(payload)
	if !ok {
		return nil, cyxchat.NewError(cyxchat.Invalid, "malformed mail send")
	}
	m.From = from
	m.Folder = Inbox
	m.Status = Delivered
	m.SignatureValid = ed25519.Verify(senderPubkeyPlaceholder(from), signedMessage(m.MailID, m.Subject, m.Body), m.Signature[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.store) >= maxMail {
		return nil, cyxchat.NewError(cyxchat.Full, "mail store full")
	}
	e.store[m.MailID] = m
	e.order = append(e.order, m.MailID)
	return m, nil
}

// senderPubkeyPlaceholder resolves the sender's Ed25519 verification key.
// A real deployment wires this to the DNS engine's crypto-name table
// (Ed25519 pubkeys ride the same Announce as the X25519 key); tests that
// don't need signature verification can ignore SignatureValid.
var senderPubkeyResolver = func(from cyxchat.NodeId) ed25519.PublicKey {
	return ed25519.PublicKey(from[:])
}

func senderPubkeyPlaceholder(from cyxchat.NodeId) ed25519.PublicKey {
	return senderPubkeyResolver(from)
}

// BindSenderKeyResolver lets a host override how the mail engine maps a
// sender NodeId to its Ed25519 verification key.
func BindSenderKeyResolver(fn func(cyxchat.NodeId) ed25519.PublicKey) {
	senderPubkeyResolver = fn
}

// HandleAck marks a sent mail Delivered once the recipient acks it.
func (e *Engine) HandleAck(payload []byte) {
	mailID, ok := decodeMailAck(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	if m, ok := e.store[mailID]; ok {
		m.Status = Delivered
	}
	delete(e.pending, mailID)
	e.mu.Unlock()
}

// SendAck emits a MAIL_ACK to the original sender, confirming delivery of
// an inbound mail. Hosts call this after HandleSend for mail that should
// be acknowledged.
func (e *Engine) SendAck(ctx context.Context, mailID cyxchat.MailId, to cyxchat.NodeId) error {
	frame := wire.BuildFrame(cyxchat.TypeMailAck, 0, cyxchat.MsgId(mailID), encodeMailAck(mailID))
	return e.onion.SendTo(ctx, to, frame)
}

// HandleRead marks a sent mail Read once the recipient's read receipt
// arrives (spec.md §4.7 "mark_read ... optionally emits a read receipt").
func (e *Engine) HandleRead(payload []byte) {
	mailID, ok := decodeMailRead(payload)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.store[mailID]; ok {
		m.Read = true
	}
}

// HandleCleartext dispatches an inbound onion-delivered frame by its wire
// type, mirroring file.Engine's combined HandleCleartext multiplexer so a
// host can route every mail-range type through a single call.
func (e *Engine) HandleCleartext(ctx context.Context, from cyxchat.NodeId, typ byte, payload []byte) {
	switch typ {
	case cyxchat.TypeMailSend:
		m, err := e.HandleSend(from, payload)
		if err != nil {
			log.Printf("mail send from %s rejected: %v", from.Hex(), err)
			return
		}
		if err := e.SendAck(ctx, m.MailID, from); err != nil {
			log.Printf("mail ack to %s failed: %v", from.Hex(), err)
		}
	case cyxchat.TypeMailAck:
		e.HandleAck(payload)
	case cyxchat.TypeMailRead:
		e.HandleRead(payload)
	}
}

// MarkRead marks a mail read and optionally emits a read receipt
// (MAIL_READ) to the sender.
func (e *Engine) MarkRead(ctx context.Context, mailID cyxchat.MailId, emitReceipt bool) error {
	e.mu.Lock()
	m, ok := e.store[mailID]
	e.mu.Unlock()
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown mail")
	}
	if !emitReceipt {
		return nil
	}
	frame := wire.BuildFrame(cyxchat.TypeMailRead, 0, cyxchat.MsgId(mailID), mailID[:])
	return e.onion.SendTo(ctx, m.From, frame)
}

// Move, Delete (soft then hard), EmptyTrash, SetFlagged implement spec.md
// §4.7 "Folders and actions".
func (e *Engine) Move(mailID cyxchat.MailId, folder Folder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.store[mailID]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown mail")
	}
	m.Folder = folder
	return nil
}

func (e *Engine) Delete(mailID cyxchat.MailId) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.store[mailID]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown mail")
	}
	if m.Folder == Trash || m.deletedOnce {
		delete(e.store, mailID)
		for i, id := range e.order {
			if id == mailID {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
		return nil
	}
	m.Folder = Trash
	m.deletedOnce = true
	return nil
}

func (e *Engine) EmptyTrash() {
	e.mu.Lock()
	defer e.mu.Unlock()
	var kept []cyxchat.MailId
	for _, id := range e.order {
		if m, ok := e.store[id]; ok && m.Folder == Trash {
			delete(e.store, id)
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) SetFlagged(mailID cyxchat.MailId, flagged bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.store[mailID]
	if !ok {
		return cyxchat.NewError(cyxchat.NotFound, "unknown mail")
	}
	m.Flagged = flagged
	return nil
}

// Search is a case-sensitive substring match over subject and body
// (spec.md §4.7 "Folders and actions").
func (e *Engine) Search(query string) []*Mail {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Mail
	for _, id := range e.order {
		m := e.store[id]
		if m == nil {
			continue
		}
		if strings.Contains(m.Subject, query) || strings.Contains(m.Body, query) {
			out = append(out, m)
		}
	}
	return out
}
