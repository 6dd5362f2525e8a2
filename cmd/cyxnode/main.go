// Command cyxnode is a demo host binary wiring every cyxchat engine to a
// libp2p Transport, onion circuit, and local encrypted identity store, and
// exposing a small local-only HTTP surface to drive it.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/chat"
	"github.com/code3hr/cyxchat/connection"
	"github.com/code3hr/cyxchat/contact"
	"github.com/code3hr/cyxchat/dns"
	"github.com/code3hr/cyxchat/file"
	"github.com/code3hr/cyxchat/group"
	"github.com/code3hr/cyxchat/internal/keystore"
	"github.com/code3hr/cyxchat/internal/onionadapter"
	"github.com/code3hr/cyxchat/internal/simpledht"
	"github.com/code3hr/cyxchat/internal/transportadapter"
	"github.com/code3hr/cyxchat/mail"
	"github.com/code3hr/cyxchat/presence"
	"github.com/code3hr/cyxchat/relay"
)

func main() {
	// ---- Flags ----
	var (
		baseDir     string
		httpAddr    string
		autoAwayMs  int64
		pollEveryMs int
	)
	flag.StringVar(&baseDir, "base-dir", "", "identity/contacts storage dir (default: ~/.cyxchat)")
	flag.StringVar(&httpAddr, "http", "127.0.0.1:7420", "local admin HTTP address")
	flag.Int64Var(&autoAwayMs, "auto-away-ms", 300_000, "idle time before presence auto-away (0 disables)")
	flag.IntVar(&pollEveryMs, "poll-ms", 25, "engine poll interval in ms")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Identity ----
	paths, err := keystore.DefaultPaths(baseDir)
	if err != nil {
		log.Fatalf("storage paths: %v", err)
	}
	master, err := keystore.LoadOrCreateMasterKey(paths)
	if err != nil {
		log.Fatalf("master key: %v", err)
	}
	id, err := keystore.LoadOrCreateIdentity(paths, master)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("[node] id=%s", id.NodeID.Hex())

	// ---- Contact book ----
	book := contact.New(id.NodeID, id.X25519Pub)
	book.SetNow(nowMs())
	if n, err := keystore.LoadContacts(paths, master, book); err != nil {
		log.Printf("[contacts] load failed: %v", err)
	} else if n > 0 {
		log.Printf("[contacts] restored %d", n)
	}

	// ---- Transport (libp2p), independent of the cyxchat identity ----
	p2pPriv, _, err := p2pcrypto.GenerateKeyPair(p2pcrypto.Ed25519, -1)
	if err != nil {
		log.Fatalf("libp2p identity: %v", err)
	}
	t, err := transportadapter.New(ctx, id.NodeID, p2pPriv)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	// ---- Onion circuit, DHT, relay, connection manager ----
	onion, err := onionadapter.New(t, id.NodeID)
	if err != nil {
		log.Fatalf("onion: %v", err)
	}
	dht := simpledht.New(id.NodeID)
	relayClient := relay.New(t, id.NodeID, nil)
	conn := connection.New(t, onion, relayClient, id.NodeID, onion.GetPubkey())

	// Group key sealing is unsealed against the onion adapter's own X25519
	// secret, since that's the key peers learn via Announce/AddPeerKey.
	group.BindIdentity(onion.PrivateKey())

	// ---- Domain engines ----
	// File key sealing is static-static X25519 between our own onion secret
	// and the recipient's known public key, resolved through the contact
	// book the same way group key unsealing resolves onion.PrivateKey().
	filePeerPub := func(peer cyxchat.NodeId) ([32]byte, bool) {
		c, ok := book.Get(peer)
		if !ok {
			return [32]byte{}, false
		}
		return c.Pubkey, true
	}
	fileEng := file.New(onion, dht, id.NodeID, onion.PrivateKey(), filePeerPub,
		func(tr *file.Transfer, err error) {
			if err != nil {
				log.Printf("[file] transfer %s failed: %v", tr.Meta.FileID.Hex(), err)
				return
			}
			log.Printf("[file] transfer %s complete (%s)", tr.Meta.FileID.Hex(), tr.Meta.Filename)
		},
		func(tr *file.Transfer) {
			log.Printf("[file] incoming offer %s from %s (%s, %d bytes)", tr.Meta.FileID.Hex(), tr.Peer.Hex(), tr.Meta.Filename, tr.Meta.Size)
		},
	)
	groupEng := group.New(onion, id.NodeID)
	dnsEng := dns.New(t, id.NodeID, id.Ed25519Priv)
	mailEng := mail.New(onion, fileEng, id.NodeID, id.Ed25519Priv, func(m *mail.Mail, reason string) {
		log.Printf("[mail] %s bounced: %s", m.MailID.Hex(), reason)
	})
	presenceEng := presence.New(onion, id.NodeID, autoAwayMs)

	chatEng := chat.NewEngine(onion, dispatch(ctx, groupEng, mailEng, presenceEng, fileEng))

	// Raw frames the connection manager can't classify: DNS gossip and the
	// onion-circuit relay wrapper both ride the raw Transport directly.
	conn.SetRawCallback(func(from cyxchat.NodeId, payload []byte) {
		if len(payload) < 1 {
			return
		}
		switch {
		case payload[0] == cyxchat.TypeOnionRelay:
			onion.HandleFrame(ctx, payload)
		case payload[0] >= cyxchat.TypeDnsRegister && payload[0] <= cyxchat.TypeDnsAnnounce:
			dnsEng.HandleRawFrame(ctx, from, payload, knownPeers(book))
		}
	})
	conn.SetKeyLearnedCallback(func(id cyxchat.NodeId, pub [32]byte) {
		dnsEng.ObserveKey(id, pub)
	})

	srv := &server{
		book: book, conn: conn, chat: chatEng, group: groupEng, mail: mailEng,
		presence: presenceEng, dnsEng: dnsEng, file: fileEng, self: id.NodeID,
	}
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[http] admin surface listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin http: %v", err)
		}
	}()

	// ---- Poll loop ----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(pollEveryMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := nowMs()
			peers := knownPeers(book)
			chatEng.Poll(now)
			conn.Poll(now)
			relayClient.Poll(ctx, now)
			fileEng.Poll(ctx, now)
			groupEng.Poll(now)
			presenceEng.Poll(ctx, now, peers)
			mailEng.Poll(ctx, now)
			dnsEng.Poll(ctx, now, peers)
		case <-stop:
			log.Printf("[node] shutting down")
			_ = httpSrv.Close()
			if err := keystore.SaveContacts(paths, master, book.ListTrusted()); err != nil {
				log.Printf("[contacts] save failed: %v", err)
			}
			return
		}
	}
}

// dispatch routes a reassembled onion-decrypted frame to the owning
// engine by its wire type, mirroring the range table in wiretypes.go.
// TypeText/TypeAck/TypeTyping/TypeReact/TypeDelete/TypeEdit (the chat types
// interleaved in the same 0x10-0x19 byte range) need no routing here:
// chat.Engine already queued them for RecvNext before this fires. The file
// v1 push types (FILE_META=0x14, FILE_ACK=0x16) share that range but belong
// to file.Engine, so they get their own case below alongside v2's
// FILE_OFFER..FILE_DHT_READY span.
func dispatch(ctx context.Context, g *group.Engine, m *mail.Engine, p *presence.Engine, f *file.Engine) chat.Callback {
	return func(from cyxchat.NodeId, typ byte, payload []byte) {
		switch {
		case typ >= cyxchat.TypeGroupText && typ <= cyxchat.TypeGroupKick:
			g.HandleCleartext(from, typ, payload)
		case typ == cyxchat.TypePresenceStatus:
			p.HandleCleartext(from, typ, payload)
		case typ == cyxchat.TypeFileMeta || typ == cyxchat.TypeFileChunk || typ == cyxchat.TypeFileAck:
			f.HandleCleartext(from, typ, payload)
		case typ >= cyxchat.TypeFileOffer && typ <= cyxchat.TypeFileDhtReady:
			f.HandleCleartext(from, typ, payload)
		case typ >= cyxchat.TypeMailSend && typ <= cyxchat.TypeMailUnused:
			m.HandleCleartext(ctx, from, typ, payload)
		}
	}
}

// knownPeers returns the host's trusted contacts, used as the fan-out set
// for presence broadcasts, group rotations, and DNS gossip.
func knownPeers(book *contact.Book) []cyxchat.NodeId {
	trusted := book.ListTrusted()
	out := make([]cyxchat.NodeId, len(trusted))
	for i, c := range trusted {
		out[i] = c.NodeID
	}
	return out
}

func nowMs() int64 { return time.Now().UnixMilli() }
