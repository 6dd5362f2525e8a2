package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/code3hr/cyxchat"
	"github.com/code3hr/cyxchat/chat"
	"github.com/code3hr/cyxchat/connection"
	"github.com/code3hr/cyxchat/contact"
	"github.com/code3hr/cyxchat/dns"
	"github.com/code3hr/cyxchat/file"
	"github.com/code3hr/cyxchat/group"
	"github.com/code3hr/cyxchat/mail"
	"github.com/code3hr/cyxchat/presence"
)

// server exposes a small local-only JSON API over the engines: a plain
// net/http mux with one small handler per operation.
type server struct {
	self cyxchat.NodeId

	book     *contact.Book
	conn     *connection.Manager
	chat     *chat.Engine
	group    *group.Engine
	mail     *mail.Engine
	presence *presence.Engine
	dnsEng   *dns.Engine
	file     *file.Engine
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct{ NodeID string }{s.self.Hex()})
	})

	mux.HandleFunc("/contacts/add", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			NodeID  string
			Pubkey  string
			Petname string
		}
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id, err := cyxchat.NodeIdFromHex(req.NodeID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var pub [32]byte
		copy(pub[:], []byte(req.Pubkey))
		if _, err := s.book.Add(id, pub, req.Petname); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/contacts/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.book.ListTrusted())
	})

	mux.HandleFunc("/peers/connect", func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNodeIDQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.conn.Connect(id, func(err error) {
			if err != nil {
				log.Printf("[peers] connect to %s failed: %v", id.Hex(), err)
			}
		})
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/peers/status", func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNodeIDQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, ok := s.conn.Peer(id)
		if !ok {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}
		writeJSON(w, p)
	})

	mux.HandleFunc("/chat/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			To   string
			Text string
		}
		if json.NewDecoder(r.Body).Decode(&req) != nil || strings.TrimSpace(req.Text) == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		to, err := cyxchat.NodeIdFromHex(req.To)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msgID, err := s.chat.SendText(r.Context(), to, req.Text, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct{ MsgID string }{msgID.Hex()})
	})

	mux.HandleFunc("/chat/recv", func(w http.ResponseWriter, r *http.Request) {
		var out []chat.Received
		for {
			rcv, ok := s.chat.RecvNext()
			if !ok {
				break
			}
			out = append(out, rcv)
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/presence/set", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Status int
			Text   string
		}
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.presence.SetStatus(r.Context(), presence.Status(req.Status), req.Text, knownPeers(s.book)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/group/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ Name, Description string }
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		g, err := s.group.Create(req.Name, req.Description)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct{ GroupID string }{g.GroupID.Hex()})
	})

	mux.HandleFunc("/mail/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			To      []string
			Subject string
			Body    string
		}
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		to := make([]cyxchat.NodeId, 0, len(req.To))
		for _, h := range req.To {
			id, err := cyxchat.NodeIdFromHex(h)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			to = append(to, id)
		}
		m, err := s.mail.Compose(to, nil, req.Subject, req.Body, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := s.mail.Send(r.Context(), m.MailID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct{ MailID string }{m.MailID.Hex()})
	})

	mux.HandleFunc("/mail/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.mail.Search(r.URL.Query().Get("q")))
	})

	mux.HandleFunc("/dns/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ Name string }
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		rec, err := s.dnsEng.Register(r.Context(), req.Name, knownPeers(s.book))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("/dns/lookup", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		done := make(chan *dns.Record, 1)
		s.dnsEng.Lookup(r.Context(), name, knownPeers(s.book), func(rec *dns.Record) { done <- rec })
		select {
		case rec := <-done:
			writeJSON(w, rec)
		case <-r.Context().Done():
		}
	})

	mux.HandleFunc("/file/offer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			To       string
			Filename string
			Data     []byte
		}
		if json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		to, err := cyxchat.NodeIdFromHex(req.To)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		peer, ok := s.book.Get(to)
		if !ok {
			http.Error(w, "unknown contact", http.StatusNotFound)
			return
		}
		fileID, err := s.file.Send(r.Context(), to, req.Filename, "application/octet-stream", req.Data, peer.Pubkey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct{ FileID string }{fileID.Hex()})
	})

	return mux
}

func parseNodeIDQuery(r *http.Request) (cyxchat.NodeId, error) {
	return cyxchat.NodeIdFromHex(r.URL.Query().Get("id"))
}
