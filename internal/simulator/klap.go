package simulator

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/muurk/kasalink/internal/crypto"
)

const sessionCookie = "TP_SESSIONID"

type klapSession struct {
	local, remote, auth []byte
	confirmed           bool
	keys                crypto.KlapKeys
	lastSeq             int32
}

// KlapServer is a conforming KLAP device. Version 1 answers IOT requests,
// version 2 answers SMART requests.
type KlapServer struct {
	*httptest.Server
	Device *Device

	// TimeoutSeconds is sent in the TIMEOUT cookie
	TimeoutSeconds int

	v2         bool
	mu         sync.Mutex
	sessions   map[string]*klapSession
	lastLocal  []byte
	lastRemote []byte
}

// StartKlap starts a KLAP server for d
func StartKlap(d *Device, v2 bool) *KlapServer {
	s := &KlapServer{
		Device:         d,
		TimeoutSeconds: 86400,
		v2:             v2,
		sessions:       make(map[string]*klapSession),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/app/handshake1", s.handshake1)
	mux.HandleFunc("/app/handshake2", s.handshake2)
	mux.HandleFunc("/app/request", s.request)
	s.Server = httptest.NewServer(recordHits(d, mux))
	return s
}

// LastSeeds returns the seeds of the most recent handshake1
func (s *KlapServer) LastSeeds() (local, remote []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLocal, s.lastRemote
}

// DropSessions forgets every session, as a device reboot would
func (s *KlapServer) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*klapSession)
}

func (s *KlapServer) authHash() []byte {
	if s.v2 {
		return s.Device.Credentials.KlapV2AuthHash()
	}
	return s.Device.Credentials.KlapV1AuthHash()
}

func (s *KlapServer) session(r *http.Request) (string, *klapSession) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.Value, s.sessions[c.Value]
}

func (s *KlapServer) handshake1(w http.ResponseWriter, r *http.Request) {
	local, _ := io.ReadAll(r.Body)
	if len(local) != 16 {
		http.Error(w, "bad seed", http.StatusBadRequest)
		return
	}
	remote, err := crypto.RandomBytes(16)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id := newSessionID()
	auth := s.authHash()

	var serverHash []byte
	if s.v2 {
		serverHash = crypto.SHA256(local, remote, auth)
	} else {
		serverHash = crypto.SHA256(local, auth)
	}

	s.mu.Lock()
	s.sessions[id] = &klapSession{local: local, remote: remote, auth: auth}
	s.lastLocal, s.lastRemote = local, remote
	s.mu.Unlock()

	w.Header().Add("Set-Cookie", fmt.Sprintf("%s=%s;TIMEOUT=%d", sessionCookie, id, s.TimeoutSeconds))
	_, _ = w.Write(append(append([]byte(nil), remote...), serverHash...))
}

func (s *KlapServer) handshake2(w http.ResponseWriter, r *http.Request) {
	_, sess := s.session(r)
	if sess == nil {
		http.Error(w, "no session", http.StatusBadRequest)
		return
	}
	payload, _ := io.ReadAll(r.Body)

	var expected []byte
	if s.v2 {
		expected = crypto.SHA256(sess.remote, sess.local, sess.auth)
	} else {
		expected = crypto.SHA256(sess.remote, sess.auth)
	}
	if subtle.ConstantTimeCompare(expected, payload) != 1 {
		http.Error(w, "bad confirmation", http.StatusUnauthorized)
		return
	}

	keys := crypto.DeriveKlapKeys(sess.local, sess.remote, sess.auth)
	s.mu.Lock()
	sess.confirmed = true
	sess.keys = keys
	sess.lastSeq = keys.Seq
	s.mu.Unlock()
	s.Device.handshakeDone()
	w.WriteHeader(http.StatusOK)
}

func (s *KlapServer) request(w http.ResponseWriter, r *http.Request) {
	id, sess := s.session(r)
	if sess == nil || !sess.confirmed {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	seq64, err := strconv.ParseInt(r.URL.Query().Get("seq"), 10, 32)
	if err != nil {
		http.Error(w, "bad seq", http.StatusBadRequest)
		return
	}
	seq := int32(seq64)
	body, _ := io.ReadAll(r.Body)
	if len(body) < 32 {
		http.Error(w, "short body", http.StatusBadRequest)
		return
	}
	signature, ciphertext := body[:32], body[32:]
	if !bytes.Equal(signature, crypto.KlapSignature(sess.keys.Signature, seq, ciphertext)) {
		http.Error(w, "bad signature", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if seq <= sess.lastSeq {
		s.mu.Unlock()
		http.Error(w, "sequence reused", http.StatusBadRequest)
		return
	}
	sess.lastSeq = seq
	s.mu.Unlock()

	if s.Device.beginRequest(int64(seq)) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		return
	}
	defer s.Device.endRequest()
	if err := s.Device.wait(r.Context()); err != nil {
		return
	}

	iv := crypto.KlapIV(sess.keys.IVBase, seq)
	plain, err := crypto.DecryptCBC(sess.keys.Key, iv, ciphertext)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	var reply []byte
	if s.v2 {
		reply = s.Device.handleSmart(plain, int64(seq))
	} else {
		reply = s.Device.handleIot(plain, int64(seq))
	}
	out, err := crypto.EncryptCBC(sess.keys.Key, iv, reply)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(append(crypto.KlapSignature(sess.keys.Signature, seq, out), out...))
}

// recordHits stores every request body before handing it on
func recordHits(d *Device, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.recordHit(r.URL.Path, body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func newSessionID() string {
	b, err := crypto.RandomBytes(16)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
