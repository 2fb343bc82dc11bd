package simulator

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/muurk/kasalink/internal/crypto"
)

const (
	codeLoginError     = -1501
	codeSessionTimeout = 9999
)

type aesSession struct {
	cipher *crypto.AesSession
	token  string
}

// AesServer is a conforming AES (SMART) device
type AesServer struct {
	*httptest.Server
	Device *Device

	// LoginVersion selects which password field is accepted
	LoginVersion int

	mu       sync.Mutex
	sessions map[string]*aesSession
	logins   []string
}

type aesEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// StartAes starts an AES server for d
func StartAes(d *Device) *AesServer {
	s := &AesServer{Device: d, sessions: make(map[string]*aesSession)}
	mux := http.NewServeMux()
	mux.HandleFunc("/app", s.app)
	s.Server = httptest.NewServer(recordHits(d, mux))
	return s
}

// LoginUsers returns the login usernames tried, in order
func (s *AesServer) LoginUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

func (s *AesServer) app(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var env aesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, map[string]any{"error_code": codeJSONDecodeFail})
		return
	}
	switch env.Method {
	case "handshake":
		s.handshake(w, env.Params)
	case "securePassthrough":
		s.passthrough(w, r, env.Params)
	default:
		writeJSON(w, map[string]any{"error_code": -1002})
	}
}

func (s *AesServer) handshake(w http.ResponseWriter, params json.RawMessage) {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		writeJSON(w, map[string]any{"error_code": -1010})
		return
	}
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encrypted, err := crypto.EncryptToPEM(p.Key, material)
	if err != nil {
		writeJSON(w, map[string]any{"error_code": -1010})
		return
	}
	cipher, err := crypto.NewAesSession(material[:16], material[16:])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	id := newSessionID()
	s.mu.Lock()
	s.sessions[id] = &aesSession{cipher: cipher}
	s.mu.Unlock()

	w.Header().Add("Set-Cookie", fmt.Sprintf("%s=%s;TIMEOUT=1440", sessionCookie, id))
	writeJSON(w, map[string]any{
		"error_code": 0,
		"result":     map[string]any{"key": base64.StdEncoding.EncodeToString(encrypted)},
	})
}

func (s *AesServer) session(r *http.Request) (string, *aesSession) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.Value, s.sessions[c.Value]
}

func (s *AesServer) passthrough(w http.ResponseWriter, r *http.Request, params json.RawMessage) {
	id, sess := s.session(r)
	if sess == nil {
		writeJSON(w, map[string]any{"error_code": codeSessionTimeout})
		return
	}
	var p struct {
		Request string `json:"request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		writeJSON(w, map[string]any{"error_code": codeJSONDecodeFail})
		return
	}
	plain, err := sess.cipher.Decrypt(p.Request)
	if err != nil {
		writeJSON(w, map[string]any{"error_code": -1005})
		return
	}

	token := r.URL.Query().Get("token")
	var reply []byte
	if token == "" {
		reply = s.login(sess, plain)
	} else {
		if token != sess.token {
			writeJSON(w, map[string]any{"error_code": codeSessionTimeout})
			return
		}
		if s.Device.beginRequest(0) {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			writeJSON(w, map[string]any{"error_code": codeSessionTimeout})
			return
		}
		defer s.Device.endRequest()
		if err := s.Device.wait(r.Context()); err != nil {
			return
		}
		reply = s.Device.handleSmart(plain, 0)
	}

	encrypted, err := sess.cipher.Encrypt(reply)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"error_code": 0, "result": map[string]any{"response": encrypted}})
}

func (s *AesServer) login(sess *aesSession, plain []byte) []byte {
	var req struct {
		Method string            `json:"method"`
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal(plain, &req); err != nil || req.Method != "login_device" {
		return mustJSON(map[string]any{"error_code": -1002})
	}

	c := s.Device.Credentials
	s.mu.Lock()
	s.logins = append(s.logins, req.Params["username"])
	s.mu.Unlock()

	ok := req.Params["username"] == c.AesLoginUsername()
	if s.LoginVersion == 2 {
		ok = ok && req.Params["password2"] == c.AesLoginPassword2()
	} else {
		ok = ok && req.Params["password"] == c.AesLoginPassword()
	}
	if !ok {
		return mustJSON(map[string]any{"error_code": codeLoginError})
	}

	sess.token = newSessionID()
	s.Device.handshakeDone()
	return mustJSON(map[string]any{"error_code": 0, "result": map[string]any{"token": sess.token}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(mustJSON(v))
}
