package simulator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/muurk/kasalink/internal/crypto"
)

const (
	codeSessionExpired = -40401
	codeBadUsername    = -40411
	codeInvalidNonce   = -40413
	cameraStartSeq     = 100
)

type cameraSession struct {
	cnonce, nonce string
	stok          string
	cipher        *crypto.AesSession
	seq           int64
}

// SslAesServer is a conforming camera speaking the SSL-AES login over TLS
type SslAesServer struct {
	*httptest.Server
	Device *Device

	// LegacyHash makes the camera confirm with HEX(MD5(password))
	LegacyHash bool

	mu      sync.Mutex
	pending map[string]*cameraSession
	active  map[string]*cameraSession
}

// StartSslAes starts a TLS camera for d
func StartSslAes(d *Device) *SslAesServer {
	s := &SslAesServer{
		Device:  d,
		pending: make(map[string]*cameraSession),
		active:  make(map[string]*cameraSession),
	}
	s.Server = httptest.NewTLSServer(recordHits(d, http.HandlerFunc(s.serve)))
	return s
}

func (s *SslAesServer) pwdHash() string {
	if s.LegacyHash {
		return s.Device.Credentials.PasswordMD5Hex()
	}
	return s.Device.Credentials.PasswordSHA256Hex()
}

func (s *SslAesServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" || r.URL.Path == "" {
		s.login(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/stok=") && strings.HasSuffix(r.URL.Path, "/ds") {
		stok := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/stok="), "/ds")
		s.request(w, r, stok)
		return
	}
	http.NotFound(w, r)
}

func (s *SslAesServer) login(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var env struct {
		Method string `json:"method"`
		Params struct {
			Cnonce       string `json:"cnonce"`
			DigestPasswd string `json:"digest_passwd"`
			Username     string `json:"username"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Method != "login" {
		writeJSON(w, map[string]any{"error_code": codeJSONDecodeFail})
		return
	}
	p := env.Params
	if p.Username != s.Device.Credentials.Username {
		writeJSON(w, map[string]any{
			"error_code": codeSessionExpired,
			"result":     map[string]any{"data": map[string]any{"code": codeBadUsername}},
		})
		return
	}

	pwdHash := s.pwdHash()
	if p.DigestPasswd == "" {
		nonce := strings.ToUpper(newSessionID()[:16])
		s.mu.Lock()
		s.pending[p.Cnonce] = &cameraSession{cnonce: p.Cnonce, nonce: nonce}
		s.mu.Unlock()
		writeJSON(w, map[string]any{
			"error_code": codeInvalidNonce,
			"result": map[string]any{"data": map[string]any{
				"code":           codeInvalidNonce,
				"encrypt_type":   []string{"3"},
				"nonce":          nonce,
				"device_confirm": crypto.CameraConfirmHash(p.Cnonce, nonce, pwdHash),
			}},
		})
		return
	}

	s.mu.Lock()
	sess := s.pending[p.Cnonce]
	delete(s.pending, p.Cnonce)
	s.mu.Unlock()
	if sess == nil || p.DigestPasswd != crypto.CameraDigestPassword(sess.cnonce, sess.nonce, pwdHash) {
		writeJSON(w, map[string]any{"error_code": codeInvalidNonce})
		return
	}

	cipher, err := crypto.NewAesSession(
		crypto.CameraSessionToken("lsk", sess.cnonce, sess.nonce, pwdHash),
		crypto.CameraSessionToken("ivb", sess.cnonce, sess.nonce, pwdHash),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sess.cipher = cipher
	sess.stok = newSessionID()
	sess.seq = cameraStartSeq
	s.mu.Lock()
	s.active[sess.stok] = sess
	s.mu.Unlock()
	s.Device.handshakeDone()

	writeJSON(w, map[string]any{
		"error_code": 0,
		"result":     map[string]any{"stok": sess.stok, "start_seq": cameraStartSeq, "user_group": "root"},
	})
}

func (s *SslAesServer) request(w http.ResponseWriter, r *http.Request, stok string) {
	s.mu.Lock()
	sess := s.active[stok]
	s.mu.Unlock()
	if sess == nil {
		writeJSON(w, map[string]any{"error_code": codeSessionExpired})
		return
	}

	body, _ := io.ReadAll(r.Body)
	seq, err := strconv.ParseInt(r.Header.Get("Seq"), 10, 64)
	if err != nil || seq != sess.seq {
		http.Error(w, "bad seq", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("Tapo_tag") != crypto.CameraTag(body, sess.cnonce, s.pwdHash(), seq) {
		http.Error(w, "bad tag", http.StatusInternalServerError)
		return
	}
	sess.seq++

	if s.Device.beginRequest(seq) {
		s.mu.Lock()
		delete(s.active, stok)
		s.mu.Unlock()
		writeJSON(w, map[string]any{"error_code": codeSessionExpired})
		return
	}
	defer s.Device.endRequest()
	if err := s.Device.wait(r.Context()); err != nil {
		return
	}

	var env struct {
		Method string `json:"method"`
		Params struct {
			Request string `json:"request"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Method != "securePassthrough" {
		writeJSON(w, map[string]any{"error_code": codeJSONDecodeFail})
		return
	}
	plain, err := sess.cipher.Decrypt(env.Params.Request)
	if err != nil {
		writeJSON(w, map[string]any{"error_code": -1005})
		return
	}
	encrypted, err := sess.cipher.Encrypt(s.Device.handleSmart(plain, seq))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"error_code": 0, "result": map[string]any{"response": encrypted}})
}
