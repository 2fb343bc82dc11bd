package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/crypto"
	"github.com/muurk/kasalink/internal/httpclient"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"go.uber.org/zap"
)

const (
	methodLogin         = "login"
	cameraEncryptType   = "3"
	cameraCnonceSize    = 8
	cameraUserAgent     = "Tapo CameraClient Android"
	cameraSessionLabel  = "lsk"
	cameraIVLabel       = "ivb"
	cameraTokenPathTmpl = "%s/stok=%s/ds"
)

type cameraLoginParams struct {
	Cnonce       string `json:"cnonce,omitempty"`
	EncryptType  string `json:"encrypt_type,omitempty"`
	DigestPasswd string `json:"digest_passwd,omitempty"`
	Username     string `json:"username"`
	Hashed       bool   `json:"hashed,omitempty"`
	Password     string `json:"password,omitempty"`
}

// cameraData is the "data" object cameras attach to login errors
type cameraData struct {
	Code          *int            `json:"code"`
	Nonce         string          `json:"nonce"`
	DeviceConfirm string          `json:"device_confirm"`
	EncryptType   json.RawMessage `json:"encrypt_type"`
	SecLeft       int             `json:"sec_left"`
}

type cameraLoginResponse struct {
	outer *outerResponse
	// data is result.data, or the top level data object for blocked devices
	data     cameraData
	rootData cameraData
	Stok     string
	StartSeq int64
}

func (r *cameraLoginResponse) code() kasaerr.ErrorCode { return r.outer.code() }

func (r *cameraLoginResponse) hasNonce() bool {
	return r.code() == kasaerr.InvalidNonce && r.data.Nonce != ""
}

// innerCode reads data.code at the root first, then result.data.code
func (r *cameraLoginResponse) innerCode() (kasaerr.ErrorCode, bool) {
	raw := r.rootData.Code
	if raw == nil {
		raw = r.data.Code
	}
	if raw == nil {
		return kasaerr.Success, false
	}
	code, _ := kasaerr.CodeFromInt(*raw)
	return code, true
}

// lessSecure reports whether the camera asked for the legacy md5 login
func (r *cameraLoginResponse) lessSecure() bool {
	if r.code() != kasaerr.SessionExpired || len(r.data.EncryptType) == 0 {
		return false
	}
	var types []string
	if err := json.Unmarshal(r.data.EncryptType, &types); err != nil {
		return false
	}
	return len(types) > 0 && !(len(types) == 1 && types[0] == cameraEncryptType)
}

type sslAesSession struct {
	cipher   *crypto.AesSession
	tokenURL string
	seq      int64
	pwdHash  string
	cnonce   string
	secure   bool
}

// SslAesTransport implements the camera login: a nonce exchange proving
// knowledge of the password hash, followed by AES passthrough requests
// tagged with a per-request hash header.
type SslAesTransport struct {
	cfg      Config
	http     *httpclient.Client
	appURL   string
	headers  map[string]string
	defaults *credentials.Credentials
	nonce    func() (string, error)

	state   SessionState
	session *sslAesSession
}

// NewSslAesTransport creates a camera transport. Certificates are not
// verified.
func NewSslAesTransport(cfg Config) *SslAesTransport {
	cfg = cfg.withDefaults(FamilySslAes)
	hostPort := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	appURL := "https://" + hostPort
	return &SslAesTransport{
		cfg:    cfg,
		http:   newHTTP(cfg, true),
		appURL: appURL,
		headers: map[string]string{
			"Content-Type": "application/json; charset=UTF-8",
			"requestByApp": "true",
			"Accept":       "application/json",
			"User-Agent":   cameraUserAgent,
			"Referer":      appURL,
		},
		defaults: credentials.Default(credentials.DefaultTapoCamera),
		nonce:    randomCnonce,
		state:    NoSession{},
	}
}

func randomCnonce() (string, error) {
	b, err := crypto.RandomBytes(cameraCnonceSize)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Family implements Transport
func (t *SslAesTransport) Family() Family { return FamilySslAes }

// Host implements Transport
func (t *SslAesTransport) Host() string { return t.cfg.Host }

// State implements Transport
func (t *SslAesTransport) State() SessionState { return t.state }

// Open performs the login if no session exists
func (t *SslAesTransport) Open(ctx context.Context) error {
	if t.session != nil && IsEstablished(t.state) {
		return nil
	}
	return t.handshake(ctx)
}

// passwordSource returns the credentials whose password is hashed
func (t *SslAesTransport) passwordSource() *credentials.Credentials {
	if !t.cfg.Credentials.IsBlank() {
		return t.cfg.Credentials
	}
	return t.defaults
}

func (t *SslAesTransport) handshake(ctx context.Context) error {
	t.resetSession()
	t.state = Handshaking{Stage: "handshake1"}
	err := t.performHandshake(ctx)
	if err != nil {
		t.resetSession()
		return err
	}
	logging.LogHandshake(t.cfg.Host, FamilySslAes.String(), "established")
	return nil
}

func (t *SslAesTransport) performHandshake(ctx context.Context) error {
	pwd := t.passwordSource()
	username := t.cfg.Credentials.Username

	var (
		resp   *cameraLoginResponse
		cnonce string
		err    error
	)
	if username != "" {
		if cnonce, err = t.nonce(); err != nil {
			return err
		}
		if resp, err = t.sendHandshake1(ctx, username, cnonce); err != nil {
			return err
		}
		if resp.lessSecure() {
			if code, _ := resp.innerCode(); code != kasaerr.BadUsername {
				ok, err := t.lessSecureLogin(ctx, username, pwd)
				if err != nil || ok {
					return err
				}
			}
		}
	}

	if resp == nil || !resp.hasNonce() {
		logging.Debug("Trying default camera username", zap.String("host", t.cfg.Host))
		defaultNonce, err := t.nonce()
		if err != nil {
			return err
		}
		dresp, err := t.sendHandshake1(ctx, t.defaults.Username, defaultNonce)
		if err != nil {
			return err
		}
		switch {
		case dresp.hasNonce():
			username, resp, cnonce = t.defaults.Username, dresp, defaultNonce
		case dresp.lessSecure():
			ok, err := t.lessSecureLogin(ctx, t.defaults.Username, pwd)
			if err != nil || ok {
				return err
			}
		}
	}

	if username == "" {
		return kasaerr.NewAuthError("credentials must be supplied").WithHost(t.cfg.Host)
	}
	if resp == nil || !resp.hasNonce() {
		if resp != nil {
			if code, ok := resp.innerCode(); ok && code == kasaerr.DeviceBlocked {
				msg := "device blocked"
				if resp.rootData.SecLeft > 0 {
					msg = fmt.Sprintf("device blocked for %d seconds", resp.rootData.SecLeft)
				}
				e := kasaerr.NewDeviceError(methodLogin, kasaerr.DeviceBlocked).WithHost(t.cfg.Host)
				e.Message = msg
				return e
			}
		}
		return kasaerr.NewAuthError("camera did not offer a secure login nonce").WithHost(t.cfg.Host)
	}

	nonce := resp.data.Nonce
	for _, pwdHash := range []string{pwd.PasswordSHA256Hex(), pwd.PasswordMD5Hex()} {
		if crypto.CameraConfirmHash(cnonce, nonce, pwdHash) == resp.data.DeviceConfirm {
			return t.handshake2(ctx, username, cnonce, nonce, pwdHash)
		}
	}
	return kasaerr.NewAuthError("device confirm did not match, check username and password").WithHost(t.cfg.Host)
}

func (t *SslAesTransport) postLogin(ctx context.Context, params cameraLoginParams, stage string) (*cameraLoginResponse, error) {
	body, err := json.Marshal(envelope{Method: methodLogin, Params: params})
	if err != nil {
		return nil, kasaerr.NewDecodeError("encode "+stage, err).WithHost(t.cfg.Host)
	}
	resp, err := t.http.Post(ctx, t.appURL, body, t.headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, stage)
	}
	logging.LogRawBytes("Camera "+stage, resp.Body)

	outer, err := decodeOuter(t.cfg.Host, resp.Body, stage)
	if err != nil {
		return nil, err
	}
	out := &cameraLoginResponse{outer: outer}
	var result struct {
		Data     cameraData `json:"data"`
		Stok     string     `json:"stok"`
		StartSeq int64      `json:"start_seq"`
	}
	if len(outer.Result) > 0 {
		if err := json.Unmarshal(outer.Result, &result); err != nil {
			return nil, kasaerr.NewDecodeError("invalid "+stage+" result", err).WithHost(t.cfg.Host)
		}
	}
	if len(outer.Data) > 0 {
		_ = json.Unmarshal(outer.Data, &out.rootData)
	}
	out.data, out.Stok, out.StartSeq = result.Data, result.Stok, result.StartSeq
	return out, nil
}

func (t *SslAesTransport) sendHandshake1(ctx context.Context, username, cnonce string) (*cameraLoginResponse, error) {
	logging.LogHandshake(t.cfg.Host, FamilySslAes.String(), "handshake1")
	return t.postLogin(ctx, cameraLoginParams{
		Cnonce:      cnonce,
		EncryptType: cameraEncryptType,
		Username:    username,
	}, "handshake1")
}

// lessSecureLogin performs the legacy login with an md5 password hash.
// Requests are then sent unencrypted.
func (t *SslAesTransport) lessSecureLogin(ctx context.Context, username string, pwd *credentials.Credentials) (bool, error) {
	logging.LogHandshake(t.cfg.Host, FamilySslAes.String(), "less secure login")
	pwdHash := pwd.PasswordMD5Hex()
	resp, err := t.postLogin(ctx, cameraLoginParams{
		Hashed:   true,
		Password: pwdHash,
		Username: username,
	}, "login")
	if err != nil {
		return false, err
	}
	if !resp.code().IsSuccess() || resp.Stok == "" {
		logging.Debug("Less secure login rejected", zap.String("host", t.cfg.Host))
		return false, nil
	}
	t.session = &sslAesSession{
		tokenURL: fmt.Sprintf(cameraTokenPathTmpl, t.appURL, resp.Stok),
		pwdHash:  pwdHash,
	}
	t.state = Established{}
	return true, nil
}

func (t *SslAesTransport) handshake2(ctx context.Context, username, cnonce, nonce, pwdHash string) error {
	t.state = Handshaking{Stage: "handshake2"}
	logging.LogHandshake(t.cfg.Host, FamilySslAes.String(), "handshake2")

	resp, err := t.postLogin(ctx, cameraLoginParams{
		Cnonce:       cnonce,
		EncryptType:  cameraEncryptType,
		DigestPasswd: crypto.CameraDigestPassword(cnonce, nonce, pwdHash),
		Username:     username,
	}, "handshake2")
	if err != nil {
		return err
	}
	code := resp.code()
	if code == kasaerr.InvalidNonce {
		return kasaerr.NewAuthCodeError("invalid password hash in handshake2", code).WithHost(t.cfg.Host)
	}
	if !code.IsSuccess() {
		return kasaerr.FromCode("handshake2 rejected", code).WithHost(t.cfg.Host)
	}
	if resp.Stok == "" {
		return kasaerr.NewDecodeError("handshake2 response has no stok", nil).WithHost(t.cfg.Host)
	}

	cipher, err := crypto.NewAesSession(
		crypto.CameraSessionToken(cameraSessionLabel, cnonce, nonce, pwdHash),
		crypto.CameraSessionToken(cameraIVLabel, cnonce, nonce, pwdHash),
	)
	if err != nil {
		return err
	}
	t.session = &sslAesSession{
		cipher:   cipher,
		tokenURL: fmt.Sprintf(cameraTokenPathTmpl, t.appURL, resp.Stok),
		seq:      resp.StartSeq,
		pwdHash:  pwdHash,
		cnonce:   cnonce,
		secure:   true,
	}
	t.state = Established{Seq: resp.StartSeq}
	return nil
}

// Send implements Transport
func (t *SslAesTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	if t.session == nil || !IsEstablished(t.state) {
		if err := t.handshake(ctx); err != nil {
			return nil, err
		}
	}
	if t.session.secure {
		return t.sendSecure(ctx, request)
	}
	return t.sendPlain(ctx, request)
}

func (t *SslAesTransport) sendSecure(ctx context.Context, request []byte) ([]byte, error) {
	s := t.session
	encrypted, err := s.cipher.Encrypt(request)
	if err != nil {
		return nil, kasaerr.NewDecodeError("encrypt request", err).WithHost(t.cfg.Host)
	}
	body, err := json.Marshal(envelope{Method: methodPassthrough, Params: passthroughParams{Request: encrypted}})
	if err != nil {
		return nil, kasaerr.NewDecodeError("encode passthrough", err).WithHost(t.cfg.Host)
	}

	seq := s.seq
	headers := make(map[string]string, len(t.headers)+2)
	for k, v := range t.headers {
		headers[k] = v
	}
	headers["Seq"] = strconv.FormatInt(seq, 10)
	headers["Tapo_tag"] = crypto.CameraTag(body, s.cnonce, s.pwdHash, seq)
	s.seq++
	t.state = Established{Seq: s.seq}

	logging.LogRequest(t.cfg.Host, FamilySslAes.String(), seq, len(body))
	resp, err := t.http.Post(ctx, s.tokenURL, body, headers)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusInternalServerError:
		// Another client logging in from the same host replaces our session
		t.expire("status 500")
		return nil, kasaerr.NewSessionExpiredError("device replied 500 after handshake", kasaerr.Success).WithHost(t.cfg.Host)
	case resp.StatusCode != http.StatusOK:
		return nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, methodPassthrough)
	}

	outer, err := decodeOuter(t.cfg.Host, resp.Body, methodPassthrough)
	if err != nil {
		return nil, err
	}
	if err := t.checkOuterCode(outer.code()); err != nil {
		return nil, err
	}

	var result struct {
		Response *string `json:"response"`
	}
	if len(outer.Result) > 0 {
		_ = json.Unmarshal(outer.Result, &result)
	}
	if result.Response == nil {
		// Single requests are answered in the clear
		return resp.Body, nil
	}
	plain, err := s.cipher.Decrypt(*result.Response)
	if err != nil {
		if json.Valid([]byte(*result.Response)) {
			logging.Debug("Received unencrypted passthrough response", zap.String("host", t.cfg.Host))
			return []byte(*result.Response), nil
		}
		return nil, kasaerr.NewDecodeError("unable to decrypt response", err).WithHost(t.cfg.Host)
	}
	logging.LogRawBytes("Camera response", plain)
	return plain, nil
}

func (t *SslAesTransport) sendPlain(ctx context.Context, request []byte) ([]byte, error) {
	logging.LogRequest(t.cfg.Host, FamilySslAes.String(), 0, len(request))
	resp, err := t.http.Post(ctx, t.session.tokenURL, request, t.headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, "unencrypted send")
	}
	outer, err := decodeOuter(t.cfg.Host, resp.Body, "unencrypted send")
	if err != nil {
		return nil, err
	}
	if err := t.checkOuterCode(outer.code()); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t *SslAesTransport) checkOuterCode(code kasaerr.ErrorCode) error {
	switch code.Category() {
	case kasaerr.CategorySuccess:
		return nil
	case kasaerr.CategorySessionInvalid:
		t.expire(code.Name())
		return kasaerr.NewSessionExpiredError("camera invalidated session", code).WithHost(t.cfg.Host)
	case kasaerr.CategoryAuthentication:
		t.expire(code.Name())
		e := kasaerr.NewAuthCodeError("camera rejected session", code).WithHost(t.cfg.Host)
		e.Retryable = true
		return e
	default:
		return kasaerr.FromCode("camera request failed", code).WithHost(t.cfg.Host)
	}
}

func (t *SslAesTransport) expire(reason string) {
	t.state = Expired{Reason: reason}
	t.session = nil
}

func (t *SslAesTransport) resetSession() {
	t.session = nil
	t.state = NoSession{}
}

// InvalidateSession forces the next Send to log in again
func (t *SslAesTransport) InvalidateSession() {
	t.resetSession()
}

// Close implements Transport
func (t *SslAesTransport) Close() error {
	t.resetSession()
	t.http.Close()
	return nil
}
