package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/crypto"
	"github.com/muurk/kasalink/internal/httpclient"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"go.uber.org/zap"
)

const (
	aesAppPath         = "/app"
	aesSessionKeySize  = 32
	methodHandshake    = "handshake"
	methodLoginDevice  = "login_device"
	methodPassthrough  = "securePassthrough"
	jsonContentType    = "application/json"
	loginVersionDigest = 2
)

var jsonHeaders = map[string]string{"Content-Type": jsonContentType}

// envelope is the plaintext JSON wrapper shared by the AES style transports
type envelope struct {
	Method           string `json:"method"`
	Params           any    `json:"params,omitempty"`
	RequestTimeMilis int64  `json:"request_time_milis,omitempty"`
}

type passthroughParams struct {
	Request string `json:"request"`
}

// outerResponse is the plaintext part of every AES style response
type outerResponse struct {
	ErrorCode *int            `json:"error_code"`
	Result    json.RawMessage `json:"result"`
	Data      json.RawMessage `json:"data"`
}

func (r *outerResponse) code() kasaerr.ErrorCode {
	if r.ErrorCode == nil {
		return kasaerr.Success
	}
	code, ok := kasaerr.CodeFromInt(*r.ErrorCode)
	if !ok {
		logging.Warn("Unknown error code", zap.Int("error_code", *r.ErrorCode))
	}
	return code
}

func decodeOuter(host string, body []byte, stage string) (*outerResponse, error) {
	var out outerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, kasaerr.NewDecodeError("invalid JSON in "+stage+" response", err).WithHost(host)
	}
	return &out, nil
}

type aesSession struct {
	cipher  *crypto.AesSession
	token   string
	expires time.Time
}

// AesTransport performs an RSA key exchange, logs in through the encrypted
// passthrough and then sends every request as an AES-CBC payload inside a
// securePassthrough envelope.
type AesTransport struct {
	cfg     Config
	http    *httpclient.Client
	appURL  string
	now     func() time.Time
	newKeys func() (*crypto.KeyPair, error)

	state   SessionState
	session *aesSession
}

// NewAesTransport creates an AES transport
func NewAesTransport(cfg Config) *AesTransport {
	cfg = cfg.withDefaults(FamilyAes)
	return &AesTransport{
		cfg:     cfg,
		http:    newHTTP(cfg, false),
		appURL:  "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + aesAppPath,
		now:     time.Now,
		newKeys: crypto.GenerateKeyPair,
		state:   NoSession{},
	}
}

// Family implements Transport
func (t *AesTransport) Family() Family { return FamilyAes }

// Host implements Transport
func (t *AesTransport) Host() string { return t.cfg.Host }

// State implements Transport
func (t *AesTransport) State() SessionState { return t.state }

func (t *AesTransport) usable() bool {
	return t.session != nil && t.session.token != "" && IsEstablished(t.state) && t.now().Before(t.session.expires)
}

// Open performs the key exchange and login if no usable session exists
func (t *AesTransport) Open(ctx context.Context) error {
	if t.usable() {
		return nil
	}
	return t.establish(ctx)
}

// establish runs handshake and login. A LOGIN_ERROR with the user's
// credentials is retried once with the default TAPO account after a fresh
// handshake.
func (t *AesTransport) establish(ctx context.Context) error {
	if err := t.handshake(ctx); err != nil {
		return err
	}
	err := t.login(ctx, t.cfg.Credentials)
	if err == nil {
		return nil
	}
	if kasaerr.CodeOf(err) != kasaerr.LoginError {
		t.resetSession()
		return err
	}

	logging.Debug("Login rejected, trying default credentials", zap.String("host", t.cfg.Host))
	if herr := t.handshake(ctx); herr != nil {
		return herr
	}
	if derr := t.login(ctx, credentials.Default(credentials.DefaultTapo)); derr != nil {
		t.resetSession()
		return err
	}
	logging.Debug("Logged in with default credentials", zap.String("host", t.cfg.Host))
	return nil
}

func (t *AesTransport) handshake(ctx context.Context) error {
	t.resetSession()
	t.state = Handshaking{Stage: methodHandshake}
	logging.LogHandshake(t.cfg.Host, FamilyAes.String(), methodHandshake)

	keys, err := t.newKeys()
	if err != nil {
		t.state = NoSession{}
		return err
	}
	pub, err := keys.PublicKeyPEM()
	if err != nil {
		t.state = NoSession{}
		return err
	}

	body, err := json.Marshal(envelope{
		Method:           methodHandshake,
		Params:           map[string]string{"key": pub},
		RequestTimeMilis: t.now().UnixMilli(),
	})
	if err != nil {
		t.state = NoSession{}
		return kasaerr.NewDecodeError("encode handshake", err)
	}

	resp, err := t.http.Post(ctx, t.appURL, body, jsonHeaders)
	if err != nil {
		t.resetSession()
		return err
	}
	if resp.StatusCode != http.StatusOK {
		t.resetSession()
		return httpclient.StatusError(t.cfg.Host, resp.StatusCode, methodHandshake)
	}

	outer, err := decodeOuter(t.cfg.Host, resp.Body, methodHandshake)
	if err != nil {
		t.resetSession()
		return err
	}
	if code := outer.code(); !code.IsSuccess() {
		t.resetSession()
		return kasaerr.FromCode("handshake rejected", code).WithHost(t.cfg.Host)
	}

	var result struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(outer.Result, &result); err != nil || result.Key == "" {
		t.resetSession()
		return kasaerr.NewDecodeError("handshake response has no key", err).WithHost(t.cfg.Host)
	}
	encrypted, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		t.resetSession()
		return kasaerr.NewDecodeError("handshake key is not base64", err).WithHost(t.cfg.Host)
	}
	material, err := keys.Decrypt(encrypted)
	if err != nil || len(material) != aesSessionKeySize {
		t.resetSession()
		return kasaerr.NewDecodeError("unable to decrypt handshake key", err).WithHost(t.cfg.Host)
	}
	cipher, err := crypto.NewAesSession(material[:16], material[16:])
	if err != nil {
		t.resetSession()
		return kasaerr.NewDecodeError("invalid handshake key", err).WithHost(t.cfg.Host)
	}

	if cookie, ok := resp.Cookies[sessionCookieName]; ok {
		t.http.SetCookie(sessionCookieName, cookie)
	}
	t.session = &aesSession{cipher: cipher, expires: sessionExpiry(t.now(), resp.Cookies)}
	t.state = Handshaking{Stage: "login"}
	return nil
}

func (t *AesTransport) loginParams(c *credentials.Credentials) map[string]string {
	params := map[string]string{"username": c.AesLoginUsername()}
	if t.cfg.Connection.LoginVersion == loginVersionDigest {
		params["password2"] = c.AesLoginPassword2()
	} else {
		params["password"] = c.AesLoginPassword()
	}
	return params
}

func (t *AesTransport) login(ctx context.Context, c *credentials.Credentials) error {
	logging.LogHandshake(t.cfg.Host, FamilyAes.String(), "login")

	request, err := json.Marshal(envelope{
		Method:           methodLoginDevice,
		Params:           t.loginParams(c),
		RequestTimeMilis: t.now().UnixMilli(),
	})
	if err != nil {
		return kasaerr.NewDecodeError("encode login", err)
	}

	inner, err := t.passthrough(ctx, t.appURL, request)
	if err != nil {
		return err
	}
	outer, err := decodeOuter(t.cfg.Host, inner, methodLoginDevice)
	if err != nil {
		return err
	}
	if code := outer.code(); !code.IsSuccess() {
		if code.Category() == kasaerr.CategoryAuthentication {
			return kasaerr.NewAuthCodeError("login rejected", code).WithHost(t.cfg.Host)
		}
		return kasaerr.FromCode("login failed", code).WithHost(t.cfg.Host)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(outer.Result, &result); err != nil || result.Token == "" {
		return kasaerr.NewDecodeError("login response has no token", err).WithHost(t.cfg.Host)
	}
	t.session.token = result.Token
	t.state = Established{Expires: t.session.expires}
	logging.LogHandshake(t.cfg.Host, FamilyAes.String(), "established")
	return nil
}

// Send encrypts request into a securePassthrough envelope and returns the
// decrypted inner response
func (t *AesTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	if !t.usable() {
		if err := t.establish(ctx); err != nil {
			return nil, err
		}
	}
	logging.LogRequest(t.cfg.Host, FamilyAes.String(), 0, len(request))
	return t.passthrough(ctx, t.appURL+"?token="+url.QueryEscape(t.session.token), request)
}

func (t *AesTransport) passthrough(ctx context.Context, target string, request []byte) ([]byte, error) {
	s := t.session
	encrypted, err := s.cipher.Encrypt(request)
	if err != nil {
		return nil, kasaerr.NewDecodeError("encrypt request", err).WithHost(t.cfg.Host)
	}
	body, err := json.Marshal(envelope{
		Method: methodPassthrough,
		Params: passthroughParams{Request: encrypted},
	})
	if err != nil {
		return nil, kasaerr.NewDecodeError("encode passthrough", err).WithHost(t.cfg.Host)
	}

	resp, err := t.http.Post(ctx, target, body, jsonHeaders)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
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
		Response string `json:"response"`
	}
	if err := json.Unmarshal(outer.Result, &result); err != nil || result.Response == "" {
		return nil, kasaerr.NewDecodeError("passthrough response has no payload", err).WithHost(t.cfg.Host)
	}
	plain, err := s.cipher.Decrypt(result.Response)
	if err != nil {
		return nil, kasaerr.NewDecodeError("unable to decrypt response", err).WithHost(t.cfg.Host)
	}
	logging.LogRawBytes("AES response", plain)
	return plain, nil
}

// checkOuterCode maps the plaintext envelope code. Session and
// authentication codes expire the session so the protocol layer can
// re-handshake once.
func (t *AesTransport) checkOuterCode(code kasaerr.ErrorCode) error {
	switch code.Category() {
	case kasaerr.CategorySuccess:
		return nil
	case kasaerr.CategorySessionInvalid:
		t.expire(code.Name())
		return kasaerr.NewSessionExpiredError("device invalidated session", code).WithHost(t.cfg.Host)
	case kasaerr.CategoryAuthentication:
		t.expire(code.Name())
		e := kasaerr.NewAuthCodeError("device rejected session", code).WithHost(t.cfg.Host)
		e.Retryable = true
		return e
	default:
		return kasaerr.FromCode(fmt.Sprintf("%s failed", methodPassthrough), code).WithHost(t.cfg.Host)
	}
}

func (t *AesTransport) expire(reason string) {
	t.state = Expired{Reason: reason}
	t.session = nil
}

func (t *AesTransport) resetSession() {
	t.session = nil
	t.http.ClearCookies()
	t.state = NoSession{}
}

// InvalidateSession forces the next Send to re-handshake
func (t *AesTransport) InvalidateSession() {
	t.resetSession()
}

// Close implements Transport
func (t *AesTransport) Close() error {
	t.resetSession()
	t.http.Close()
	return nil
}
