package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
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
	klapSeedSize      = 16
	klapHashSize      = 32
	klapHandshake1    = "/app/handshake1"
	klapHandshake2    = "/app/handshake2"
	klapRequestPath   = "/app/request"
	klapHandshake1Len = klapSeedSize + klapHashSize
)

// KlapVariant is one row of the KLAP parameter table: how the auth hash is
// built from credentials and how both handshake confirmations are computed.
type KlapVariant struct {
	Name       string
	AuthHash   func(c *credentials.Credentials) []byte
	ServerHash func(localSeed, remoteSeed, authHash []byte) []byte
	ClientHash func(localSeed, remoteSeed, authHash []byte) []byte
	Defaults   []credentials.DefaultSet
}

// KlapV1 is the variant used by IOT firmware
var KlapV1 = KlapVariant{
	Name:     "v1",
	AuthHash: (*credentials.Credentials).KlapV1AuthHash,
	ServerHash: func(local, _, auth []byte) []byte {
		return crypto.SHA256(local, auth)
	},
	ClientHash: func(_, remote, auth []byte) []byte {
		return crypto.SHA256(remote, auth)
	},
	Defaults: []credentials.DefaultSet{credentials.DefaultKasa},
}

// KlapV2 is the variant used by SMART firmware
var KlapV2 = KlapVariant{
	Name:     "v2",
	AuthHash: (*credentials.Credentials).KlapV2AuthHash,
	ServerHash: func(local, remote, auth []byte) []byte {
		return crypto.SHA256(local, remote, auth)
	},
	ClientHash: func(local, remote, auth []byte) []byte {
		return crypto.SHA256(remote, local, auth)
	},
	Defaults: []credentials.DefaultSet{credentials.DefaultKasa, credentials.DefaultTapo},
}

type klapSession struct {
	keys    crypto.KlapKeys
	seq     int32
	expires time.Time
}

// KlapTransport implements the two round trip KLAP handshake and the signed
// AES-CBC request framing.
type KlapTransport struct {
	cfg     Config
	variant KlapVariant
	family  Family
	http    *httpclient.Client
	baseURL string
	now     func() time.Time

	state         SessionState
	session       *klapSession
	pendingExpiry time.Time
}

// NewKlapTransport creates a KLAP v1 transport
func NewKlapTransport(cfg Config) *KlapTransport {
	return newKlap(cfg, KlapV1, FamilyKlap)
}

// NewKlapTransportV2 creates a KLAP v2 transport
func NewKlapTransportV2(cfg Config) *KlapTransport {
	return newKlap(cfg, KlapV2, FamilyKlapV2)
}

func newKlap(cfg Config, variant KlapVariant, family Family) *KlapTransport {
	cfg = cfg.withDefaults(family)
	return &KlapTransport{
		cfg:     cfg,
		variant: variant,
		family:  family,
		http:    newHTTP(cfg, false),
		baseURL: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		now:     time.Now,
		state:   NoSession{},
	}
}

// newHTTP builds the per-transport HTTP client
func newHTTP(cfg Config, insecureTLS bool) *httpclient.Client {
	if cfg.HTTPClient != nil {
		return httpclient.NewWithHTTPClient(cfg.Host, cfg.HTTPClient)
	}
	return httpclient.New(cfg.Host, cfg.Timeout, insecureTLS)
}

// Family implements Transport
func (t *KlapTransport) Family() Family { return t.family }

// Host implements Transport
func (t *KlapTransport) Host() string { return t.cfg.Host }

// State implements Transport
func (t *KlapTransport) State() SessionState { return t.state }

// Open performs the handshake if no usable session exists
func (t *KlapTransport) Open(ctx context.Context) error {
	if t.session != nil && IsEstablished(t.state) && t.now().Before(t.session.expires) {
		return nil
	}
	return t.handshake(ctx)
}

func (t *KlapTransport) handshake(ctx context.Context) error {
	t.resetSession()
	t.state = Handshaking{Stage: "handshake1"}

	localSeed, err := crypto.RandomBytes(klapSeedSize)
	if err != nil {
		t.state = NoSession{}
		return err
	}

	remoteSeed, authHash, err := t.handshake1(ctx, localSeed)
	if err != nil {
		t.resetSession()
		return err
	}

	t.state = Handshaking{Stage: "handshake2"}
	expires, err := t.handshake2(ctx, localSeed, remoteSeed, authHash)
	if err != nil {
		t.resetSession()
		return err
	}

	keys := crypto.DeriveKlapKeys(localSeed, remoteSeed, authHash)
	t.session = &klapSession{keys: keys, seq: keys.Seq, expires: expires}
	t.state = Established{Seq: int64(keys.Seq), Expires: expires}
	logging.LogHandshake(t.cfg.Host, t.family.String(), "established")
	return nil
}

// handshake1 sends the local seed and checks the server hash against the
// user, blank and default credentials in that order.
func (t *KlapTransport) handshake1(ctx context.Context, localSeed []byte) (remoteSeed, authHash []byte, err error) {
	logging.LogHandshake(t.cfg.Host, t.family.String(), "handshake1")

	resp, err := t.http.Post(ctx, t.baseURL+klapHandshake1, localSeed, nil)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, "handshake1")
	}
	if len(resp.Body) != klapHandshake1Len {
		return nil, nil, kasaerr.NewDecodeError(fmt.Sprintf("handshake1 response is %d bytes, want %d", len(resp.Body), klapHandshake1Len), nil).WithHost(t.cfg.Host)
	}
	if cookie, ok := resp.Cookies[sessionCookieName]; ok {
		t.http.SetCookie(sessionCookieName, cookie)
	}
	t.pendingExpiry = sessionExpiry(t.now(), resp.Cookies)

	remoteSeed = resp.Body[:klapSeedSize]
	serverHash := resp.Body[klapSeedSize:]

	for i, creds := range t.candidates() {
		auth := t.variant.AuthHash(creds)
		expected := t.variant.ServerHash(localSeed, remoteSeed, auth)
		if subtle.ConstantTimeCompare(expected, serverHash) == 1 {
			if i > 0 {
				logging.Debug("Server hash matched fallback credentials",
					zap.String("host", t.cfg.Host),
					zap.Int("candidate", i),
				)
			}
			return remoteSeed, auth, nil
		}
	}

	return nil, nil, kasaerr.NewAuthError("server hash mismatch in handshake1, check credentials").WithHost(t.cfg.Host)
}

func (t *KlapTransport) candidates() []*credentials.Credentials {
	out := []*credentials.Credentials{t.cfg.Credentials}
	if !t.cfg.Credentials.IsBlank() {
		out = append(out, credentials.Blank())
	}
	for _, set := range t.variant.Defaults {
		out = append(out, credentials.Default(set))
	}
	return out
}

func (t *KlapTransport) handshake2(ctx context.Context, localSeed, remoteSeed, authHash []byte) (time.Time, error) {
	logging.LogHandshake(t.cfg.Host, t.family.String(), "handshake2")

	payload := t.variant.ClientHash(localSeed, remoteSeed, authHash)
	resp, err := t.http.Post(ctx, t.baseURL+klapHandshake2, payload, nil)
	if err != nil {
		return time.Time{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, kasaerr.NewAuthError(fmt.Sprintf("device rejected handshake2 with status %d", resp.StatusCode)).WithHost(t.cfg.Host)
	}
	return t.pendingExpiry, nil
}

// Send encrypts and signs request under the next sequence number
func (t *KlapTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	if t.session != nil && t.session.seq == math.MaxInt32 {
		t.state = Expired{Reason: "sequence exhausted"}
	}
	if !IsEstablished(t.state) || t.session == nil || !t.now().Before(t.session.expires) {
		if err := t.handshake(ctx); err != nil {
			return nil, err
		}
	}

	s := t.session
	s.seq++
	seq := s.seq
	t.state = Established{Seq: int64(seq), Expires: s.expires}

	ciphertext, err := crypto.EncryptCBC(s.keys.Key, crypto.KlapIV(s.keys.IVBase, seq), request)
	if err != nil {
		return nil, err
	}
	signature := crypto.KlapSignature(s.keys.Signature, seq, ciphertext)
	body := append(signature, ciphertext...)

	logging.LogRequest(t.cfg.Host, t.family.String(), int64(seq), len(body))
	url := fmt.Sprintf("%s%s?seq=%d", t.baseURL, klapRequestPath, seq)
	resp, err := t.http.Post(ctx, url, body, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		t.expire("device rejected session")
		return nil, kasaerr.NewSessionExpiredError("device responded 403 to request", kasaerr.Success).WithHost(t.cfg.Host)
	case resp.StatusCode != http.StatusOK:
		return nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, "request")
	}

	if len(resp.Body) < klapHashSize {
		return nil, kasaerr.NewDecodeError("response shorter than signature", nil).WithHost(t.cfg.Host)
	}
	plain, err := crypto.DecryptCBC(s.keys.Key, crypto.KlapIV(s.keys.IVBase, seq), resp.Body[klapHashSize:])
	if err != nil {
		return nil, kasaerr.NewDecodeError("unable to decrypt response", err).WithHost(t.cfg.Host)
	}
	logging.LogRawBytes("KLAP response", plain)
	return plain, nil
}

func (t *KlapTransport) expire(reason string) {
	t.state = Expired{Reason: reason}
	t.session = nil
}

func (t *KlapTransport) resetSession() {
	t.session = nil
	t.pendingExpiry = time.Time{}
	t.http.ClearCookies()
	t.state = NoSession{}
}

// InvalidateSession forces the next Send to re-handshake
func (t *KlapTransport) InvalidateSession() {
	t.resetSession()
}

// Close implements Transport
func (t *KlapTransport) Close() error {
	t.resetSession()
	t.http.Close()
	return nil
}
