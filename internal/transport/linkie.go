package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/crypto"
	"github.com/muurk/kasalink/internal/httpclient"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
)

const linkiePath = "/data/LINKIE2.json"

// LinkieTransport posts XOR coded, base64 wrapped JSON to the camera's
// LINKIE2 endpoint over HTTPS with basic authentication. It has no session.
type LinkieTransport struct {
	cfg     Config
	http    *httpclient.Client
	url     string
	headers map[string]string
	opened  bool
}

// NewLinkieTransport creates a Linkie v2 transport. Blank credentials fall
// back to the camera default account.
func NewLinkieTransport(cfg Config) *LinkieTransport {
	cfg = cfg.withDefaults(FamilyLinkie)
	creds := cfg.Credentials
	if creds.IsBlank() {
		creds = credentials.Default(credentials.DefaultKasaCamera)
	}
	return &LinkieTransport{
		cfg:  cfg,
		http: newHTTP(cfg, true),
		url:  "https://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + linkiePath,
		headers: map[string]string{
			"Authorization": "Basic " + creds.LinkieBasicAuth(),
			"Content-Type":  "application/x-www-form-urlencoded",
		},
	}
}

// Family implements Transport
func (t *LinkieTransport) Family() Family { return FamilyLinkie }

// Host implements Transport
func (t *LinkieTransport) Host() string { return t.cfg.Host }

// State implements Transport
func (t *LinkieTransport) State() SessionState {
	if !t.opened {
		return NoSession{}
	}
	return Established{}
}

// Open is a no-op; connections are made per request
func (t *LinkieTransport) Open(context.Context) error {
	t.opened = true
	return nil
}

// Send implements Transport
func (t *LinkieTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.opened = true
	encoded := base64.StdEncoding.EncodeToString(crypto.XorEncode(crypto.XorInitialKey, request))
	body := []byte("content=" + url.QueryEscape(encoded))

	logging.LogRequest(t.cfg.Host, FamilyLinkie.String(), 0, len(body))
	resp, err := t.http.Post(ctx, t.url, body, t.headers)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, kasaerr.NewAuthError("camera rejected basic authentication").WithHost(t.cfg.Host)
	default:
		return nil, httpclient.StatusError(t.cfg.Host, resp.StatusCode, "linkie request")
	}

	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(resp.Body)))
	if err != nil {
		return nil, kasaerr.NewDecodeError("linkie response is not base64", err).WithHost(t.cfg.Host)
	}
	plain := crypto.XorDecode(crypto.XorInitialKey, raw)
	logging.LogRawBytes("Linkie response", plain)
	return plain, nil
}

// InvalidateSession drops idle connections
func (t *LinkieTransport) InvalidateSession() {
	t.http.Close()
	t.opened = false
}

// Close implements Transport
func (t *LinkieTransport) Close() error {
	t.InvalidateSession()
	return nil
}
