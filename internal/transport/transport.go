package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
)

// Transport frames, encrypts and delivers one request to one device and
// returns the decoded response body. Implementations own their connection and
// session; they are safe to call repeatedly but not concurrently.
type Transport interface {
	// Open establishes the connection and, for stateful transports, the
	// session. Send calls Open implicitly when needed.
	Open(ctx context.Context) error
	// Send delivers request (a JSON document) and returns the response JSON
	Send(ctx context.Context, request []byte) ([]byte, error)
	// InvalidateSession discards any cached session so the next Send
	// re-handshakes
	InvalidateSession()
	// State reports the current session state
	State() SessionState
	// Family identifies the wire protocol
	Family() Family
	// Host returns the device host
	Host() string
	// Close releases the connection and the session
	Close() error
}

// Family is the closed set of wire protocols a device can speak
type Family int

const (
	FamilyUnknown Family = iota
	FamilyXor
	FamilyKlap
	FamilyKlapV2
	FamilyAes
	FamilyLinkie
	FamilySslAes
)

// String returns the transport name
func (f Family) String() string {
	switch f {
	case FamilyXor:
		return "XorTransport"
	case FamilyKlap:
		return "KlapTransport"
	case FamilyKlapV2:
		return "KlapTransportV2"
	case FamilyAes:
		return "AesTransport"
	case FamilyLinkie:
		return "LinkieTransportV2"
	case FamilySslAes:
		return "SslAesTransport"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// ParseFamily accepts a transport name as printed by String, case-insensitive,
// or a short alias (xor, klap, klapv2, aes, linkie, sslaes).
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xor", "xortransport":
		return FamilyXor, nil
	case "klap", "klapv1", "klaptransport":
		return FamilyKlap, nil
	case "klapv2", "klaptransportv2":
		return FamilyKlapV2, nil
	case "aes", "aestransport":
		return FamilyAes, nil
	case "linkie", "linkiev2", "linkietransportv2":
		return FamilyLinkie, nil
	case "sslaes", "sslaestransport":
		return FamilySslAes, nil
	}
	return FamilyUnknown, fmt.Errorf("unknown transport %q", s)
}

// DefaultPort returns the port a family listens on when none is configured
func (f Family) DefaultPort() int {
	switch f {
	case FamilyXor:
		return 9999
	case FamilyLinkie:
		return 10443
	case FamilySslAes:
		return 443
	default:
		return 80
	}
}

// DefaultTimeout returns the per-request timeout used when none is configured
func (f Family) DefaultTimeout() time.Duration {
	if f == FamilyXor {
		return 5 * time.Second
	}
	return 10 * time.Second
}

// Device family and encryption names as reported by discovery
const (
	DeviceFamilyIotPrefix   = "IOT."
	DeviceFamilySmartPrefix = "SMART."
	DeviceFamilyIotCamera   = "IOT.IPCAMERA"
	DeviceFamilySmartCamera = "SMART.IPCAMERA"

	EncryptionXor  = "XOR"
	EncryptionKlap = "KLAP"
	EncryptionAes  = "AES"
)

// ConnectionType is the capability fingerprint provided by discovery. It is
// consumed as opaque input and resolved to a Family once.
type ConnectionType struct {
	DeviceFamily string `yaml:"device_family" json:"device_family"`
	Encryption   string `yaml:"encryption" json:"encryption"`
	LoginVersion int    `yaml:"login_version,omitempty" json:"login_version,omitempty"`
	HTTPS        bool   `yaml:"https,omitempty" json:"https,omitempty"`
	HTTPPort     int    `yaml:"http_port,omitempty" json:"http_port,omitempty"`
}

// Family resolves the transport for this connection type
func (ct ConnectionType) Family() (Family, error) {
	family := strings.ToUpper(ct.DeviceFamily)
	enc := strings.ToUpper(ct.Encryption)

	switch {
	case family == DeviceFamilyIotCamera && enc == EncryptionXor && ct.HTTPS:
		return FamilyLinkie, nil
	case family == DeviceFamilySmartCamera && enc == EncryptionAes && ct.HTTPS:
		return FamilySslAes, nil
	case strings.HasPrefix(family, DeviceFamilyIotPrefix) && enc == EncryptionXor:
		return FamilyXor, nil
	case strings.HasPrefix(family, DeviceFamilyIotPrefix) && enc == EncryptionKlap:
		return FamilyKlap, nil
	case strings.HasPrefix(family, DeviceFamilySmartPrefix) && enc == EncryptionKlap:
		return FamilyKlapV2, nil
	case strings.HasPrefix(family, DeviceFamilySmartPrefix) && enc == EncryptionAes:
		return FamilyAes, nil
	}
	return FamilyUnknown, fmt.Errorf("unsupported connection type %s/%s (https=%v)", ct.DeviceFamily, ct.Encryption, ct.HTTPS)
}

// Config describes one device connection
type Config struct {
	// Host is the device address
	Host string
	// Port overrides the family default port
	Port int
	// Credentials are the user credentials, nil means blank
	Credentials *credentials.Credentials
	// Connection is the discovery fingerprint, used when Family is unset
	Connection ConnectionType
	// Family selects the transport directly
	Family Family
	// Timeout is the per-request timeout
	Timeout time.Duration
	// HTTPClient replaces the default HTTP client (tests)
	HTTPClient *http.Client
}

// Resolve fills in the family, port and timeout defaults
func (c Config) Resolve() (Config, error) {
	if c.Host == "" {
		return c, fmt.Errorf("host is required")
	}
	if c.Family == FamilyUnknown {
		f, err := c.Connection.Family()
		if err != nil {
			return c, err
		}
		c.Family = f
	}
	if c.Port == 0 {
		c.Port = c.Family.DefaultPort()
		if c.Connection.HTTPPort != 0 && c.Family != FamilyXor {
			c.Port = c.Connection.HTTPPort
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = c.Family.DefaultTimeout()
	}
	if c.Credentials == nil {
		c.Credentials = credentials.Blank()
	}
	return c, nil
}

// New is the single factory mapping a Config to its transport
func New(cfg Config) (Transport, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	switch cfg.Family {
	case FamilyXor:
		return NewXorTransport(cfg), nil
	case FamilyKlap:
		return NewKlapTransport(cfg), nil
	case FamilyKlapV2:
		return NewKlapTransportV2(cfg), nil
	case FamilyAes:
		return NewAesTransport(cfg), nil
	case FamilyLinkie:
		return NewLinkieTransport(cfg), nil
	case FamilySslAes:
		return NewSslAesTransport(cfg), nil
	}
	return nil, fmt.Errorf("no transport for %s", cfg.Family)
}

// withDefaults applies family defaults for constructors called without
// going through New
func (c Config) withDefaults(f Family) Config {
	c.Family = f
	if c.Port == 0 {
		c.Port = f.DefaultPort()
	}
	if c.Timeout <= 0 {
		c.Timeout = f.DefaultTimeout()
	}
	if c.Credentials == nil {
		c.Credentials = credentials.Blank()
	}
	return c
}
