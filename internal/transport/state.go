package transport

import (
	"fmt"
	"time"
)

// SessionState is the tagged union NoSession | Handshaking | Established |
// Expired. Stateless transports stay in Established once connected.
type SessionState interface {
	Name() string
	isSessionState()
}

// NoSession means no key material exists
type NoSession struct{}

// Handshaking means a handshake round trip is in progress
type Handshaking struct {
	Stage string
}

// Established means requests can be sent
type Established struct {
	Seq     int64
	Expires time.Time
}

// Expired means the device or the TTL invalidated the session
type Expired struct {
	Reason string
}

func (NoSession) isSessionState()   {}
func (Handshaking) isSessionState() {}
func (Established) isSessionState() {}
func (Expired) isSessionState()     {}

func (NoSession) Name() string     { return "NoSession" }
func (h Handshaking) Name() string { return fmt.Sprintf("Handshaking(%s)", h.Stage) }
func (Established) Name() string   { return "Established" }
func (e Expired) Name() string     { return fmt.Sprintf("Expired(%s)", e.Reason) }

// IsEstablished reports whether s allows sending
func IsEstablished(s SessionState) bool {
	_, ok := s.(Established)
	return ok
}

const (
	// sessionCookieName carries the device session between requests
	sessionCookieName = "TP_SESSIONID"
	// timeoutCookieName carries the session lifetime in seconds
	timeoutCookieName = "TIMEOUT"
	// defaultSessionSeconds applies when the device sends no TIMEOUT
	defaultSessionSeconds = 86400
	// sessionExpireBuffer is subtracted from the device lifetime so a session
	// is renewed before the device drops it
	sessionExpireBuffer = 20 * time.Minute
)

// sessionExpiry computes the local expiry from the TIMEOUT cookie
func sessionExpiry(now time.Time, cookies map[string]string) time.Time {
	seconds := defaultSessionSeconds
	if v, ok := cookies[timeoutCookieName]; ok {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil && parsed > 0 {
			seconds = parsed
		}
	}
	lifetime := time.Duration(seconds)*time.Second - sessionExpireBuffer
	if lifetime < 0 {
		lifetime = 0
	}
	return now.Add(lifetime)
}
