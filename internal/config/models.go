package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/protocol"
	"github.com/muurk/kasalink/internal/transport"
)

// Registry represents the entire user configuration file.
type Registry struct {
	Version     int                `yaml:"version"`
	Devices     map[string]*Device `yaml:"devices,omitempty"` // Keyed by alias
	Preferences *Preferences       `yaml:"preferences,omitempty"`
}

// Device is one known device and how to reach it. Passwords are never part
// of it.
type Device struct {
	Host       string                   `yaml:"host"`
	Port       int                      `yaml:"port,omitempty"`       // Zero means the family default
	Family     string                   `yaml:"family,omitempty"`     // Transport name, overrides Connection
	Connection transport.ConnectionType `yaml:"connection,omitempty"` // Discovery fingerprint
	Username   string                   `yaml:"username,omitempty"`   // Overrides the default username
	Timeout    int                      `yaml:"timeout,omitempty"`    // Per-request timeout in seconds
	BatchSize  int                      `yaml:"batch_size,omitempty"` // Calls per multipleRequest
	LastSeen   time.Time                `yaml:"last_seen,omitempty"`
}

// Preferences represents application-wide user preferences.
type Preferences struct {
	DefaultTimeout  int    `yaml:"default_timeout"`            // Seconds, zero means the family default
	DefaultUsername string `yaml:"default_username,omitempty"` // Cloud account used when a device sets none
	// Password is NEVER stored in config file for security reasons
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:     1,
		Devices:     make(map[string]*Device),
		Preferences: &Preferences{},
	}
}

// GetDevice retrieves a device by alias.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(alias string) *Device {
	return r.Devices[alias]
}

// AddDevice validates and stores a device under alias, replacing any entry
// with the same alias.
func (r *Registry) AddDevice(alias string, d *Device) error {
	if alias == "" {
		return fmt.Errorf("alias is required")
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", alias, err)
	}
	if r.Devices == nil {
		r.Devices = make(map[string]*Device)
	}
	r.Devices[alias] = d
	return nil
}

// RemoveDevice deletes a device, reporting whether it existed.
func (r *Registry) RemoveDevice(alias string) bool {
	if _, ok := r.Devices[alias]; !ok {
		return false
	}
	delete(r.Devices, alias)
	return true
}

// Aliases returns the device aliases in sorted order.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.Devices))
	for alias := range r.Devices {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// MarkSeen records a successful exchange with a device.
func (r *Registry) MarkSeen(alias string) {
	if d := r.Devices[alias]; d != nil {
		d.LastSeen = time.Now()
	}
}

// Validate checks that the entry resolves to a transport.
func (d *Device) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range", d.Port)
	}
	if d.Timeout < 0 || d.BatchSize < 0 {
		return fmt.Errorf("timeout and batch size must not be negative")
	}
	_, err := d.family()
	return err
}

func (d *Device) family() (transport.Family, error) {
	if d.Family != "" {
		return transport.ParseFamily(d.Family)
	}
	return d.Connection.Family()
}

// ConnectionParams builds the transport configuration for this device.
// Credentials come from the caller and are never read from the file.
func (d *Device) ConnectionParams(prefs *Preferences, creds *credentials.Credentials) (transport.Config, error) {
	family, err := d.family()
	if err != nil {
		return transport.Config{}, err
	}

	timeout := d.Timeout
	if timeout == 0 && prefs != nil {
		timeout = prefs.DefaultTimeout
	}
	return transport.Config{
		Host:        d.Host,
		Port:        d.Port,
		Family:      family,
		Connection:  d.Connection,
		Credentials: creds,
		Timeout:     time.Duration(timeout) * time.Second,
	}.Resolve()
}

// ProtocolOptions returns the protocol tuning for this device.
func (d *Device) ProtocolOptions(prefs *Preferences) protocol.Options {
	timeout := d.Timeout
	if timeout == 0 && prefs != nil {
		timeout = prefs.DefaultTimeout
	}
	return protocol.Options{
		Timeout:   time.Duration(timeout) * time.Second,
		BatchSize: d.BatchSize,
	}
}

// EffectiveUsername returns the device username or the default one.
func (d *Device) EffectiveUsername(prefs *Preferences) string {
	if d.Username != "" || prefs == nil {
		return d.Username
	}
	return prefs.DefaultUsername
}
