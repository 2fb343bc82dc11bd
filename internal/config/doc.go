// Package config provides user configuration management for kasalink.
//
// This package manages a YAML-based configuration file listing known devices
// by alias, with the host, port and discovery fingerprint needed to pick a
// transport, and a few client preferences.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/kasalink/config.yaml or $HOME/.config/kasalink/config.yaml
//   - macOS: $HOME/.config/kasalink/config.yaml
//   - Windows: %AppData%\kasalink\config.yaml
//
// KASALINK_CONFIG overrides the location.
//
// # Security
//
// IMPORTANT: This package NEVER stores passwords. Credentials live only for
// the lifetime of the process.
//
// # Usage Example
//
//	registry, err := config.LoadRegistry()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = registry.AddDevice("desk lamp", &config.Device{
//	    Host:       "192.168.1.40",
//	    Connection: transport.ConnectionType{DeviceFamily: "SMART.TAPOBULB", Encryption: "KLAP"},
//	})
//
//	cfg, err := registry.GetDevice("desk lamp").ConnectionParams(registry.Preferences, creds)
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The global registry uses sync.Once for safe initialization across goroutines.
// File operations are protected by a mutex to ensure atomic writes.
package config
