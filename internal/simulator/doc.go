// Package simulator provides in-process fake devices for tests.
//
// A Device holds the firmware side state: the account it accepts, canned
// results per method, injected error codes and a record of every call. It
// is served by one of the protocol servers:
//
//	StartKlap(d, false)   KLAP v1, IOT payloads
//	StartKlap(d, true)    KLAP v2, SMART payloads
//	StartAes(d)           RSA handshake + login_device, SMART payloads
//	StartSslAes(d)        camera nonce login over TLS, SMART payloads
//	StartLinkie(d)        LINKIE2.json over TLS, IOT payloads
//	StartXor(d)           length prefixed XOR over loopback TCP, IOT payloads
//
// Servers verify what a real device verifies (hashes, signatures, sequence
// numbers, tags) so a transport bug shows up as a rejected request rather
// than a silently accepted one.
package simulator
