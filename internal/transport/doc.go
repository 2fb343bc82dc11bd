// Package transport delivers JSON requests to a single device over one of
// the vendor wire protocols and returns the decoded JSON response.
//
// # Families
//
// The set of protocols is closed and selected once from discovery metadata:
//
//	Family         Wire                                   Session
//	Xor            TCP 9999, length prefixed XOR          none
//	Klap           HTTP /app/handshake1,2 + /app/request  seeds, seq, cookie
//	KlapV2         as Klap, SHA based auth hash           seeds, seq, cookie
//	Aes            HTTP /app, RSA key exchange + login    key/iv, token, cookie
//	Linkie         HTTPS 10443 /data/LINKIE2.json         none (basic auth)
//	SslAes         HTTPS 443, nonce login + tagged AES    key/iv, stok, seq
//
// # Usage Example
//
//	t, err := transport.New(transport.Config{
//	    Host:        "192.168.1.20",
//	    Credentials: credentials.New("user@example.com", "secret"),
//	    Connection:  transport.ConnectionType{DeviceFamily: "SMART.TAPOPLUG", Encryption: "KLAP"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//	resp, err := t.Send(ctx, []byte(`{"method":"get_device_info"}`))
//
// # Sessions
//
// Stateful transports expose their session as a SessionState value
// (NoSession, Handshaking, Established, Expired). A session whose local TTL
// ran out is renewed inside Send before anything is sent. A session the
// device rejects moves to Expired and Send returns a SessionExpired error;
// deciding whether to retry is left to the caller, normally the protocol
// package.
//
// A Transport is not safe for concurrent use.
package transport
