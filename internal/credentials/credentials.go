package credentials

import (
	"encoding/base64"
	"encoding/hex"
	"sync"

	"github.com/muurk/kasalink/internal/crypto"
)

// Credentials is a username/password pair. It is never sent raw: transports
// use the derived hashes below, which are computed once per value.
type Credentials struct {
	Username string
	Password string

	once   sync.Once
	hashes derived
}

type derived struct {
	klapV1       []byte
	klapV2       []byte
	aesUsername  string
	aesPassword  string
	aesPassword2 string
	linkie       string
	sslSHA256    string
	sslMD5       string
}

// New creates a Credentials value
func New(username, password string) *Credentials {
	return &Credentials{Username: username, Password: password}
}

// Blank returns an empty credential set. Unprovisioned KLAP devices accept it.
func Blank() *Credentials {
	return &Credentials{}
}

// IsBlank reports whether both fields are empty
func (c *Credentials) IsBlank() bool {
	return c == nil || (c.Username == "" && c.Password == "")
}

func (c *Credentials) derive() *derived {
	c.once.Do(func() {
		u := []byte(c.Username)
		p := []byte(c.Password)

		c.hashes.klapV1 = crypto.MD5(append(crypto.MD5(u), crypto.MD5(p)...))
		c.hashes.klapV2 = crypto.SHA256(crypto.SHA1(u), crypto.SHA1(p))

		c.hashes.aesUsername = base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(crypto.SHA1(u))))
		c.hashes.aesPassword = base64.StdEncoding.EncodeToString(p)
		c.hashes.aesPassword2 = base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(crypto.SHA1(p))))

		c.hashes.linkie = base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + hex.EncodeToString(crypto.MD5(p))))

		c.hashes.sslSHA256 = crypto.SHA256HexUpper(p)
		c.hashes.sslMD5 = crypto.MD5HexUpper(p)
	})
	return &c.hashes
}

// KlapV1AuthHash is MD5(MD5(username) ‖ MD5(password))
func (c *Credentials) KlapV1AuthHash() []byte { return c.derive().klapV1 }

// KlapV2AuthHash is SHA256(SHA1(username) ‖ SHA1(password))
func (c *Credentials) KlapV2AuthHash() []byte { return c.derive().klapV2 }

// AesLoginUsername is base64(hex(SHA1(username)))
func (c *Credentials) AesLoginUsername() string { return c.derive().aesUsername }

// AesLoginPassword is base64(password), used by login version 1
func (c *Credentials) AesLoginPassword() string { return c.derive().aesPassword }

// AesLoginPassword2 is base64(hex(SHA1(password))), used by login version 2
func (c *Credentials) AesLoginPassword2() string { return c.derive().aesPassword2 }

// LinkieBasicAuth is base64(username ":" hex(MD5(password)))
func (c *Credentials) LinkieBasicAuth() string { return c.derive().linkie }

// PasswordSHA256Hex is HEX(SHA256(password)), the secure camera login hash
func (c *Credentials) PasswordSHA256Hex() string { return c.derive().sslSHA256 }

// PasswordMD5Hex is HEX(MD5(password)), the legacy camera login hash
func (c *Credentials) PasswordMD5Hex() string { return c.derive().sslMD5 }
