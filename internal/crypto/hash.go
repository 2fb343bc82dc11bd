package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// SHA256 returns the digest of the concatenation of parts
func SHA256(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// SHA1 returns the SHA-1 digest of data
func SHA1(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// MD5 returns the MD5 digest of data
func MD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// SHA256HexUpper returns the upper-case hex SHA-256 of the concatenated parts
func SHA256HexUpper(parts ...[]byte) string {
	return strings.ToUpper(hex.EncodeToString(SHA256(parts...)))
}

// MD5HexUpper returns the upper-case hex MD5 of data
func MD5HexUpper(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(MD5(data)))
}

// RandomBytes returns n random bytes
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// Domain separation labels for KLAP session derivation
var (
	labelKey       = []byte("lsk")
	labelIV        = []byte("iv")
	labelSignature = []byte("ldk")
)

// KlapKeys holds the material derived from one KLAP handshake
type KlapKeys struct {
	Key       []byte // 16 byte AES key
	IVBase    []byte // 12 byte IV prefix, completed with the sequence number
	Signature []byte // 28 byte signing key
	Seq       int32  // initial sequence number
}

// DeriveKlapKeys computes the KLAP session material from the two seeds and
// the credential auth hash.
func DeriveKlapKeys(localSeed, remoteSeed, authHash []byte) KlapKeys {
	fullIV := SHA256(labelIV, localSeed, remoteSeed, authHash)
	return KlapKeys{
		Key:       SHA256(labelKey, localSeed, remoteSeed, authHash)[:16],
		IVBase:    fullIV[:12],
		Signature: SHA256(labelSignature, localSeed, remoteSeed, authHash)[:28],
		Seq:       int32(binary.BigEndian.Uint32(fullIV[len(fullIV)-4:])),
	}
}

// KlapIV returns the per-request IV: the 12 byte base followed by the
// big-endian sequence number.
func KlapIV(base []byte, seq int32) []byte {
	iv := make([]byte, 16)
	copy(iv, base[:12])
	binary.BigEndian.PutUint32(iv[12:], uint32(seq))
	return iv
}

// KlapSignature computes SHA256(signingKey ‖ seq ‖ ciphertext)
func KlapSignature(signingKey []byte, seq int32, ciphertext []byte) []byte {
	var seqBytes [4]byte
	binary.BigEndian.PutUint32(seqBytes[:], uint32(seq))
	return SHA256(signingKey, seqBytes[:], ciphertext)
}
