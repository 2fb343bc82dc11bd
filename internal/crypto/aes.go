package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

// Errors returned by the AES-CBC helpers
var (
	ErrBlockSize = errors.New("ciphertext is not a multiple of the block size")
	ErrPadding   = errors.New("invalid PKCS7 padding")
)

// Pad applies PKCS7 padding for the given block size. The result length is
// always a non-zero multiple of blockSize.
func Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad strips PKCS7 padding
func Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBlockSize
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-n], nil
}

// EncryptCBC encrypts plaintext with AES-CBC and PKCS7 padding
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	padded := Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips the PKCS7 padding
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return Unpad(out, aes.BlockSize)
}

// AesSession is a fixed key/iv pair negotiated by the AES and SSL-AES
// handshakes. Payloads travel base64 encoded inside JSON envelopes.
type AesSession struct {
	key []byte
	iv  []byte
}

// NewAesSession copies key and iv into a new session
func NewAesSession(key, iv []byte) (*AesSession, error) {
	if len(key) != 16 || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aes session needs 16 byte key and iv, got %d/%d", len(key), len(iv))
	}
	return &AesSession{key: bytes.Clone(key), iv: bytes.Clone(iv)}, nil
}

// Encrypt returns base64(AES-CBC(plaintext))
func (s *AesSession) Encrypt(plaintext []byte) (string, error) {
	ct, err := EncryptCBC(s.key, s.iv, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt
func (s *AesSession) Decrypt(encoded string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return DecryptCBC(s.key, s.iv, ct)
}
