package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RSAKeyBits is the modulus size the AES handshake uses. Firmware rejects
// larger keys.
const RSAKeyBits = 1024

// KeyPair is the ephemeral RSA key pair generated for one AES handshake
type KeyPair struct {
	private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh RSA key pair
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// PublicKeyPEM returns the PKIX public key in PEM form, as sent in the
// handshake "key" parameter.
func (k *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Decrypt opens a PKCS#1 v1.5 payload encrypted to this key pair
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, k.private, ciphertext)
}

// ParsePublicKeyPEM parses a PKIX PEM public key
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", pub)
	}
	return rsaPub, nil
}

// EncryptToPEM encrypts a short payload (a session key) to a PEM public key
// with PKCS#1 v1.5. Payloads longer than the modulus allows are rejected.
func EncryptToPEM(publicPEM string, payload []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, payload)
}
