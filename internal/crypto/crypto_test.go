package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func payloads() map[string][]byte {
	large := make([]byte, 16*12+7)
	for i := range large {
		large[i] = byte(i * 31)
	}
	return map[string][]byte{
		"empty": {},
		"one":   {0x42},
		"block": bytes.Repeat([]byte{0x10}, 16),
		"large": large,
	}
}

func TestXorKnownVector(t *testing.T) {
	got := XorEncode(XorInitialKey, []byte(`{"system":{"get_sysinfo":{}}}`))
	want := "d0f281f88bff9af7d5ef94b6d1b4c09fec95e68fe187e8caf08bf68bf6"
	if hex.EncodeToString(got) != want {
		t.Errorf("XorEncode = %x, want %s", got, want)
	}
}

func TestXorRoundTrip(t *testing.T) {
	for name, p := range payloads() {
		t.Run(name, func(t *testing.T) {
			if got := XorDecode(XorInitialKey, XorEncode(XorInitialKey, p)); !bytes.Equal(got, p) {
				t.Errorf("decode(encode(x)) = %x, want %x", got, p)
			}
			if got := XorEncode(XorInitialKey, XorDecode(XorInitialKey, p)); !bytes.Equal(got, p) {
				t.Errorf("encode(decode(x)) = %x, want %x", got, p)
			}
		})
	}
}

func TestXorFrame(t *testing.T) {
	frame := XorFrame([]byte("hello"))
	if !bytes.Equal(frame[:4], []byte{0, 0, 0, 5}) {
		t.Fatalf("length prefix = %x, want 00000005", frame[:4])
	}
	got, err := XorUnframe(frame)
	if err != nil {
		t.Fatalf("XorUnframe() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("XorUnframe() = %q, want hello", got)
	}

	if _, err := XorUnframe(frame[:6]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated frame error = %v, want ErrShortFrame", err)
	}
	if _, err := XorUnframe([]byte{0, 0}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("header-only error = %v, want ErrShortFrame", err)
	}
}

func TestAesCBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := bytes.Repeat([]byte{0x02}, 16)

	for name, p := range payloads() {
		t.Run(name, func(t *testing.T) {
			ct, err := EncryptCBC(key, iv, p)
			if err != nil {
				t.Fatalf("EncryptCBC() error = %v", err)
			}
			if len(ct)%16 != 0 || len(ct) <= len(p) {
				t.Errorf("ciphertext length %d not padded for plaintext %d", len(ct), len(p))
			}
			pt, err := DecryptCBC(key, iv, ct)
			if err != nil {
				t.Fatalf("DecryptCBC() error = %v", err)
			}
			if !bytes.Equal(pt, p) {
				t.Errorf("decrypt(encrypt(x)) = %x, want %x", pt, p)
			}
		})
	}
}

func TestAesCBCEncryptOfDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 16)
	iv := bytes.Repeat([]byte{0x04}, 16)

	// Any valid ciphertext must survive decrypt followed by encrypt
	ct, err := EncryptCBC(key, iv, []byte("some device payload"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptCBC(key, iv, ct)
	if err != nil {
		t.Fatal(err)
	}
	again, err := EncryptCBC(key, iv, pt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, ct) {
		t.Errorf("encrypt(decrypt(x)) = %x, want %x", again, ct)
	}
}

func TestDecryptCBCErrors(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := bytes.Repeat([]byte{0x02}, 16)

	tests := []struct {
		name string
		ct   []byte
		want error
	}{
		{"empty", nil, ErrBlockSize},
		{"unaligned", make([]byte, 17), ErrBlockSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptCBC(key, iv, tt.ct); !errors.Is(err, tt.want) {
				t.Errorf("DecryptCBC() error = %v, want %v", err, tt.want)
			}
		})
	}

	// Wrong key almost always yields bad padding
	ct, _ := EncryptCBC(key, iv, []byte("abc"))
	other := bytes.Repeat([]byte{0x09}, 16)
	if pt, err := DecryptCBC(other, iv, ct); err == nil && bytes.Equal(pt, []byte("abc")) {
		t.Error("DecryptCBC() with wrong key returned the plaintext")
	}
}

func TestUnpad(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"zero pad byte", append(make([]byte, 15), 0x00), true},
		{"pad larger than block", append(make([]byte, 15), 0x11), true},
		{"inconsistent pad", append(make([]byte, 14), 0x01, 0x02), true},
		{"valid", append(make([]byte, 14), 0x02, 0x02), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpad(tt.data, 16)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unpad() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAesSession(t *testing.T) {
	s, err := NewAesSession(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := s.Encrypt([]byte(`{"method":"get_device_info"}`))
	if err != nil {
		t.Fatal(err)
	}
	dec, err := s.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if string(dec) != `{"method":"get_device_info"}` {
		t.Errorf("Decrypt() = %s", dec)
	}
	if _, err := s.Decrypt("!!not base64"); err == nil {
		t.Error("Decrypt() should reject invalid base64")
	}
	if _, err := NewAesSession(make([]byte, 8), make([]byte, 16)); err == nil {
		t.Error("NewAesSession() should reject a short key")
	}
}

func TestRSAKeyExchange(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pemKey, err := kp.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	secret := bytes.Repeat([]byte{0xAB}, 32)
	ct, err := EncryptToPEM(pemKey, secret)
	if err != nil {
		t.Fatalf("EncryptToPEM() error = %v", err)
	}
	got, err := kp.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Decrypt() = %x, want %x", got, secret)
	}

	if _, err := ParsePublicKeyPEM("garbage"); err == nil {
		t.Error("ParsePublicKeyPEM() should reject non-PEM input")
	}
}

func TestDeriveKlapKeysReference(t *testing.T) {
	local := make([]byte, 16)
	remote := make([]byte, 16)
	for i := range local {
		local[i] = byte(i)
		remote[i] = byte(i + 16)
	}
	auth := SHA256([]byte("auth"))

	keys := DeriveKlapKeys(local, remote, auth)

	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"key", keys.Key, "35ad65362831882c84cc2bd9071719b4"},
		{"iv", keys.IVBase, "335d0014a9d373236fcc6798"},
		{"sig", keys.Signature, "663cfc925c3e83ad91025902dd5916102fb6da07a719c057fdb29f29"},
	}
	for _, tt := range tests {
		if hex.EncodeToString(tt.got) != tt.want {
			t.Errorf("%s = %x, want %s", tt.name, tt.got, tt.want)
		}
	}
	if keys.Seq != -312518874 {
		t.Errorf("seq = %d, want -312518874", keys.Seq)
	}
}

func TestKlapIVAndSignature(t *testing.T) {
	base := bytes.Repeat([]byte{0xEE}, 12)
	iv := KlapIV(base, -1)
	if !bytes.Equal(iv[12:], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("iv tail = %x, want ffffffff", iv[12:])
	}
	iv = KlapIV(base, 258)
	if !bytes.Equal(iv[12:], []byte{0, 0, 1, 2}) {
		t.Errorf("iv tail = %x, want 00000102", iv[12:])
	}

	sig := KlapSignature([]byte("k"), 1, []byte("ct"))
	want := SHA256([]byte("k"), []byte{0, 0, 0, 1}, []byte("ct"))
	if !bytes.Equal(sig, want) {
		t.Errorf("KlapSignature() = %x, want %x", sig, want)
	}
}
