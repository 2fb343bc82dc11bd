package crypto

import "strconv"

// Camera login derivations. All inputs are upper-case hex strings as they
// appear on the wire; hashes are concatenated as text, not bytes.

// CameraConfirmHash is the device_confirm value a camera returns in
// handshake1: HEX(SHA256(cnonce ‖ pwdHash ‖ nonce)) ‖ nonce ‖ cnonce.
func CameraConfirmHash(cnonce, nonce, pwdHash string) string {
	return SHA256HexUpper([]byte(cnonce + pwdHash + nonce)) + nonce + cnonce
}

// CameraDigestPassword is the digest_passwd sent in handshake2:
// HEX(SHA256(pwdHash ‖ cnonce ‖ nonce)) ‖ cnonce ‖ nonce.
func CameraDigestPassword(cnonce, nonce, pwdHash string) string {
	return SHA256HexUpper([]byte(pwdHash+cnonce+nonce)) + cnonce + nonce
}

// CameraSessionToken derives the 16 byte session key ("lsk") or iv ("ivb")
func CameraSessionToken(label, cnonce, nonce, pwdHash string) []byte {
	hashedKey := SHA256HexUpper([]byte(cnonce + pwdHash + nonce))
	return SHA256([]byte(label + cnonce + nonce + hashedKey))[:16]
}

// CameraTag is the Tapo_tag header authenticating one passthrough body
func CameraTag(body []byte, cnonce, pwdHash string, seq int64) string {
	pwdNonceHash := SHA256HexUpper([]byte(pwdHash + cnonce))
	return SHA256HexUpper([]byte(pwdNonceHash), body, []byte(strconv.FormatInt(seq, 10)))
}
