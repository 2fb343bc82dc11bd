// Package crypto holds the cryptographic primitives used by the device
// transports.
//
//   - XorEncode/XorDecode: autokey XOR cipher (seed 171), plus the 4-byte
//     length framing used on the raw TCP protocol.
//   - EncryptCBC/DecryptCBC: AES-128-CBC with PKCS7 padding. Decrypt fails on
//     non block aligned input or bad padding.
//   - KeyPair: ephemeral RSA key used to receive the AES session key.
//   - DeriveKlapKeys/KlapIV/KlapSignature: KLAP session derivation.
//   - CameraConfirmHash/CameraDigestPassword/CameraSessionToken/CameraTag:
//     camera (SSL-AES) login and request tagging.
//
// All functions are stateless and safe for concurrent use.
package crypto
