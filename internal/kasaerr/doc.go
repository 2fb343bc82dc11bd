// Package kasaerr defines the error taxonomy shared by transports and
// protocols, and the closed table of status codes reported by device firmware.
//
// # Error Types
//
//   - Authentication: bad credentials or handshake hash mismatch. Terminal.
//   - Session expired: the device rejected the session. The protocol layer
//     re-handshakes once and retries the batch.
//   - Connect / Timeout: socket failures. Retried once by the protocol layer.
//   - Device: a per-method firmware code. Either fatal or retryable for that
//     call, never for its siblings.
//   - Decode: malformed or undecryptable response.
//
// Use the IsXxx helpers rather than type assertions; they follow wrapped
// error chains.
//
// # Error Codes
//
// ErrorCode values come from the "error_code" fields of device responses.
// Category() partitions them into success, fatal, retryable,
// session-invalidating and authentication codes. Raw integers outside the
// table decode to InternalUnknown.
package kasaerr
