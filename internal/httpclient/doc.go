// Package httpclient is the small HTTP layer shared by the KLAP, AES,
// SSL-AES and Linkie transports. It posts raw bodies, reads complete
// responses, carries device session cookies and classifies network failures
// into kasaerr errors.
package httpclient
