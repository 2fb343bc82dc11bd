package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/muurk/kasalink/internal/crypto"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"go.uber.org/zap"
)

// maxXorFrame bounds the length prefix accepted from a device
const maxXorFrame = 16 << 20

// XorTransport speaks length-prefixed autokey-XOR JSON over a raw TCP
// connection. There is no handshake and no session.
type XorTransport struct {
	cfg    Config
	dialer net.Dialer
	conn   net.Conn
}

// NewXorTransport creates a transport from a resolved config
func NewXorTransport(cfg Config) *XorTransport {
	return &XorTransport{cfg: cfg.withDefaults(FamilyXor)}
}

// Family implements Transport
func (t *XorTransport) Family() Family { return FamilyXor }

// Host implements Transport
func (t *XorTransport) Host() string { return t.cfg.Host }

// State implements Transport
func (t *XorTransport) State() SessionState {
	if t.conn == nil {
		return NoSession{}
	}
	return Established{}
}

func (t *XorTransport) addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Open dials the device if no connection is open
func (t *XorTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return kasaerr.ClassifyNetworkError(err, t.cfg.Host)
	}
	t.conn = conn
	logging.Debug("Connected", zap.String("host", t.cfg.Host), zap.String("transport", FamilyXor.String()))
	return nil
}

// Send writes one frame and reads one frame back. A failure on a reused
// connection that happened before the device answered is retried once on a
// fresh connection.
func (t *XorTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	reused := t.conn != nil
	resp, answered, err := t.roundTrip(ctx, request)
	if err == nil {
		return resp, nil
	}
	t.dropConn()
	if !reused || answered || ctx.Err() != nil || kasaerr.IsTimeout(err) {
		return nil, err
	}

	logging.Debug("Reconnecting stale connection", zap.String("host", t.cfg.Host), zap.Error(err))
	resp, _, err = t.roundTrip(ctx, request)
	if err != nil {
		t.dropConn()
		return nil, err
	}
	return resp, nil
}

func (t *XorTransport) roundTrip(ctx context.Context, request []byte) (resp []byte, answered bool, err error) {
	if err := t.Open(ctx); err != nil {
		return nil, false, err
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, false, kasaerr.ClassifyNetworkError(err, t.cfg.Host)
	}

	// Unblock reads when the context is cancelled
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	frame := crypto.XorFrame(request)
	logging.LogRawBytes("XOR request", request)
	if _, err := t.conn.Write(frame); err != nil {
		return nil, false, t.ioError(ctx, err)
	}

	var header [crypto.XorHeaderSize]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, false, t.ioError(ctx, err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxXorFrame {
		return nil, true, kasaerr.NewDecodeError(fmt.Sprintf("frame length %d exceeds limit", length), nil).WithHost(t.cfg.Host)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, true, t.ioError(ctx, err)
	}

	plain := crypto.XorDecode(crypto.XorInitialKey, body)
	logging.LogRawBytes("XOR response", plain)
	return plain, true, nil
}

func (t *XorTransport) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return kasaerr.NewTimeoutError("request timed out", ctxErr).WithHost(t.cfg.Host)
		}
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return kasaerr.NewConnectError("connection closed by device", err).WithHost(t.cfg.Host)
	}
	return kasaerr.ClassifyNetworkError(err, t.cfg.Host)
}

func (t *XorTransport) dropConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// InvalidateSession closes the connection; the next Send reconnects
func (t *XorTransport) InvalidateSession() {
	t.dropConn()
}

// Close implements Transport
func (t *XorTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
