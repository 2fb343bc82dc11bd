package protocol

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"github.com/muurk/kasalink/internal/transport"
)

// Protocol issues request batches to one device over one transport
type Protocol interface {
	// Query sends the batch and returns one result per method. The error is
	// set only when the batch as a whole failed; per-call failures are
	// reported in the Response.
	Query(ctx context.Context, batch Batch) (Response, error)
	// Transport returns the underlying transport
	Transport() transport.Transport
	// Close waits for the in-flight request and closes the transport
	Close() error
}

const (
	DefaultBatchSize     = 5
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// Options tunes a protocol instance. Zero values select the defaults.
type Options struct {
	// Timeout bounds one wire round trip including any handshake
	Timeout time.Duration
	// BatchSize caps the calls packed into one multipleRequest
	BatchSize int
	// RetryAttempts caps the attempts for a call failing with a retryable
	// device code, counting the first one
	RetryAttempts int
	// RetryDelay is the pause between those attempts
	RetryDelay time.Duration
}

func (o Options) withDefaults(f transport.Family) Options {
	if o.Timeout <= 0 {
		o.Timeout = f.DefaultTimeout()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Connect builds the transport for cfg and wraps it in the protocol the
// device family speaks
func Connect(cfg transport.Config, opts Options) (Protocol, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	t, err := transport.New(resolved)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = resolved.Timeout
	}
	return New(t, opts), nil
}

// New wraps an existing transport
func New(t transport.Transport, opts Options) Protocol {
	switch t.Family() {
	case transport.FamilyKlapV2, transport.FamilyAes, transport.FamilySslAes:
		return NewSmartProtocol(t, opts)
	default:
		return NewIotProtocol(t, opts)
	}
}

// conn is the state shared by both protocols: the transport, the lock that
// serializes access to it and the whole-batch recovery policy
type conn struct {
	transport transport.Transport
	lock      deviceLock
	opts      Options
}

func newConn(t transport.Transport, opts Options) conn {
	return conn{
		transport: t,
		lock:      newDeviceLock(),
		opts:      opts.withDefaults(t.Family()),
	}
}

// Transport returns the underlying transport
func (c *conn) Transport() transport.Transport {
	return c.transport
}

// Close waits for the in-flight request, then closes the transport
func (c *conn) Close() error {
	if err := c.lock.acquire(context.Background()); err != nil {
		return err
	}
	defer c.lock.release()
	return c.transport.Close()
}

// roundTrip sends request and hands the response to handle. Any failure
// discards the session. A recoverable one, from the transport or reported by
// handle, also repeats the exchange once. The caller must hold the lock.
func (c *conn) roundTrip(ctx context.Context, request []byte, handle func([]byte) error) error {
	err := c.attempt(ctx, request, handle)
	if err == nil {
		return nil
	}
	c.transport.InvalidateSession()
	if !recoverable(err) || ctx.Err() != nil {
		return err
	}

	logging.LogRetry(c.transport.Host(), 2, err)

	err = c.attempt(ctx, request, handle)
	if err == nil {
		return nil
	}
	c.transport.InvalidateSession()
	if !recoverable(err) {
		return err
	}
	logging.Warn("Request failed after re-handshake",
		zap.String("host", c.transport.Host()),
		zap.Error(err),
	)
	return exhausted(err)
}

func (c *conn) attempt(ctx context.Context, request []byte, handle func([]byte) error) error {
	resp, err := c.send(ctx, request)
	if err != nil {
		return err
	}
	return handle(resp)
}

// send performs one bounded exchange. A cancelled or timed out exchange
// leaves the session in an unknown state, so it is discarded.
func (c *conn) send(ctx context.Context, request []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.transport.Send(callCtx, request)
	if err == nil {
		return resp, nil
	}

	switch {
	case ctx.Err() != nil:
		c.transport.InvalidateSession()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, kasaerr.NewTimeoutError("request deadline exceeded", ctx.Err()).WithHost(c.transport.Host())
		}
		return nil, ctx.Err()
	case callCtx.Err() != nil:
		c.transport.InvalidateSession()
		return nil, kasaerr.NewTimeoutError("request timed out", callCtx.Err()).WithHost(c.transport.Host())
	case kasaerr.IsTimeout(err):
		c.transport.InvalidateSession()
	}
	return nil, err
}

// recoverable reports whether a batch-level failure earns the single
// re-handshake retry
func recoverable(err error) bool {
	typ, ok := kasaerr.TypeOf(err)
	if !ok {
		return false
	}
	switch typ {
	case kasaerr.ErrTypeSessionExpired, kasaerr.ErrTypeTimeout:
		return true
	case kasaerr.ErrTypeConnect, kasaerr.ErrTypeAuth, kasaerr.ErrTypeDevice:
		return kasaerr.IsRetryable(err)
	}
	return false
}

// exhausted turns a failure that survived the retry into a terminal error.
// A session that is rejected twice is a connectivity problem.
func exhausted(err error) error {
	var e *kasaerr.Error
	if !errors.As(err, &e) {
		return err
	}
	out := *e
	out.Retryable = false
	if out.Type == kasaerr.ErrTypeSessionExpired {
		out.Type = kasaerr.ErrTypeConnect
		out.Message = "session rejected after re-handshake: " + e.Message
	}
	return &out
}
