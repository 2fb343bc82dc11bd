package protocol

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"github.com/muurk/kasalink/internal/transport"
)

const methodMultipleRequest = "multipleRequest"

// smartRequest is the SMART envelope. Inner requests of a multipleRequest
// carry only method and params.
type smartRequest struct {
	Method           string `json:"method"`
	Params           any    `json:"params,omitempty"`
	RequestTimeMilis int64  `json:"request_time_milis,omitempty"`
	TerminalUUID     string `json:"terminal_uuid,omitempty"`
}

type multipleParams struct {
	Requests []smartRequest `json:"requests"`
}

type smartResponse struct {
	Method    string          `json:"method,omitempty"`
	ErrorCode *int            `json:"error_code"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type multipleResult struct {
	Responses []smartResponse `json:"responses"`
}

// SmartProtocol speaks the SMART JSON-RPC dialect used by Tapo devices and
// newer Kasa firmware. Batches are packed into multipleRequest envelopes of
// at most BatchSize calls; every call carries its own error code.
type SmartProtocol struct {
	conn
	terminalUUID string
	now          func() time.Time
}

// NewSmartProtocol wraps a KlapV2, Aes or SslAes transport
func NewSmartProtocol(t transport.Transport, opts Options) *SmartProtocol {
	return &SmartProtocol{
		conn:         newConn(t, opts),
		terminalUUID: newTerminalUUID(),
		now:          time.Now,
	}
}

// newTerminalUUID identifies this client to the device, in the base64 md5
// form the official app uses
func newTerminalUUID() string {
	id := uuid.New()
	sum := md5.Sum(id[:])
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Query sends the batch, splitting it into chunks when needed
func (p *SmartProtocol) Query(ctx context.Context, batch Batch) (Response, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := p.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.lock.release()

	out := make(Response, len(batch))
	for _, chunk := range batch.chunks(p.opts.BatchSize) {
		if err := p.queryChunk(ctx, chunk, out); err != nil {
			return nil, err
		}
	}
	for _, req := range batch {
		if isRetryableCall(out[req.Method].Err) {
			out[req.Method] = p.retryCall(ctx, req, out[req.Method])
		}
	}
	return out, nil
}

func (p *SmartProtocol) queryChunk(ctx context.Context, chunk Batch, out Response) error {
	request, err := p.encode(chunk)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return p.roundTrip(ctx, request, func(body []byte) error {
		results, err := p.decode(chunk, body)
		if err != nil {
			return err
		}
		for method, result := range results {
			out[method] = result
		}
		return nil
	})
}

// encode sends a single call bare and anything larger as multipleRequest
func (p *SmartProtocol) encode(chunk Batch) ([]byte, error) {
	env := smartRequest{
		RequestTimeMilis: p.now().UnixMilli(),
		TerminalUUID:     p.terminalUUID,
	}
	if len(chunk) == 1 {
		env.Method = chunk[0].Method
		env.Params = chunk[0].Params
		return json.Marshal(env)
	}

	requests := make([]smartRequest, len(chunk))
	for i, r := range chunk {
		requests[i] = smartRequest{Method: r.Method, Params: r.Params}
	}
	env.Method = methodMultipleRequest
	env.Params = multipleParams{Requests: requests}
	return json.Marshal(env)
}

// envelopeError maps a top-level code. An authentication code in the
// envelope means the device dropped the session, so it earns the same single
// re-handshake as a session code.
func envelopeError(message string, code kasaerr.ErrorCode, host string) *kasaerr.Error {
	e := kasaerr.FromCode(message, code)
	if e == nil {
		return nil
	}
	e = e.WithHost(host)
	if code.Category() == kasaerr.CategoryAuthentication {
		e.Retryable = true
	}
	return e
}

// decode maps a response to per-call results. Session and authentication
// codes in the envelope fail the whole chunk.
func (p *SmartProtocol) decode(chunk Batch, body []byte) (Response, error) {
	host := p.transport.Host()

	var top smartResponse
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, kasaerr.NewDecodeError("malformed response", err).WithHost(host)
	}
	if top.ErrorCode == nil {
		return nil, kasaerr.NewDecodeError("response has no error_code", nil).WithHost(host)
	}
	code, _ := kasaerr.CodeFromInt(*top.ErrorCode)

	if len(chunk) == 1 {
		switch code.Category() {
		case kasaerr.CategorySessionInvalid, kasaerr.CategoryAuthentication:
			return nil, envelopeError(chunk[0].Method+" rejected", code, host)
		}
		method := chunk[0].Method
		return Response{method: callResult(host, method, top.ErrorCode, top.Result)}, nil
	}

	if e := envelopeError(methodMultipleRequest+" failed", code, host); e != nil {
		return nil, e
	}
	var multi multipleResult
	if err := json.Unmarshal(top.Result, &multi); err != nil {
		return nil, kasaerr.NewDecodeError("malformed multipleRequest result", err).WithHost(host)
	}

	wanted := make(map[string]struct{}, len(chunk))
	for _, r := range chunk {
		wanted[r.Method] = struct{}{}
	}
	results := make(Response, len(chunk))
	for _, r := range multi.Responses {
		if _, ok := wanted[r.Method]; !ok {
			logging.Debug("Ignoring unrequested method in response",
				zap.String("host", host),
				zap.String("method", r.Method),
			)
			continue
		}
		results[r.Method] = callResult(host, r.Method, r.ErrorCode, r.Result)
	}
	for _, r := range chunk {
		if _, ok := results[r.Method]; !ok {
			results[r.Method] = Result{Err: kasaerr.NewDeviceError(r.Method, kasaerr.InternalQuery).WithHost(host)}
		}
	}
	return results, nil
}

func callResult(host, method string, rawCode *int, value json.RawMessage) Result {
	if rawCode == nil {
		return Result{Err: kasaerr.NewDecodeError(fmt.Sprintf("result of %s has no error_code", method), nil).WithHost(host)}
	}
	code, known := kasaerr.CodeFromInt(*rawCode)
	if code == kasaerr.Success {
		if len(value) == 0 {
			value = json.RawMessage("{}")
		}
		return Result{Value: value}
	}
	e := kasaerr.NewDeviceError(method, code).WithHost(host)
	if !known {
		e.Message = fmt.Sprintf("device returned unmapped error %d", *rawCode)
	}
	return Result{Err: e}
}

func isRetryableCall(err error) bool {
	return kasaerr.IsDeviceError(err) && kasaerr.IsRetryable(err)
}

// retryCall repeats one call that failed with a retryable device code. The
// batch round trip counts as the first attempt.
func (p *SmartProtocol) retryCall(ctx context.Context, req Request, first Result) Result {
	if p.opts.RetryAttempts <= 1 {
		return first
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.RetryDelay), uint64(p.opts.RetryAttempts-1)),
		ctx,
	)

	result := first
	for attempt := 2; isRetryableCall(result.Err); attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		logging.LogRetry(p.transport.Host(), attempt, result.Err)
		if err := sleep(ctx, wait); err != nil {
			return Result{Err: err}
		}

		out := make(Response, 1)
		if err := p.queryChunk(ctx, Batch{req}, out); err != nil {
			return Result{Err: err}
		}
		result = out[req.Method]
	}
	return result
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
