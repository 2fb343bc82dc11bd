package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/transport"
)

// IotProtocol speaks the legacy IOT dialect used by Kasa devices over XOR,
// KLAP v1 and Linkie. A batch is one request object keyed by module:
//
//	{"system": {"get_sysinfo": {}}, "emeter": {"get_realtime": {}}}
//
// Each Request names a module and carries its method map as Params.
type IotProtocol struct {
	conn
}

// NewIotProtocol wraps a Xor, Klap or Linkie transport
func NewIotProtocol(t transport.Transport, opts Options) *IotProtocol {
	return &IotProtocol{conn: newConn(t, opts)}
}

// Query sends the batch as a single request
func (p *IotProtocol) Query(ctx context.Context, batch Batch) (Response, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	request, err := encodeIot(batch)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := p.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.lock.release()

	var out Response
	err = p.roundTrip(ctx, request, func(body []byte) error {
		results, err := decodeIot(p.transport.Host(), batch, body)
		if err != nil {
			return err
		}
		out = results
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// encodeIot writes the modules in batch order
func encodeIot(batch Batch) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(r.Method)
		if err != nil {
			return nil, err
		}
		params := r.Params
		if params == nil {
			params = struct{}{}
		}
		value, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeIot(host string, batch Batch, body []byte) (Response, error) {
	var modules map[string]json.RawMessage
	if err := json.Unmarshal(body, &modules); err != nil {
		return nil, kasaerr.NewDecodeError("malformed response", err).WithHost(host)
	}

	out := make(Response, len(batch))
	for _, r := range batch {
		raw, ok := modules[r.Method]
		if !ok {
			out[r.Method] = Result{Err: kasaerr.NewDeviceError(r.Method, kasaerr.InternalQuery).WithHost(host)}
			continue
		}
		if err := moduleError(host, r.Method, raw); err != nil {
			out[r.Method] = Result{Err: err}
			continue
		}
		out[r.Method] = Result{Value: raw}
	}
	return out, nil
}

type iotStatus struct {
	ErrCode *int   `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// moduleError reports the first non-zero err_code, either on the module
// itself or on one of its method results in name order
func moduleError(host, module string, raw json.RawMessage) error {
	var methods map[string]json.RawMessage
	if err := json.Unmarshal(raw, &methods); err != nil {
		return nil
	}

	if code, ok := methods["err_code"]; ok {
		var status iotStatus
		status.ErrCode = new(int)
		if err := json.Unmarshal(code, status.ErrCode); err == nil && *status.ErrCode != 0 {
			if msg, ok := methods["err_msg"]; ok {
				if err := json.Unmarshal(msg, &status.ErrMsg); err != nil {
					status.ErrMsg = string(msg)
				}
			}
			return iotError(host, module, status)
		}
	}
	keys := make([]string, 0, len(methods))
	for k := range methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, method := range keys {
		var status iotStatus
		if err := json.Unmarshal(methods[method], &status); err != nil || status.ErrCode == nil {
			continue
		}
		if *status.ErrCode != 0 {
			return iotError(host, module+"."+method, status)
		}
	}
	return nil
}

func iotError(host, method string, status iotStatus) error {
	code, _ := kasaerr.CodeFromInt(*status.ErrCode)
	e := kasaerr.NewDeviceError(method, code).WithHost(host)
	// IOT batches are never retried
	e.Retryable = false
	e.Message = fmt.Sprintf("device returned err_code %d", *status.ErrCode)
	if status.ErrMsg != "" {
		e.Message += ": " + status.ErrMsg
	}
	return e
}
