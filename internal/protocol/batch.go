package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/muurk/kasalink/internal/kasaerr"
)

var (
	// ErrEmptyBatch is returned when a batch has no requests
	ErrEmptyBatch = errors.New("batch has no requests")
	// ErrInvalidMethod is returned for an empty or duplicated method name
	ErrInvalidMethod = errors.New("invalid method in batch")
)

// Request is one method call. Params may be nil when the method takes none.
// For IOT devices Method is the module name and Params the method map.
type Request struct {
	Method string
	Params any
}

// Batch is an ordered set of calls submitted as one logical update. Order is
// preserved on the wire.
type Batch []Request

// Single builds a batch holding one call
func Single(method string, params any) Batch {
	return Batch{{Method: method, Params: params}}
}

// Add appends a call and returns the batch
func (b Batch) Add(method string, params any) Batch {
	return append(b, Request{Method: method, Params: params})
}

// Methods returns the method names in order
func (b Batch) Methods() []string {
	out := make([]string, len(b))
	for i, r := range b {
		out[i] = r.Method
	}
	return out
}

// Validate rejects empty batches and empty or duplicate method names
func (b Batch) Validate() error {
	if len(b) == 0 {
		return ErrEmptyBatch
	}
	seen := make(map[string]struct{}, len(b))
	for i, r := range b {
		if r.Method == "" {
			return fmt.Errorf("%w: request %d has no method", ErrInvalidMethod, i)
		}
		if _, dup := seen[r.Method]; dup {
			return fmt.Errorf("%w: %q appears more than once", ErrInvalidMethod, r.Method)
		}
		seen[r.Method] = struct{}{}
	}
	return nil
}

// chunks splits the batch into slices of at most size requests
func (b Batch) chunks(size int) []Batch {
	if size <= 0 || len(b) <= size {
		return []Batch{b}
	}
	var out []Batch
	for start := 0; start < len(b); start += size {
		end := start + size
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[start:end])
	}
	return out
}

// Result is the outcome of one call. Exactly one of Value and Err is set.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Response maps each method of a batch to its result
type Response map[string]Result

// Get returns the raw result of method
func (r Response) Get(method string) (json.RawMessage, error) {
	res, ok := r[method]
	if !ok {
		return nil, fmt.Errorf("no result for method %q", method)
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// Unmarshal decodes the result of method into v
func (r Response) Unmarshal(method string, v any) error {
	raw, err := r.Get(method)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return kasaerr.NewDecodeError(fmt.Sprintf("decode result of %s", method), err)
	}
	return nil
}

// Err combines the per-call errors, ordered by method name
func (r Response) Err() error {
	methods := make([]string, 0, len(r))
	for m := range r {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	var err error
	for _, m := range methods {
		err = multierr.Append(err, r[m].Err)
	}
	return err
}
