package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
)

// Call is one method invocation seen by the simulated firmware
type Call struct {
	Method string
	Params json.RawMessage
	// Seq is the transport sequence number the call arrived under, zero for
	// transports without one
	Seq int64
}

// Hit is one HTTP request or TCP frame received by a server, before
// decryption
type Hit struct {
	Path string
	Body []byte
}

// Device is the firmware state shared by every simulated server: the
// account, canned method results, fault injection and request recording.
// One Device backs exactly one server.
type Device struct {
	Credentials *credentials.Credentials

	mu          sync.Mutex
	results     map[string]any
	queued      map[string][]int
	sticky      map[string]int
	expireOn    map[int]bool
	delay       time.Duration
	requests    int
	handshakes  int
	calls       []Call
	hits        []Hit
	inFlight    int
	maxInFlight int
	sessionSeqs []int64
}

// NewDevice creates a device that accepts the given account
func NewDevice(username, password string) *Device {
	return &Device{
		Credentials: credentials.New(username, password),
		results:     make(map[string]any),
		queued:      make(map[string][]int),
		sticky:      make(map[string]int),
		expireOn:    make(map[int]bool),
	}
}

// SetResult sets the result returned for a method (SMART) or module (IOT)
func (d *Device) SetResult(name string, result any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[name] = result
}

// FailMethod makes every call of name answer with code
func (d *Device) FailMethod(name string, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sticky[name] = code
}

// FailMethodTimes makes the next n calls of name answer with code
func (d *Device) FailMethodTimes(name string, code, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.queued[name] = append(d.queued[name], code)
	}
}

// ExpireSessionOn makes the given data requests (1-based, counted across
// sessions) fail with the family's session expired signal. The session is
// dropped on the device.
func (d *Device) ExpireSessionOn(requests ...int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range requests {
		d.expireOn[n] = true
	}
}

// SetDelay delays every data response
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Handshakes returns the number of completed handshakes
func (d *Device) Handshakes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakes
}

// Requests returns the number of data requests received
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// Calls returns a copy of every decoded method call
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount returns how often name was called
func (d *Device) CallCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Method == name {
			n++
		}
	}
	return n
}

// Hits returns every raw request received
func (d *Device) Hits() []Hit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Hit(nil), d.hits...)
}

// Seqs returns the sequence numbers of every accepted data request
func (d *Device) Seqs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.sessionSeqs...)
}

// MaxConcurrent returns the highest number of data requests processed at
// the same time
func (d *Device) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

func (d *Device) recordHit(path string, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits = append(d.hits, Hit{Path: path, Body: append([]byte(nil), body...)})
}

func (d *Device) handshakeDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handshakes++
}

// beginRequest counts a data request and reports whether it must be answered
// with a session expiry
func (d *Device) beginRequest(seq int64) (expire bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	if d.expireOn[d.requests] {
		return true
	}
	d.sessionSeqs = append(d.sessionSeqs, seq)
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	return false
}

func (d *Device) endRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--
}

// wait applies the configured delay, returning early when ctx ends
func (d *Device) wait(ctx context.Context) error {
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// answer records a call and returns its result and error code
func (d *Device) answer(name string, params json.RawMessage, seq int64) (any, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Method: name, Params: params, Seq: seq})

	if q := d.queued[name]; len(q) > 0 {
		d.queued[name] = q[1:]
		return nil, q[0]
	}
	if code, ok := d.sticky[name]; ok {
		return nil, code
	}
	if r, ok := d.results[name]; ok {
		return r, 0
	}
	return map[string]any{}, 0
}
