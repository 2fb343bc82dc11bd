package protocol

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/transport"
)

const okReply = `{"error_code":0,"result":{}}`

// mockTransport records requests and tracks how many are in flight at once
type mockTransport struct {
	family transport.Family
	delay  time.Duration
	reply  func(call int, request []byte) ([]byte, error)

	mu          sync.Mutex
	requests    [][]byte
	inFlight    int
	maxInFlight int
	invalidated int
	closed      bool
}

func newMock(f transport.Family, reply func(call int, request []byte) ([]byte, error)) *mockTransport {
	if reply == nil {
		reply = func(int, []byte) ([]byte, error) { return []byte(okReply), nil }
	}
	return &mockTransport{family: f, reply: reply}
}

func (m *mockTransport) Open(context.Context) error { return nil }

func (m *mockTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, append([]byte(nil), request...))
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.reply(call, request)
}

func (m *mockTransport) InvalidateSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *mockTransport) State() transport.SessionState { return transport.NoSession{} }
func (m *mockTransport) Family() transport.Family      { return m.family }
func (m *mockTransport) Host() string                  { return "mock" }

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) stats() (requests, maxInFlight, invalidated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests), m.maxInFlight, m.invalidated
}

// simConfig points a Config at a simulator HTTP server
func simConfig(t *testing.T, srv *httptest.Server, f transport.Family, creds *credentials.Credentials) transport.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return transport.Config{
		Host:        u.Hostname(),
		Port:        port,
		Family:      f,
		Credentials: creds,
		Timeout:     2 * time.Second,
		HTTPClient:  srv.Client(),
	}
}

var fastRetry = Options{RetryDelay: time.Millisecond}

func TestConnectSelectsDialect(t *testing.T) {
	tests := []struct {
		family    transport.Family
		wantSmart bool
	}{
		{transport.FamilyXor, false},
		{transport.FamilyKlap, false},
		{transport.FamilyLinkie, false},
		{transport.FamilyKlapV2, true},
		{transport.FamilyAes, true},
		{transport.FamilySslAes, true},
	}
	for _, tt := range tests {
		t.Run(tt.family.String(), func(t *testing.T) {
			p, err := Connect(transport.Config{Host: "192.0.2.1", Family: tt.family}, Options{})
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer p.Close()

			_, isSmart := p.(*SmartProtocol)
			if isSmart != tt.wantSmart {
				t.Errorf("Connect() returned %T", p)
			}
			if p.Transport().Family() != tt.family {
				t.Errorf("Transport().Family() = %s, want %s", p.Transport().Family(), tt.family)
			}
		})
	}

	if _, err := Connect(transport.Config{Host: "192.0.2.1"}, Options{}); err == nil {
		t.Error("Connect() should fail without a family")
	}
}

func TestOptionsDefaults(t *testing.T) {
	p := NewSmartProtocol(newMock(transport.FamilyAes, nil), Options{})
	if p.opts.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", p.opts.Timeout)
	}
	if p.opts.BatchSize != DefaultBatchSize || p.opts.RetryAttempts != DefaultRetryAttempts || p.opts.RetryDelay != DefaultRetryDelay {
		t.Errorf("defaults = %+v", p.opts)
	}

	iot := NewIotProtocol(newMock(transport.FamilyXor, nil), Options{})
	if iot.opts.Timeout != 5*time.Second {
		t.Errorf("xor Timeout = %v, want 5s", iot.opts.Timeout)
	}
}

func TestConcurrentQueriesAreSerialized(t *testing.T) {
	m := newMock(transport.FamilyKlapV2, nil)
	m.delay = 5 * time.Millisecond
	p := NewSmartProtocol(m, Options{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Query(context.Background(), Single("get_device_info", nil))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Query() error = %v", err)
		}
	}
	requests, maxInFlight, _ := m.stats()
	if requests != workers {
		t.Errorf("requests = %d, want %d", requests, workers)
	}
	if maxInFlight != 1 {
		t.Errorf("max in flight = %d, want 1", maxInFlight)
	}
}

func TestWaitingQueryHonoursContext(t *testing.T) {
	m := newMock(transport.FamilyKlapV2, nil)
	m.delay = 300 * time.Millisecond
	p := NewSmartProtocol(m, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := p.Query(context.Background(), Single("get_device_info", nil))
		done <- err
	}()
	for {
		if n, _, _ := m.stats(); n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Query(ctx, Single("get_device_info", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Query() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("waiter held for %v", elapsed)
	}

	if err := <-done; err != nil {
		t.Errorf("first Query() error = %v", err)
	}
	if _, err := p.Query(context.Background(), Single("get_device_info", nil)); err != nil {
		t.Errorf("Query() after cancelled waiter error = %v", err)
	}
}

func TestCancelledRequestInvalidatesSession(t *testing.T) {
	m := newMock(transport.FamilyKlapV2, nil)
	m.delay = time.Second
	p := NewSmartProtocol(m, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := p.Query(ctx, Single("get_device_info", nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Query() error = %v, want canceled", err)
	}
	requests, _, invalidated := m.stats()
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
	if invalidated == 0 {
		t.Error("cancelled request should discard the session")
	}
}

func TestRequestTimeoutRetriesOnce(t *testing.T) {
	m := newMock(transport.FamilyKlapV2, nil)
	m.delay = time.Second
	p := NewSmartProtocol(m, Options{Timeout: 20 * time.Millisecond})

	_, err := p.Query(context.Background(), Single("get_device_info", nil))
	if !kasaerr.IsTimeout(err) {
		t.Fatalf("Query() error = %v, want timeout", err)
	}
	if kasaerr.IsRetryable(err) {
		t.Error("timeout after the retry should not be retryable")
	}
	requests, _, invalidated := m.stats()
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	if invalidated < 2 {
		t.Errorf("invalidated = %d, want at least 2", invalidated)
	}
}

func TestFatalErrorInvalidatesSession(t *testing.T) {
	tests := []struct {
		name  string
		reply func(int, []byte) ([]byte, error)
		check func(error) bool
	}{
		{
			name: "undecryptable response",
			reply: func(int, []byte) ([]byte, error) {
				return nil, kasaerr.NewDecodeError("unable to decrypt response", nil)
			},
			check: kasaerr.IsDecodeError,
		},
		{
			name: "malformed payload",
			reply: func(int, []byte) ([]byte, error) {
				return []byte(`{"error_code":`), nil
			},
			check: kasaerr.IsDecodeError,
		},
		{
			name: "fatal envelope code",
			reply: func(int, []byte) ([]byte, error) {
				return []byte(`{"error_code":-1008}`), nil
			},
			check: kasaerr.IsDeviceError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMock(transport.FamilyAes, tt.reply)
			p := NewSmartProtocol(m, fastRetry)

			_, err := p.Query(context.Background(), Batch{{Method: "a"}, {Method: "b"}})
			if !tt.check(err) {
				t.Fatalf("Query() error = %v", err)
			}
			requests, _, invalidated := m.stats()
			if requests != 1 {
				t.Errorf("requests = %d, want 1", requests)
			}
			if invalidated == 0 {
				t.Error("a failed exchange should discard the session")
			}
		})
	}
}

func TestCloseClosesTransport(t *testing.T) {
	m := newMock(transport.FamilyXor, nil)
	p := NewIotProtocol(m, Options{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !m.closed {
		t.Error("transport was not closed")
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"session expired", kasaerr.NewSessionExpiredError("expired", kasaerr.SessionTimeout), true},
		{"timeout", kasaerr.NewTimeoutError("slow", context.DeadlineExceeded), true},
		{"connection reset", kasaerr.NewConnectError("reset", errors.New("reset by peer")), true},
		{"refused", kasaerr.ClassifyNetworkError(syscall.ECONNREFUSED, "h"), false},
		{"handshake mismatch", kasaerr.NewAuthError("mismatch"), false},
		{"retryable auth", &kasaerr.Error{Type: kasaerr.ErrTypeAuth, Retryable: true}, true},
		{"busy envelope", kasaerr.FromCode("busy", kasaerr.MultiRequestFailed), true},
		{"fatal envelope", kasaerr.FromCode("bad", kasaerr.ParamsError), false},
		{"decode", kasaerr.NewDecodeError("bad json", nil), false},
		{"foreign", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recoverable(tt.err); got != tt.want {
				t.Errorf("recoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExhausted(t *testing.T) {
	err := exhausted(kasaerr.NewSessionExpiredError("expired", kasaerr.SessionExpired))
	if !kasaerr.IsConnectError(err) || kasaerr.IsRetryable(err) {
		t.Errorf("exhausted(session) = %v, want non-retryable connect error", err)
	}
	if kasaerr.CodeOf(err) != kasaerr.SessionExpired {
		t.Errorf("code = %s, want SESSION_EXPIRED kept", kasaerr.CodeOf(err))
	}

	err = exhausted(kasaerr.NewTimeoutError("slow", nil))
	if !kasaerr.IsTimeout(err) || kasaerr.IsRetryable(err) {
		t.Errorf("exhausted(timeout) = %v, want non-retryable timeout", err)
	}

	foreign := errors.New("boom")
	if got := exhausted(foreign); got != foreign {
		t.Errorf("exhausted(foreign) = %v, want unchanged", got)
	}
}
