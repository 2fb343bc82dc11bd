package transport

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/simulator"
)

const sysinfoRequest = `{"system":{"get_sysinfo":{}}}`

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func sha256Sum(parts ...[]byte) []byte {
	sum := sha256.Sum256(concat(parts...))
	return sum[:]
}

// referenceAuthHash recomputes the KLAP auth hash without the credentials
// package
func referenceAuthHash(v2 bool, username, password string) []byte {
	if v2 {
		u := sha1.Sum([]byte(username))
		p := sha1.Sum([]byte(password))
		return sha256Sum(u[:], p[:])
	}
	u := md5.Sum([]byte(username))
	p := md5.Sum([]byte(password))
	sum := md5.Sum(concat(u[:], p[:]))
	return sum[:]
}

func newKlapPair(t *testing.T, v2 bool, deviceUser, devicePass string, creds *credentials.Credentials) (*simulator.Device, *simulator.KlapServer, *KlapTransport) {
	t.Helper()
	dev := simulator.NewDevice(deviceUser, devicePass)
	srv := simulator.StartKlap(dev, v2)
	t.Cleanup(srv.Close)

	cfg := serverConfig(t, srv.Server, creds)
	var tr *KlapTransport
	if v2 {
		tr = NewKlapTransportV2(cfg)
	} else {
		tr = NewKlapTransport(cfg)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return dev, srv, tr
}

func TestKlapHandshakeDerivesReferenceKeys(t *testing.T) {
	for _, v2 := range []bool{false, true} {
		name := "v1"
		if v2 {
			name = "v2"
		}
		t.Run(name, func(t *testing.T) {
			creds := credentials.New("user@example.com", "hunter2")
			dev, srv, tr := newKlapPair(t, v2, "user@example.com", "hunter2", creds)

			if err := tr.Open(context.Background()); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !IsEstablished(tr.State()) {
				t.Fatalf("State() = %s, want Established", tr.State().Name())
			}
			if dev.Handshakes() != 1 {
				t.Errorf("device handshakes = %d, want 1", dev.Handshakes())
			}

			local, remote := srv.LastSeeds()
			auth := referenceAuthHash(v2, "user@example.com", "hunter2")
			ivHash := sha256Sum([]byte("iv"), local, remote, auth)
			wantKey := sha256Sum([]byte("lsk"), local, remote, auth)[:16]
			wantSig := sha256Sum([]byte("ldk"), local, remote, auth)[:28]
			wantSeq := int32(binary.BigEndian.Uint32(ivHash[28:32]))

			keys := tr.session.keys
			if !bytes.Equal(keys.Key, wantKey) {
				t.Errorf("key = %x, want %x", keys.Key, wantKey)
			}
			if !bytes.Equal(keys.IVBase, ivHash[:12]) {
				t.Errorf("iv = %x, want %x", keys.IVBase, ivHash[:12])
			}
			if !bytes.Equal(keys.Signature, wantSig) {
				t.Errorf("signature key = %x, want %x", keys.Signature, wantSig)
			}
			if keys.Seq != wantSeq {
				t.Errorf("seq = %d, want %d", keys.Seq, wantSeq)
			}
		})
	}
}

func TestKlapSendSequenceIncreases(t *testing.T) {
	creds := credentials.New("user@example.com", "hunter2")
	dev, _, tr := newKlapPair(t, false, "user@example.com", "hunter2", creds)
	dev.SetResult("system", map[string]any{"alias": "lamp"})

	for i := 0; i < 4; i++ {
		resp, err := tr.Send(context.Background(), []byte(sysinfoRequest))
		if err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
		var decoded map[string]map[string]map[string]any
		if err := json.Unmarshal(resp, &decoded); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		if alias := decoded["system"]["get_sysinfo"]["alias"]; alias != "lamp" {
			t.Errorf("alias = %v, want lamp", alias)
		}
	}

	seqs := dev.Seqs()
	if len(seqs) != 4 {
		t.Fatalf("device saw %d requests, want 4", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not increasing: %v", seqs)
		}
	}
	if seqs[0] != int64(tr.session.keys.Seq)+1 {
		t.Errorf("first seq = %d, want initial+1 = %d", seqs[0], int64(tr.session.keys.Seq)+1)
	}
	if dev.Handshakes() != 1 {
		t.Errorf("handshakes = %d, want 1", dev.Handshakes())
	}
}

func TestKlapWrongCredentials(t *testing.T) {
	for _, v2 := range []bool{false, true} {
		dev, _, tr := newKlapPair(t, v2, "owner@example.com", "correct", credentials.New("owner@example.com", "wrong"))

		_, err := tr.Send(context.Background(), []byte(sysinfoRequest))
		if !kasaerr.IsAuthError(err) {
			t.Fatalf("Send() error = %v, want auth error", err)
		}
		if kasaerr.IsRetryable(err) {
			t.Error("handshake mismatch should not be retryable")
		}
		if _, ok := tr.State().(NoSession); !ok {
			t.Errorf("State() = %s, want NoSession", tr.State().Name())
		}
		if tr.session != nil {
			t.Error("no session should be kept after a failed handshake")
		}
		if dev.Handshakes() != 0 {
			t.Errorf("device handshakes = %d, want 0", dev.Handshakes())
		}
		for _, hit := range dev.Hits() {
			if !strings.HasPrefix(hit.Path, "/app/handshake") {
				t.Errorf("unexpected request to %s", hit.Path)
			}
		}
		if dev.Requests() != 0 {
			t.Errorf("device requests = %d, want 0", dev.Requests())
		}
	}
}

func TestKlapFallsBackToDefaultCredentials(t *testing.T) {
	// Factory reset device still carries the Kasa setup account
	dev, _, tr := newKlapPair(t, false, "kasa@tp-link.net", "kasaSetup", credentials.New("user@example.com", "hunter2"))

	if _, err := tr.Send(context.Background(), []byte(sysinfoRequest)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if dev.Handshakes() != 1 {
		t.Errorf("handshakes = %d, want 1", dev.Handshakes())
	}
}

func TestKlapBlankCredentials(t *testing.T) {
	_, _, tr := newKlapPair(t, true, "", "", nil)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
}

func TestKlapDeviceExpiresSession(t *testing.T) {
	creds := credentials.New("user@example.com", "hunter2")
	dev, _, tr := newKlapPair(t, true, "user@example.com", "hunter2", creds)
	dev.ExpireSessionOn(2)
	ctx := context.Background()
	req := []byte(`{"method":"get_device_info"}`)

	if _, err := tr.Send(ctx, req); err != nil {
		t.Fatalf("Send() #1 error = %v", err)
	}

	_, err := tr.Send(ctx, req)
	if !kasaerr.IsSessionExpired(err) {
		t.Fatalf("Send() #2 error = %v, want session expired", err)
	}
	if _, ok := tr.State().(Expired); !ok {
		t.Errorf("State() = %s, want Expired", tr.State().Name())
	}

	if _, err := tr.Send(ctx, req); err != nil {
		t.Fatalf("Send() #3 error = %v", err)
	}
	if dev.Handshakes() != 2 {
		t.Errorf("handshakes = %d, want 2", dev.Handshakes())
	}
}

func TestKlapTTLRenewsBeforeSending(t *testing.T) {
	creds := credentials.New("user@example.com", "hunter2")
	dev, srv, tr := newKlapPair(t, true, "user@example.com", "hunter2", creds)
	// 25 minutes minus the 20 minute buffer
	srv.TimeoutSeconds = 1500

	clock := time.Now()
	tr.now = func() time.Time { return clock }
	req := []byte(`{"method":"get_device_info"}`)

	if _, err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	clock = clock.Add(4 * time.Minute)
	if _, err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if dev.Handshakes() != 1 {
		t.Fatalf("handshakes = %d, want 1 before expiry", dev.Handshakes())
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() after TTL error = %v", err)
	}
	if dev.Handshakes() != 2 {
		t.Errorf("handshakes = %d, want 2 after expiry", dev.Handshakes())
	}
}

func TestKlapSequenceExhaustionForcesHandshake(t *testing.T) {
	creds := credentials.New("user@example.com", "hunter2")
	dev, _, tr := newKlapPair(t, true, "user@example.com", "hunter2", creds)
	ctx := context.Background()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tr.session.seq = math.MaxInt32

	if _, err := tr.Send(ctx, []byte(`{"method":"get_device_info"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if dev.Handshakes() != 2 {
		t.Errorf("handshakes = %d, want 2", dev.Handshakes())
	}
}

func TestKlapInvalidateSession(t *testing.T) {
	creds := credentials.New("user@example.com", "hunter2")
	dev, _, tr := newKlapPair(t, true, "user@example.com", "hunter2", creds)
	ctx := context.Background()

	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tr.InvalidateSession()
	if _, ok := tr.State().(NoSession); !ok {
		t.Fatalf("State() = %s, want NoSession", tr.State().Name())
	}
	if _, ok := tr.http.Cookie("TP_SESSIONID"); ok {
		t.Error("session cookie should be cleared")
	}
	if err := tr.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dev.Handshakes() != 2 {
		t.Errorf("handshakes = %d, want 2", dev.Handshakes())
	}
}
