package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/version"
)

func TestPost(t *testing.T) {
	var gotCookie, gotAgent, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotAgent = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Add("Set-Cookie", "TP_SESSIONID=abc123;TIMEOUT=1440")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	c := NewWithHTTPClient("device", srv.Client())
	c.SetCookie("TP_SESSIONID", "old")
	c.SetCookie("A", "1")

	resp, err := c.Post(context.Background(), srv.URL+"/app/request", []byte("ping"), map[string]string{"Content-Type": "application/octet-stream"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "pong" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Cookies["TP_SESSIONID"] != "abc123" || resp.Cookies["TIMEOUT"] != "1440" {
		t.Errorf("cookies = %v", resp.Cookies)
	}
	if gotCookie != "A=1; TP_SESSIONID=old" {
		t.Errorf("Cookie header = %q", gotCookie)
	}
	if gotAgent != version.UserAgent() {
		t.Errorf("User-Agent = %q", gotAgent)
	}
	if gotType != "application/octet-stream" || gotBody != "ping" {
		t.Errorf("request = %q %q", gotType, gotBody)
	}

	c.ClearCookies()
	if _, ok := c.Cookie("A"); ok {
		t.Error("ClearCookies should drop every cookie")
	}
}

func TestPostNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New("slow", 20*time.Millisecond, false)
	_, err := c.Post(context.Background(), srv.URL, nil, nil)
	if !kasaerr.IsTimeout(err) {
		t.Errorf("Post() error = %v, want a timeout", err)
	}

	url := srv.URL
	srv.Close()
	_, err = New("gone", time.Second, false).Post(context.Background(), url, nil, nil)
	if !kasaerr.IsConnectError(err) {
		t.Errorf("Post() error = %v, want a connect error", err)
	}
}

func TestPostBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at the limit", maxBodySize, false},
		{"one byte over", maxBodySize + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(make([]byte, tt.size))
			}))
			defer srv.Close()

			resp, err := NewWithHTTPClient("device", srv.Client()).Post(context.Background(), srv.URL, nil, nil)
			if tt.wantErr {
				if !kasaerr.IsDecodeError(err) {
					t.Fatalf("Post() error = %v, want a decode error", err)
				}
				if !strings.Contains(err.Error(), strconv.Itoa(maxBodySize)) {
					t.Errorf("error %q should name the limit", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Post() error = %v", err)
			}
			if len(resp.Body) != tt.size {
				t.Errorf("body = %d bytes, want %d", len(resp.Body), tt.size)
			}
		})
	}
}

func TestParseSetCookies(t *testing.T) {
	got := parseSetCookies([]string{"TP_SESSIONID=s1;TIMEOUT=86400", " stok = x ", "flag", "=nameless"})
	if got["TP_SESSIONID"] != "s1" || got["TIMEOUT"] != "86400" {
		t.Errorf("parseSetCookies() = %v", got)
	}
	if _, ok := got["flag"]; ok {
		t.Error("values without '=' should be skipped")
	}
	if len(got) != 3 {
		t.Errorf("parseSetCookies() = %v", got)
	}
}

func TestStatusError(t *testing.T) {
	if err := StatusError("h", 503, "handshake1"); !err.Retryable || !strings.Contains(err.Error(), "503") {
		t.Errorf("StatusError(503) = %v, retryable %v", err, err.Retryable)
	}
	if err := StatusError("h", 400, "handshake1"); err.Retryable {
		t.Error("client errors should not be retryable")
	}
}
