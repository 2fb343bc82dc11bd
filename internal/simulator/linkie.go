package simulator

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"

	"github.com/muurk/kasalink/internal/crypto"
)

// LinkieServer is a conforming IOT camera answering LINKIE2.json over TLS
type LinkieServer struct {
	*httptest.Server
	Device *Device
}

// StartLinkie starts a Linkie server for d
func StartLinkie(d *Device) *LinkieServer {
	s := &LinkieServer{Device: d}
	mux := http.NewServeMux()
	mux.HandleFunc("/data/LINKIE2.json", s.serve)
	s.Server = httptest.NewTLSServer(recordHits(d, mux))
	return s
}

func (s *LinkieServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Basic "+s.Device.Credentials.LinkieBasicAuth() {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(r.PostForm.Get("content"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// No session to expire; the fault surfaces as a server error
	if s.Device.beginRequest(0) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer s.Device.endRequest()
	if err := s.Device.wait(r.Context()); err != nil {
		return
	}

	reply := s.Device.handleIot(crypto.XorDecode(crypto.XorInitialKey, raw), 0)
	_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(crypto.XorEncode(crypto.XorInitialKey, reply))))
}
