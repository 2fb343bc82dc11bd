package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/muurk/kasalink/internal/config"
	"github.com/muurk/kasalink/internal/credentials"
	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/protocol"
	"github.com/muurk/kasalink/internal/simulator"
	"github.com/muurk/kasalink/internal/transport"
	"github.com/muurk/kasalink/internal/ui"
)

func TestParseCalls(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantMethods []string
		wantErr     bool
	}{
		{"bare methods", []string{"get_device_info", "get_energy_usage"}, []string{"get_device_info", "get_energy_usage"}, false},
		{"with params", []string{`set_device_info={"device_on":true}`}, []string{"set_device_info"}, false},
		{"iot module", []string{`system={"get_sysinfo":{}}`}, []string{"system"}, false},
		{"params with equals", []string{`set_alias={"alias":"a=b"}`}, []string{"set_alias"}, false},
		{"bad json", []string{`set_device_info={device_on}`}, nil, true},
		{"no method", []string{`={}`}, nil, true},
		{"duplicate", []string{"get_device_info", "get_device_info"}, nil, true},
		{"empty", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := parseCalls(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCalls() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			got := batch.Methods()
			if len(got) != len(tt.wantMethods) {
				t.Fatalf("methods = %v, want %v", got, tt.wantMethods)
			}
			for i := range got {
				if got[i] != tt.wantMethods[i] {
					t.Errorf("methods[%d] = %s, want %s", i, got[i], tt.wantMethods[i])
				}
			}
		})
	}
}

func TestParseCallsKeepsRawParams(t *testing.T) {
	batch, err := parseCalls([]string{`set_device_info={"brightness":50}`})
	if err != nil {
		t.Fatalf("parseCalls() error = %v", err)
	}
	raw, ok := batch[0].Params.(json.RawMessage)
	if !ok || string(raw) != `{"brightness":50}` {
		t.Errorf("params = %#v", batch[0].Params)
	}
}

func TestResolvePassword(t *testing.T) {
	env := func(v string) func(string) string {
		return func(key string) string {
			if key == EnvPassword {
				return v
			}
			return ""
		}
	}
	prompted := func() (string, error) { return "typed", nil }
	broken := func() (string, error) { return "", errors.New("no tty") }

	tests := []struct {
		name    string
		flag    string
		getenv  func(string) string
		prompt  func() (string, error)
		want    string
		wantErr bool
	}{
		{"flag wins", "flag", env("env"), prompted, "flag", false},
		{"env before prompt", "", env("env"), prompted, "env", false},
		{"prompt last", "", env(""), prompted, "typed", false},
		{"no prompt", "", env(""), nil, "", false},
		{"prompt fails", "", env(""), broken, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePassword(tt.flag, tt.getenv, tt.prompt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolvePassword() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDefaultSet(t *testing.T) {
	if set, err := parseDefaultSet("tapo"); err != nil || set != credentials.DefaultTapo {
		t.Errorf("parseDefaultSet(tapo) = %v, %v", set, err)
	}
	if _, err := parseDefaultSet("nest"); err == nil {
		t.Error("unknown set should fail")
	}
}

func TestDefaultBatch(t *testing.T) {
	tests := []struct {
		family transport.Family
		want   string
	}{
		{transport.FamilyXor, "system"},
		{transport.FamilyKlap, "system"},
		{transport.FamilyLinkie, "system"},
		{transport.FamilyKlapV2, "get_device_info"},
		{transport.FamilyAes, "get_device_info"},
		{transport.FamilySslAes, "get_device_info"},
	}
	for _, tt := range tests {
		t.Run(tt.family.String(), func(t *testing.T) {
			if got := defaultBatch(tt.family).Methods()[0]; got != tt.want {
				t.Errorf("defaultBatch() method = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSelectTargets(t *testing.T) {
	reg := config.NewRegistry()
	for _, alias := range []string{"porch", "desk"} {
		if err := reg.AddDevice(alias, &config.Device{Host: "10.0.0.1", Family: "xor"}); err != nil {
			t.Fatal(err)
		}
	}

	resetFlags(t)
	queryAll = true
	timeoutSecs = 9
	targets, err := selectTargets(reg)
	if err != nil {
		t.Fatalf("selectTargets() error = %v", err)
	}
	if len(targets) != 2 || targets[0].name != "desk" || targets[1].name != "porch" {
		t.Fatalf("targets = %+v", targets)
	}
	if targets[0].device.Timeout != 9 || reg.GetDevice("desk").Timeout != 0 {
		t.Error("overrides should apply to a copy of the stored device")
	}

	resetFlags(t)
	aliases = []string{"garage"}
	if _, err := selectTargets(reg); err == nil {
		t.Error("unknown alias should fail")
	}

	resetFlags(t)
	if _, err := selectTargets(reg); err == nil {
		t.Error("no selection should fail")
	}

	resetFlags(t)
	hostFlag = "10.0.0.7"
	familyFlag = "aes"
	targets, err = selectTargets(reg)
	if err != nil || len(targets) != 1 || targets[0].alias != "" {
		t.Fatalf("selectTargets(--host) = %+v, %v", targets, err)
	}
}

func TestQueryTargetXor(t *testing.T) {
	dev := simulator.NewDevice("", "")
	dev.SetResult("system", map[string]any{"alias": "porch light"})
	srv, err := simulator.StartXor(dev)
	if err != nil {
		t.Fatalf("StartXor() error = %v", err)
	}
	t.Cleanup(srv.Close)
	host, port := srv.Addr()

	tgt := target{name: "porch", device: &config.Device{Host: host, Port: port, Family: "xor", Timeout: 2}}
	o := queryTarget(context.Background(), nil, tgt, credentials.Blank(), nil)
	if o.err != nil {
		t.Fatalf("queryTarget() error = %v", o.err)
	}
	if o.family != transport.FamilyXor {
		t.Errorf("family = %s", o.family)
	}

	var got struct {
		GetSysinfo struct {
			Alias string `json:"alias"`
		} `json:"get_sysinfo"`
	}
	if err := o.resp.Unmarshal("system", &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.GetSysinfo.Alias != "porch light" {
		t.Errorf("alias = %q", got.GetSysinfo.Alias)
	}
}

func TestQueryTargetKlapCallErrors(t *testing.T) {
	dev := simulator.NewDevice("me@example.com", "secret")
	dev.SetResult("get_device_info", map[string]any{"model": "P110"})
	dev.FailMethod("get_energy_usage", int(kasaerr.UnknownMethod))
	srv := simulator.StartKlap(dev, true)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	tgt := target{name: "plug", device: &config.Device{Host: u.Hostname(), Port: port, Family: "klapv2", Timeout: 2}}
	o := queryTarget(context.Background(), nil, tgt, credentials.New("me@example.com", "secret"),
		[]string{"get_device_info", "get_energy_usage"})
	if o.err != nil {
		t.Fatalf("queryTarget() error = %v", o.err)
	}

	c := calls(o)
	if len(c) != 2 || c[0].Method != "get_device_info" || c[1].Method != "get_energy_usage" {
		t.Fatalf("calls = %+v", c)
	}
	if c[0].Err != nil {
		t.Errorf("get_device_info error = %v", c[0].Err)
	}
	if kasaerr.CodeOf(c[1].Err) != kasaerr.UnknownMethod {
		t.Errorf("get_energy_usage error = %v, want UNKNOWN_METHOD_ERROR", c[1].Err)
	}
}

func TestQueryTargetWrongPassword(t *testing.T) {
	dev := simulator.NewDevice("me@example.com", "secret")
	srv := simulator.StartKlap(dev, true)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	tgt := target{name: "plug", device: &config.Device{Host: u.Hostname(), Port: port, Family: "klapv2", Timeout: 2}}
	o := queryTarget(context.Background(), nil, tgt, credentials.New("me@example.com", "wrong"), nil)
	if !kasaerr.IsAuthError(o.err) {
		t.Errorf("queryTarget() error = %v, want an auth error", o.err)
	}
}

func TestStepResult(t *testing.T) {
	batch := protocol.Batch{{Method: "get_device_info"}, {Method: "get_energy_usage"}}
	unsupported := kasaerr.NewDeviceError("get_energy_usage", kasaerr.UnknownMethod)

	tests := []struct {
		name       string
		o          outcome
		wantStatus ui.StepStatus
		wantNote   string
	}{
		{
			name:       "all calls answered",
			o:          outcome{batch: batch, resp: protocol.Response{"get_device_info": {}, "get_energy_usage": {}}},
			wantStatus: ui.StepComplete,
			wantNote:   "84ms",
		},
		{
			name:       "some calls failed",
			o:          outcome{batch: batch, resp: protocol.Response{"get_device_info": {}, "get_energy_usage": {Err: unsupported}}},
			wantStatus: ui.StepComplete,
			wantNote:   "1 of 2 calls failed, 84ms",
		},
		{
			name:       "device unreachable",
			o:          outcome{batch: batch, err: kasaerr.NewConnectError("refused", nil)},
			wantStatus: ui.StepFailed,
			wantNote:   "84ms",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, note := stepResult(tt.o, 84*time.Millisecond+300*time.Microsecond)
			if status != tt.wantStatus || note != tt.wantNote {
				t.Errorf("stepResult() = %v, %q, want %v, %q", status, note, tt.wantStatus, tt.wantNote)
			}
		})
	}
}

func TestNoTrackerForJSON(t *testing.T) {
	resetFlags(t)
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })
	if tr := newTracker(context.Background(), []target{{name: "desk"}}); tr != nil {
		t.Error("JSON output should not start a progress display")
	}
}

func resetFlags(t *testing.T) {
	t.Helper()
	hostFlag, portFlag, familyFlag = "", 0, ""
	deviceFamily, encryption, loginVersion, useHTTPS = "", "", 0, false
	username, timeoutSecs, batchSize = "", 0, 0
	aliases, queryAll = nil, false
}
