package version

import (
	"strings"
	"testing"
)

func TestDefaultsArePopulated(t *testing.T) {
	if Version == "" || Commit == "" {
		t.Fatalf("Version = %q, Commit = %q, want both set", Version, Commit)
	}
	if !strings.Contains(Full(), Commit) {
		t.Errorf("Full() = %q, want commit %q", Full(), Commit)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "kasalink/"+Version) {
		t.Errorf("UserAgent() = %q", ua)
	}
}
