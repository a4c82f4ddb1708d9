package buildinfo

import (
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "Hark/") {
		t.Errorf("UserAgent() = %q, want Hark/ prefix", ua)
	}
}
