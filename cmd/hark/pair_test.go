package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nugget/hark/internal/config"
)

func TestNewPairing(t *testing.T) {
	tests := []struct {
		listen config.ListenConfig
		want   string
	}{
		{config.ListenConfig{Port: 8080}, "ws://192.168.1.20:8080/v1/ws"},
		{config.ListenConfig{Address: "0.0.0.0", Port: 8080}, "ws://192.168.1.20:8080/v1/ws"},
		{config.ListenConfig{Address: "10.0.0.5", Port: 9000}, "ws://10.0.0.5:9000/v1/ws"},
		{config.ListenConfig{Address: "fe80::1", Port: 8080}, "ws://[fe80::1]:8080/v1/ws"},
	}
	for _, tt := range tests {
		p := newPairing(tt.listen, "192.168.1.20")
		if p.ControlURL != tt.want {
			t.Errorf("%+v: ControlURL = %q, want %q", tt.listen, p.ControlURL, tt.want)
		}
	}

	p := newPairing(config.ListenConfig{Address: "hark.local", Port: 8080}, "")
	if p.AudioURL != "ws://hark.local:8080/v1/audio" || p.RPCURL != "http://hark.local:8080/v1/rpc" {
		t.Errorf("pairing = %+v", p)
	}
}

func TestRunPair(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := runHark(t, "-config", cfgPath, "pair")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "control: ws://") || !strings.Contains(out, "▀") && !strings.Contains(out, "█") {
		t.Errorf("output = %q", out)
	}

	out, err = runHark(t, "-config", cfgPath, "-o", "json", "pair")
	if err != nil {
		t.Fatal(err)
	}
	var p pairing
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("json: %v\n%s", err, out)
	}
	if !strings.HasSuffix(p.ControlURL, ":8080/v1/ws") {
		t.Errorf("ControlURL = %q", p.ControlURL)
	}
}
