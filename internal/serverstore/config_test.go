package serverstore

import (
	"errors"
	"testing"

	"github.com/nugget/hark/internal/mcp"
)

func TestSameEndpoint(t *testing.T) {
	net := ServerConfig{Name: "web", Type: mcp.KindNetwork, URL: "http://a:1/mcp", Headers: map[string]string{"X": "1"}}
	proc := ServerConfig{Name: "fs", Type: mcp.KindProcess, Command: "fs", Args: []string{"-v"}, Env: map[string]string{"K": "v"}, Cwd: "/tmp"}

	tests := []struct {
		name string
		a, b ServerConfig
		want bool
	}{
		{"identical network", net, net.Clone(), true},
		{"network enabled ignored", net, func() ServerConfig { c := net.Clone(); c.Enabled = !c.Enabled; return c }(), true},
		{"network allow-list ignored", net, func() ServerConfig { c := net.Clone(); c.AllowedTools = []string{}; return c }(), true},
		{"network url differs", net, func() ServerConfig { c := net.Clone(); c.URL = "http://b:1/mcp"; return c }(), false},
		{"network header differs", net, func() ServerConfig { c := net.Clone(); c.Headers["X"] = "2"; return c }(), false},
		{"identical process", proc, proc.Clone(), true},
		{"process args differ", proc, func() ServerConfig { c := proc.Clone(); c.Args = []string{"-q"}; return c }(), false},
		{"process env differs", proc, func() ServerConfig { c := proc.Clone(); c.Env["K"] = "w"; return c }(), false},
		{"process cwd differs", proc, func() ServerConfig { c := proc.Clone(); c.Cwd = "/"; return c }(), false},
		{"kind differs", net, proc, false},
		{"legacy name equal", net, func() ServerConfig { c := net.Clone(); c.Type = "http"; return c }(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.SameEndpoint(tt.b); got != tt.want {
				t.Errorf("SameEndpoint = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := ServerConfig{
		Name: "fs", Type: mcp.KindProcess, Command: "fs",
		Args: []string{"a"}, Env: map[string]string{"K": "v"},
		AllowedTools: []string{"read"},
	}
	c := orig.Clone()
	c.Args[0] = "changed"
	c.Env["K"] = "changed"
	c.AllowedTools[0] = "changed"

	if orig.Args[0] != "a" || orig.Env["K"] != "v" || orig.AllowedTools[0] != "read" {
		t.Errorf("original mutated through clone: %+v", orig)
	}

	empty := ServerConfig{AllowedTools: []string{}}
	if empty.Clone().AllowedTools == nil {
		t.Error("Clone turned an empty allow-list into nil")
	}
}

func TestConfigValidate_Duplicates(t *testing.T) {
	cfg := Config{Servers: []ServerConfig{
		{Name: "a", Type: mcp.KindNetwork, URL: "http://x:1/mcp"},
		{Name: "a", Type: mcp.KindProcess, Command: "srv"},
		{Name: "b", Type: mcp.KindNetwork, URL: "http://x:1/mcp"},
	}}
	err := cfg.Validate()
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("err = %v, want ErrDuplicateName", err)
	}
	if !errors.Is(err, ErrDuplicateURL) {
		t.Errorf("err = %v, want ErrDuplicateURL", err)
	}
}

func TestConfigEnabled(t *testing.T) {
	cfg := Config{Servers: []ServerConfig{
		{Name: "on", Enabled: true},
		{Name: "off"},
	}}
	got := cfg.Enabled()
	if len(got) != 1 {
		t.Fatalf("Enabled = %v", got)
	}
	if _, ok := got["on"]; !ok {
		t.Errorf("Enabled = %v, want on", got)
	}
}
