package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/martinemde/reactor/agentloop"
	"github.com/martinemde/reactor/mcp"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reactor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	d := Default()
	if err := d.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != "" {
		t.Errorf("expected no file, got %q", cfg.File)
	}
	want := Default()
	if !reflect.DeepEqual(cfg.Loop, want.Loop) || !reflect.DeepEqual(cfg.Budget, want.Budget) {
		t.Errorf("expected defaults, got %+v / %+v", cfg.Loop, cfg.Budget)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
model:
  provider: anthropic
  name: claude-test
  timeout: 30s
loop:
  max_iterations: 7
  compression_trigger: count
budget:
  hard_ceiling: 5000
  keep_recent: 4
retry:
  max_attempts: 5
  base_delay: 10ms
  max_delay: 1s
mcp:
  timeout: 3s
  allow_list: [search]
  servers:
    - name: files
      transport: stdio
      command: files-server
      args: ["--root", "/tmp"]
      env: ["API_TOKEN=abc"]
      prefix: true
    - name: web
      transport: http
      url: http://localhost:9000/mcp
      headers:
        Authorization: Bearer xyz
      call_timeout: 5s
session:
  backend: redis
  redis:
    addr: redis:6379
    ttl: 1h
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != path {
		t.Errorf("expected File %q, got %q", path, cfg.File)
	}
	if cfg.Model.Provider != "anthropic" || cfg.Model.Timeout != 30*time.Second {
		t.Errorf("unexpected model section %+v", cfg.Model)
	}
	if cfg.Model.MaxTokens != Default().Model.MaxTokens {
		t.Errorf("expected unset keys to keep defaults, got max_tokens %d", cfg.Model.MaxTokens)
	}
	if cfg.Retry.BaseDelay != 10*time.Millisecond || cfg.Session.Redis.TTL != time.Hour {
		t.Errorf("durations not decoded: %+v %+v", cfg.Retry, cfg.Session.Redis)
	}
	if len(cfg.MCP.Servers) != 2 || !reflect.DeepEqual(cfg.MCP.AllowList, []string{"search"}) {
		t.Fatalf("unexpected mcp section %+v", cfg.MCP)
	}

	specs := cfg.ServerSpecs()
	if specs[0].Transport != mcp.TransportStdio || specs[0].Env["API_TOKEN"] != "abc" || !specs[0].Prefix {
		t.Errorf("unexpected stdio spec %+v", specs[0])
	}
	if specs[1].URL != "http://localhost:9000/mcp" || specs[1].CallTimeout != 5*time.Second {
		t.Errorf("unexpected http spec %+v", specs[1])
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "model:\n  name: from-file\n")
	t.Setenv("REACTOR_MODEL_NAME", "from-env")
	t.Setenv("REACTOR_LOOP_MAX_ITERATIONS", "3")
	t.Setenv("REACTOR_MCP_ALLOW_LIST", "a,b")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("expected env to win, got %q", cfg.Model.Name)
	}
	if cfg.Loop.MaxIterations != 3 {
		t.Errorf("expected 3 iterations, got %d", cfg.Loop.MaxIterations)
	}
	if !reflect.DeepEqual(cfg.MCP.AllowList, []string{"a", "b"}) {
		t.Errorf("expected comma separated allow-list, got %v", cfg.MCP.AllowList)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit file")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing model", func(c *Config) { c.Model.Name = "" }, "model.name: required"},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }, "loop.max_iterations"},
		{"bad ratio", func(c *Config) { c.Budget.CompressionRatio = 1.5 }, "budget.compression_ratio"},
		{"bad trigger", func(c *Config) { c.Loop.CompressionTrigger = "sometimes" }, "loop.compression_trigger: must be one of"},
		{"bad backend", func(c *Config) { c.Session.Backend = "disk" }, "session.backend"},
		{"redis without addr", func(c *Config) {
			c.Session.Backend = "redis"
			c.Session.Redis.Addr = ""
		}, "session.redis.addr"},
		{"delay order", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"stdio without command", func(c *Config) {
			c.MCP.Servers = []ServerConfig{{Name: "x", Transport: "stdio"}}
		}, "command: required"},
		{"http without url", func(c *Config) {
			c.MCP.Servers = []ServerConfig{{Name: "x", Transport: "http"}}
		}, "url: required"},
		{"duplicate servers", func(c *Config) {
			c.MCP.Servers = []ServerConfig{
				{Name: "x", Transport: "http", URL: "http://a"},
				{Name: "x", Transport: "http", URL: "http://b"},
			}
		}, "must be unique"},
		{"bad env", func(c *Config) {
			c.MCP.Servers = []ServerConfig{{Name: "x", Transport: "stdio", Command: "y", Env: []string{"NOEQUALS"}}}
		}, "not NAME=value"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	d := Default()
	data, err := d.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !strings.Contains(string(data), "timeout: 2m0s") {
		t.Errorf("expected durations rendered as strings:\n%s", data)
	}
	cfg, err := Load(writeFile(t, string(data)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCP.Servers) != 0 || len(cfg.MCP.AllowList) != 0 || cfg.MCP.Timeout != d.MCP.Timeout {
		t.Errorf("round trip changed mcp section: %+v", cfg.MCP)
	}
	cfg.MCP, d.MCP = MCPConfig{}, MCPConfig{}
	cfg.File = ""
	if !reflect.DeepEqual(*cfg, d) {
		t.Errorf("round trip changed config:\n got %+v\nwant %+v", *cfg, d)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Model.APIKey = "sk-secret"
	cfg.Session.Redis.Password = "hunter2"
	cfg.MCP.Servers = []ServerConfig{{
		Name: "web", Transport: "http", URL: "http://x",
		Headers: map[string]string{"Authorization": "Bearer t"},
		Env:     []string{"TOKEN=t"},
	}}

	r := cfg.Redacted()
	data, err := r.YAML()
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"sk-secret", "hunter2", "Bearer t", "TOKEN=t"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("redacted output leaks %q", secret)
		}
	}
	if cfg.MCP.Servers[0].Headers["Authorization"] != "Bearer t" {
		t.Error("Redacted must not modify the original")
	}
}

func TestAgentConfig(t *testing.T) {
	cfg := Default()
	cfg.Model.Name = "m"
	cfg.Loop.SystemPrompt = "be brief"
	cfg.Loop.CompressionTrigger = "count"
	cfg.Budget.KeepRecent = 9

	ac := cfg.AgentConfig()
	if ac.Model != "m" || ac.Kernel != "be brief" || ac.CompressionTrigger != agentloop.TriggerCount {
		t.Errorf("unexpected agent config %+v", ac)
	}
	if ac.Budget.KeepRecent != 9 || ac.MaxTokens == nil || *ac.MaxTokens != 4096 {
		t.Errorf("unexpected budget or tokens %+v", ac.Budget)
	}
	if ac.Retry.MaxAttempts != cfg.Retry.MaxAttempts || ac.Retry.BaseDelay != cfg.Retry.BaseDelay {
		t.Errorf("retry not carried over: %+v", ac.Retry)
	}

	cfg.Loop.SystemPrompt = ""
	if got := cfg.AgentConfig().Kernel; got != agentloop.DefaultKernel {
		t.Errorf("expected default kernel, got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected warn level")
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
