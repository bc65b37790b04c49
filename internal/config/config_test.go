package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "eclia.yaml", `
gateway:
  listen: "127.0.0.1:9999"
providers:
  defaultScheme: anthropic
  profiles:
    work:
      scheme: anthropic
      apiKey: sk-test
      model: claude-sonnet-4-20250514
tools:
  exec:
    command: eclia-toolhost
    timeoutMs: 120000
    allowlist:
      - matchExact: ls
      - matchPrefix: git
        args: [status]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Providers.DefaultScheme != "anthropic" {
		t.Errorf("DefaultScheme = %q", cfg.Providers.DefaultScheme)
	}
	if p := cfg.Providers.Profiles["work"]; p.Model != "claude-sonnet-4-20250514" {
		t.Errorf("profile work = %+v", p)
	}
	if got := cfg.Tools.Exec.Timeout(); got != 2*time.Minute {
		t.Errorf("Timeout() = %v, want 2m", got)
	}
	if len(cfg.Tools.Exec.Allowlist) != 2 {
		t.Errorf("allowlist = %+v", cfg.Tools.Exec.Allowlist)
	}
	// Defaults survive partial documents.
	if cfg.Tools.Web.MaxResults != 8 {
		t.Errorf("Web.MaxResults = %d, want default 8", cfg.Tools.Web.MaxResults)
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
gateway:
  listen: "127.0.0.1:7000"
logging:
  level: debug
`)
	path := writeFile(t, dir, "eclia.json5", `{
  // comments are allowed here
  $include: "base.yaml",
  logging: { format: "json" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:7000" {
		t.Errorf("included Listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want included level + local format", cfg.Logging)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("ECLIA_TEST_KEY", "sk-from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "eclia.yaml", `
providers:
  profiles:
    default:
      scheme: openai-compat
      apiKey: ${ECLIA_TEST_KEY}
      model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Providers.Profiles["default"].APIKey; got != "sk-from-env" {
		t.Errorf("APIKey = %q, want env value", got)
	}
}

func TestLoadEnvExpansionKeepsInclude(t *testing.T) {
	t.Setenv("ECLIA_TEST_LISTEN", "127.0.0.1:7788")
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
logging:
  level: warn
`)
	path := writeFile(t, dir, "eclia.yaml", `
$include: base.yaml
gateway:
  listen: ${ECLIA_TEST_LISTEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:7788" {
		t.Errorf("Listen = %q, want env value", cfg.Gateway.Listen)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want included value", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with include cycle succeeded")
	}
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid empty", func(c *Config) {}, false},
		{"missing listen", func(c *Config) { c.Gateway.Listen = "" }, true},
		{"bad scheme", func(c *Config) {
			c.Providers.Profiles = map[string]ProfileConfig{"x": {Scheme: "grpc", Model: "m"}}
		}, true},
		{"openai without key", func(c *Config) {
			c.Providers.Profiles = map[string]ProfileConfig{"x": {Scheme: "openai-compat", Model: "m"}}
		}, true},
		{"codex without command", func(c *Config) {
			c.Providers.Profiles = map[string]ProfileConfig{"x": {Scheme: "codex-oauth", Model: "m"}}
		}, true},
		{"rule with both matchers", func(c *Config) {
			c.Tools.Exec.Allowlist = []AllowRule{{MatchPrefix: "git", MatchExact: "git"}}
		}, true},
		{"enabled adapter without port", func(c *Config) {
			c.Adapters = map[string]AdapterConfig{"discord": {Enabled: true}}
		}, true},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestAllowlistWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "allow.yaml", "- matchExact: ls\n")

	w, err := NewAllowlistWatcher(path, nil, nil)
	if err != nil {
		t.Fatalf("NewAllowlistWatcher() error = %v", err)
	}
	defer w.Close()

	if rules := w.Rules(); len(rules) != 1 || rules[0].MatchExact != "ls" {
		t.Fatalf("initial Rules() = %+v", rules)
	}

	if err := os.WriteFile(path, []byte("- matchExact: ls\n- matchPrefix: git\n"), 0o644); err != nil {
		t.Fatalf("rewrite allowlist: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Rules()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Rules() = %+v, want 2 after reload", w.Rules())
}

func TestAllowlistWatcherStaticSeed(t *testing.T) {
	seed := []AllowRule{{MatchExact: "pwd"}}
	w, err := NewAllowlistWatcher("", seed, nil)
	if err != nil {
		t.Fatalf("NewAllowlistWatcher() error = %v", err)
	}
	defer w.Close()
	if rules := w.Rules(); len(rules) != 1 || rules[0].MatchExact != "pwd" {
		t.Errorf("Rules() = %+v", rules)
	}
}
