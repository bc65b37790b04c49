package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeHost writes a shell script that speaks just enough newline-delimited
// JSON-RPC to handshake and answer tools/call.
func fakeHost(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake host script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "host.sh")
	script := `#!/bin/sh
` + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake host: %v", err)
	}
	return path
}

// respondingHost answers initialize, tools/list, and tools/call by echoing
// the request id back.
func respondingHost(t *testing.T) string {
	return fakeHost(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fakehost","version":"0.1"}}}\n' "$id"
    ;;
  *'"tools/list"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"exec","description":"run a command"}]}}\n' "$id"
    ;;
  *'"tools/call"'*)
    if printf '%s' "$line" | grep -q '__eclia'; then
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"enveloped"}]}}\n' "$id"
    else
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"bare"}],"isError":true}}\n' "$id"
    fi
    ;;
  esac
done
`)
}

func TestHandshakeAndCallTool(t *testing.T) {
	c := NewClient(Config{Command: respondingHost(t)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	if !c.Alive() {
		t.Fatal("Alive() = false after Start")
	}
	if got := c.ServerInfo().Name; got != "fakehost" {
		t.Errorf("ServerInfo().Name = %q, want %q", got, "fakehost")
	}
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "exec" {
		t.Errorf("Tools() = %+v, want one exec tool", tools)
	}

	args := map[string]any{"command": "ls"}
	result, err := c.CallTool(ctx, "sess-1", "call-1", "exec", args, 0)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	// The fake host checks the reserved envelope key was present.
	if result.IsError || result.Text() != "enveloped" {
		t.Errorf("CallTool() = %+v, want envelope acknowledged", result)
	}
	if _, clobbered := args[EnvelopeKey]; clobbered {
		t.Error("caller args map was mutated with envelope key")
	}
}

func TestCallToolTimeout(t *testing.T) {
	// Answers the handshake, then goes silent on tools/call.
	host := fakeHost(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"slow","version":"0.1"}}}\n' "$id"
    ;;
  *'"tools/list"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id"
    ;;
  esac
done
`)
	c := NewClient(Config{Command: host}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	_, err := c.CallTool(ctx, "sess-1", "call-1", "exec", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrToolhostTimeout) {
		t.Fatalf("CallTool() error = %v, want ErrToolhostTimeout", err)
	}
}

func TestToolhostGoneAfterExit(t *testing.T) {
	// Answers the handshake, then exits.
	host := fakeHost(t, `
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"flaky","version":"0.1"}}}\n' "$id"
exit 0
`)
	c := NewClient(Config{Command: host}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	// Give the reaper a moment to observe the exit.
	deadline := time.Now().Add(2 * time.Second)
	for c.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Alive() {
		t.Fatal("Alive() still true after host exit")
	}

	_, err := c.CallTool(ctx, "sess-1", "call-1", "exec", nil, time.Second)
	if !errors.Is(err, ErrToolhostGone) {
		t.Fatalf("CallTool() error = %v, want ErrToolhostGone", err)
	}
}

func TestStartMissingCommand(t *testing.T) {
	c := NewClient(Config{}, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start() with empty command succeeded")
	}
}
