package provider

import (
	"errors"
	"testing"
)

func TestParseRouteKey(t *testing.T) {
	tests := []struct {
		in            string
		defaultScheme string
		want          RouteKey
		wantErr       bool
	}{
		{"openai-compat:default", "", RouteKey{SchemeOpenAICompat, "default"}, false},
		{"anthropic:work", "", RouteKey{SchemeAnthropic, "work"}, false},
		{"codex-oauth:personal", "", RouteKey{SchemeCodexOAuth, "personal"}, false},
		{"default", SchemeOpenAICompat, RouteKey{SchemeOpenAICompat, "default"}, false},
		{"default", "", RouteKey{}, true},
		{"bogus:default", "", RouteKey{}, true},
		{"anthropic:", "", RouteKey{}, true},
		{"", SchemeOpenAICompat, RouteKey{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRouteKey(tt.in, tt.defaultScheme)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRouteKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseRouteKey(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestRouteKeyRoundTrip(t *testing.T) {
	for _, s := range []string{"openai-compat:default", "anthropic:a-b_c", "codex-oauth:p1"} {
		key, err := ParseRouteKey(s, "")
		if err != nil {
			t.Fatalf("ParseRouteKey(%q) error = %v", s, err)
		}
		if key.String() != s {
			t.Errorf("round trip %q = %q", s, key.String())
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(SchemeOpenAICompat)
	p := NewOpenAICompat("", "test-key")
	r.Register(RouteKey{SchemeOpenAICompat, "default"}, p, "gpt-4o")

	sel, err := r.Resolve("openai-compat:default")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if sel.Model != "gpt-4o" || sel.Provider != Provider(p) {
		t.Errorf("Resolve() = %+v", sel)
	}

	// Prefix-less keys canonicalize to the default scheme.
	if _, err := r.Resolve("default"); err != nil {
		t.Errorf("Resolve() without scheme error = %v", err)
	}

	if _, err := r.Resolve("anthropic:default"); !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("Resolve() unregistered error = %v, want ErrUnknownRoute", err)
	}
}
