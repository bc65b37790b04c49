package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eclia-dev/eclia/internal/config"
)

func TestWebSearch(t *testing.T) {
	var gotQuery, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("format") != "json" {
			http.Error(w, "bad format", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"results":[
			{"title":"Go","url":"https://go.dev","content":"The Go programming language"},
			{"title":"Go wiki","url":"https://go.dev/wiki","content":""},
			{"title":"Extra","url":"https://example.com","content":"past the cap"}
		]}`))
	}))
	defer ts.Close()

	tool := NewWebTool(config.WebConfig{Endpoint: ts.URL, APIKey: "sk-test", MaxResults: 2}, nil)
	out, err := tool.Invoke(context.Background(), Invocation{}, map[string]any{
		"mode":  WebModeSearch,
		"query": "golang",
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotQuery != "golang" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(out.Content, "1. Go") || !strings.Contains(out.Content, "https://go.dev") {
		t.Errorf("Content = %q", out.Content)
	}
	hits, ok := out.Result["hits"].([]Hit)
	if !ok || len(hits) != 2 {
		t.Errorf("hits = %v", out.Result["hits"])
	}
}

func TestWebSearchNoEndpoint(t *testing.T) {
	tool := NewWebTool(config.WebConfig{}, nil)
	_, err := tool.Invoke(context.Background(), Invocation{}, map[string]any{
		"mode":  WebModeSearch,
		"query": "anything",
	})
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != CodeToolDisabled {
		t.Fatalf("Invoke() error = %v, want %s", err, CodeToolDisabled)
	}
}

func TestWebSearchUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	tool := NewWebTool(config.WebConfig{Endpoint: ts.URL}, nil)
	_, err := tool.Invoke(context.Background(), Invocation{}, map[string]any{
		"mode":  WebModeSearch,
		"query": "anything",
	})
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != CodeWebError {
		t.Fatalf("Invoke() error = %v, want %s", err, CodeWebError)
	}
}

func TestWebExtractStripsMarkup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><style>body { color: red }</style>
			<script>alert("nope")</script></head>
			<body><h1>Title</h1><p>First   paragraph.</p></body></html>`))
	}))
	defer ts.Close()

	tool := NewWebTool(config.WebConfig{}, nil)
	out, err := tool.Invoke(context.Background(), Invocation{}, map[string]any{
		"mode": WebModeExtract,
		"url":  ts.URL,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if strings.Contains(out.Content, "alert") || strings.Contains(out.Content, "color") {
		t.Errorf("markup leaked: %q", out.Content)
	}
	if !strings.Contains(out.Content, "Title First paragraph.") {
		t.Errorf("Content = %q", out.Content)
	}
}

func TestWebExtractRejectsNonHTTP(t *testing.T) {
	tool := NewWebTool(config.WebConfig{}, nil)
	for _, u := range []string{"file:///etc/passwd", "ftp://host/x", "not a url at all\x00"} {
		_, err := tool.Invoke(context.Background(), Invocation{}, map[string]any{
			"mode": WebModeExtract,
			"url":  u,
		})
		var terr *Error
		if !errors.As(err, &terr) || terr.Code != CodeBadArgumentsJSON {
			t.Errorf("Invoke(%q) error = %v, want %s", u, err, CodeBadArgumentsJSON)
		}
	}
}

func TestWebNeedsApproval(t *testing.T) {
	tool := NewWebTool(config.WebConfig{}, nil)
	tests := []struct {
		args map[string]any
		mode string
		want bool
	}{
		{map[string]any{"mode": WebModeSearch, "query": "x"}, ModeSafe, false},
		{map[string]any{"mode": WebModeExtract, "url": "https://x"}, ModeSafe, true},
		{map[string]any{"mode": WebModeExtract, "url": "https://x"}, ModeFull, false},
	}
	for _, tt := range tests {
		if got := tool.NeedsApproval(tt.args, tt.mode); got != tt.want {
			t.Errorf("NeedsApproval(%v, %s) = %v, want %v", tt.args, tt.mode, got, tt.want)
		}
	}
}
