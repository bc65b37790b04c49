package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/eclia-dev/eclia/internal/config"
)

// Web tool modes.
const (
	WebModeSearch  = "search"
	WebModeExtract = "extract"
)

// extractByteLimit caps how much of a fetched page is processed.
const extractByteLimit = 512 * 1024

// WebTool queries a SearXNG-compatible search endpoint and optionally
// fetches page content.
type WebTool struct {
	cfg    config.WebConfig
	http   *http.Client
	logger *slog.Logger
}

// NewWebTool wires the web tool.
func NewWebTool(cfg config.WebConfig, logger *slog.Logger) *WebTool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	return &WebTool{
		cfg:    cfg,
		http:   &http.Client{Timeout: 20 * time.Second},
		logger: logger.With("tool", "web"),
	}
}

func (t *WebTool) Name() string { return "web" }

func (t *WebTool) Description() string {
	return "Search the web or extract the text content of a page."
}

func (t *WebTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type": "string",
				"enum": []string{WebModeSearch, WebModeExtract},
			},
			"query": map[string]any{
				"type":        "string",
				"description": "Search query (search mode).",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Page to fetch (extract mode).",
			},
			"maxResults": map[string]any{"type": "integer"},
		},
		"required": []string{"mode"},
	}
}

// NeedsApproval gates extract in safe mode; plain search runs unattended.
func (t *WebTool) NeedsApproval(args map[string]any, mode string) bool {
	if mode != ModeSafe {
		return false
	}
	m, _ := args["mode"].(string)
	return m == WebModeExtract
}

// Hit is one search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Invoke dispatches on mode.
func (t *WebTool) Invoke(ctx context.Context, inv Invocation, args map[string]any) (*Output, error) {
	switch mode, _ := args["mode"].(string); mode {
	case WebModeSearch:
		query, _ := args["query"].(string)
		if query == "" {
			return nil, Errorf(CodeBadArgumentsJSON, "search mode requires a query")
		}
		max := t.cfg.MaxResults
		if v, ok := args["maxResults"].(float64); ok && int(v) > 0 && int(v) < max {
			max = int(v)
		}
		return t.search(ctx, query, max)
	case WebModeExtract:
		pageURL, _ := args["url"].(string)
		if pageURL == "" {
			return nil, Errorf(CodeBadArgumentsJSON, "extract mode requires a url")
		}
		return t.extract(ctx, pageURL)
	default:
		return nil, Errorf(CodeBadArgumentsJSON, "unknown web mode %q", mode)
	}
}

func (t *WebTool) search(ctx context.Context, query string, max int) (*Output, error) {
	if t.cfg.Endpoint == "" {
		return nil, Errorf(CodeToolDisabled, "web search endpoint is not configured")
	}

	searchURL, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return nil, Errorf(CodeWebError, "invalid search endpoint: %v", err)
	}
	q := searchURL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	searchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, Errorf(CodeWebError, "build request: %v", err)
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Errorf(CodeWebError, "search request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(CodeWebError, "search endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, Errorf(CodeWebError, "parse search response: %v", err)
	}

	hits := make([]Hit, 0, max)
	for _, r := range payload.Results {
		if len(hits) >= max {
			break
		}
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}

	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", h.Snippet)
		}
	}
	if len(hits) == 0 {
		b.WriteString("no results")
	}

	return &Output{
		Content: b.String(),
		Result:  map[string]any{"query": query, "hits": hits},
	}, nil
}

var (
	tagStripper   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	spaceSqueezer = regexp.MustCompile(`\s+`)
)

func (t *WebTool) extract(ctx context.Context, pageURL string) (*Output, error) {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, Errorf(CodeBadArgumentsJSON, "url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, Errorf(CodeWebError, "build request: %v", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Errorf(CodeWebError, "fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(CodeWebError, "page returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, extractByteLimit))
	if err != nil {
		return nil, Errorf(CodeWebError, "read page: %v", err)
	}

	text := tagStripper.ReplaceAllString(string(body), " ")
	text = spaceSqueezer.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return &Output{
		Content: text,
		Result:  map[string]any{"url": pageURL, "bytes": len(body)},
	}, nil
}
