package provider

import (
	"fmt"
	"strings"
)

// snippetLimit caps how much upstream response body is carried in errors.
const snippetLimit = 240

// UpstreamHTTPError is a non-2xx response from an upstream API. Snippet
// holds at most 240 characters of the response body.
type UpstreamHTTPError struct {
	Status  int
	Snippet string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.Status, e.Snippet)
}

// NewUpstreamHTTPError trims body to the snippet limit.
func NewUpstreamHTTPError(status int, body string) *UpstreamHTTPError {
	body = strings.TrimSpace(body)
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	return &UpstreamHTTPError{Status: status, Snippet: body}
}
