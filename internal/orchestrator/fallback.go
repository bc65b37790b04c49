package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eclia-dev/eclia/pkg/models"
)

// Some models announce finish_reason=tool_calls but emit the invocation as
// plaintext instead of structured calls. The fallback parser recognizes two
// shapes in the assistant text:
//
//	TOOL_CALL <name> <json>
//	<tool name="...">{json}</tool>
var (
	toolCallLine = regexp.MustCompile(`(?m)^TOOL_CALL\s+(\w+)\s+(\{.*\})\s*$`)
	toolCallTag  = regexp.MustCompile(`(?s)<tool\s+name="(\w+)"\s*>(.*?)</tool>`)
)

// parsePlainToolCalls scans assistant plaintext for tool invocation lines and
// synthesizes structured calls.
func parsePlainToolCalls(text string) []models.ToolCall {
	var calls []models.ToolCall
	add := func(name, argsRaw string) {
		calls = append(calls, models.ToolCall{
			ID:      "fb-" + uuid.NewString()[:8],
			Name:    name,
			ArgsRaw: strings.TrimSpace(argsRaw),
			Index:   len(calls),
		})
	}
	for _, m := range toolCallLine.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2])
	}
	for _, m := range toolCallTag.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2])
	}
	return calls
}

// logFallbackWarning appends one NDJSON line to the session's debug log.
func (o *Orchestrator) logFallbackWarning(sessionID string, synthesized int, text string) {
	dir := o.root.DebugDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("debug dir unavailable", "session", sessionID, "error", err)
		return
	}
	snippet := text
	if len(snippet) > 400 {
		snippet = snippet[:400]
	}
	line, err := json.Marshal(map[string]any{
		"ts":          time.Now().UTC(),
		"kind":        "fallback_tool_calls",
		"synthesized": synthesized,
		"snippet":     snippet,
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "warnings.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		o.logger.Warn("warnings log unavailable", "session", sessionID, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\n", line)
}
