package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eclia-dev/eclia/internal/tools"
)

// defaultInstruction anchors the system prompt when no prompt files exist.
const defaultInstruction = "You are ECLIA, a local assistant gateway. Answer directly and use the available tools when a task calls for running commands, sending messages, or looking things up."

// composeSystemPrompt assembles the system instruction from priority-ordered
// parts: the base instruction, then prompt files under .eclia/prompts in
// lexical order, then a summary of the tools offered this turn. Parts are
// joined by blank lines, lowest priority first.
func (o *Orchestrator) composeSystemPrompt(toolList []tools.Tool) string {
	parts := []string{defaultInstruction}

	dir := filepath.Join(o.root.StateDir(), "prompts")
	if entries, err := os.ReadDir(dir); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				o.logger.Warn("prompt part unreadable", "file", name, "error", err)
				continue
			}
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, text)
			}
		}
	}

	if len(toolList) > 0 {
		var b strings.Builder
		b.WriteString("Available tools:")
		for _, t := range toolList {
			fmt.Fprintf(&b, "\n- %s: %s", t.Name(), t.Description())
		}
		parts = append(parts, b.String())
	}

	return strings.Join(parts, "\n\n")
}
