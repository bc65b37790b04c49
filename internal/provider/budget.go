package provider

import "github.com/eclia-dev/eclia/pkg/models"

// Context is a budgeted message window.
type Context struct {
	Messages   []models.Record
	UsedTokens int
	Dropped    int
}

// EstimateTokens is the byte-based heuristic used for budgeting. It is
// deliberately conservative and makes no vendor calls.
func EstimateTokens(rec models.Record) int {
	n := len(rec.Content)
	for _, tc := range rec.ToolCalls {
		n += len(tc.Name) + len(tc.ArgsRaw)
	}
	return n/4 + 8
}

// BuildContext trims history to fit budget tokens. Policy: the trailing
// system message is always retained; otherwise the oldest non-system
// messages are dropped first. Tool records orphaned from their originating
// assistant call are dropped too. Turn markers never reach the upstream and
// are filtered up front.
func BuildContext(history []models.Record, budget int) Context {
	msgs := make([]models.Record, 0, len(history))
	for _, rec := range history {
		if rec.Kind == models.RecordMessage {
			msgs = append(msgs, rec)
		}
	}

	pinnedSystem := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleSystem {
			pinnedSystem = i
			break
		}
	}

	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}

	dropped := make([]bool, len(msgs))
	droppedCount := 0
	if budget > 0 {
		// Two passes: oldest non-system messages go first, and system
		// records are only touched once every droppable non-system record
		// is gone. The most recent message (the user turn being answered)
		// and the pinned trailing system message are never dropped.
		for _, systemPass := range []bool{false, true} {
			for i := 0; i < len(msgs)-1 && total > budget; i++ {
				if dropped[i] || i == pinnedSystem {
					continue
				}
				if (msgs[i].Role == models.RoleSystem) != systemPass {
					continue
				}
				dropped[i] = true
				droppedCount++
				total -= EstimateTokens(msgs[i])
			}
		}
	}

	// A tool result whose originating assistant call was dropped would be
	// rejected by every upstream schema; drop it as well.
	liveCalls := make(map[string]bool)
	kept := make([]models.Record, 0, len(msgs))
	used := 0
	for i, m := range msgs {
		if dropped[i] {
			continue
		}
		if m.Role == models.RoleTool && m.ToolCallID != "" && !liveCalls[m.ToolCallID] {
			droppedCount++
			total -= EstimateTokens(m)
			continue
		}
		for _, tc := range m.ToolCalls {
			liveCalls[tc.ID] = true
		}
		kept = append(kept, m)
		used += EstimateTokens(m)
	}

	return Context{Messages: kept, UsedTokens: used, Dropped: droppedCount}
}
