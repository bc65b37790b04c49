package provider

import (
	"strings"
	"testing"

	"github.com/eclia-dev/eclia/pkg/models"
)

func msg(role, content string) models.Record {
	return models.MessageRecord(role, content)
}

func TestBuildContextFitsBudget(t *testing.T) {
	var history []models.Record
	body := strings.Repeat("x", 500)
	for i := 0; i < 100; i++ {
		history = append(history, msg(models.RoleUser, body))
		history = append(history, msg(models.RoleAssistant, body))
	}
	history = append(history, msg(models.RoleUser, "latest question"))

	ctx := BuildContext(history, 2048)
	if ctx.UsedTokens > 2048 {
		t.Errorf("UsedTokens = %d, want <= 2048", ctx.UsedTokens)
	}
	if ctx.Dropped == 0 {
		t.Error("Dropped = 0, expected truncation")
	}
	last := ctx.Messages[len(ctx.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "latest question" {
		t.Errorf("last kept message = %+v, want the most recent user message", last)
	}
}

func TestBuildContextRetainsTrailingSystem(t *testing.T) {
	var history []models.Record
	history = append(history, msg(models.RoleSystem, "old system"))
	body := strings.Repeat("y", 400)
	for i := 0; i < 50; i++ {
		history = append(history, msg(models.RoleUser, body))
	}
	history = append(history, msg(models.RoleSystem, "current system"))
	history = append(history, msg(models.RoleUser, "go"))

	ctx := BuildContext(history, 256)
	foundCurrent := false
	for _, m := range ctx.Messages {
		if m.Role == models.RoleSystem && m.Content == "current system" {
			foundCurrent = true
		}
	}
	if !foundCurrent {
		t.Error("trailing system message was dropped")
	}
}

func TestBuildContextDropsNonSystemFirst(t *testing.T) {
	body := strings.Repeat("w", 400)
	history := []models.Record{
		msg(models.RoleSystem, "persona: terse"),
		msg(models.RoleUser, body),
		msg(models.RoleAssistant, body),
		msg(models.RoleSystem, "current rules"),
		msg(models.RoleUser, "latest"),
	}

	// A budget that forces both bulky records out but leaves room for the
	// small system records plus the latest user message.
	ctx := BuildContext(history, 50)
	foundOldSystem := false
	for _, m := range ctx.Messages {
		if m.Role == models.RoleSystem && m.Content == "persona: terse" {
			foundOldSystem = true
		}
		if m.Content == body {
			t.Errorf("bulky non-system record kept while truncating: role %s", m.Role)
		}
	}
	if !foundOldSystem {
		t.Error("older system record dropped before non-system records were exhausted")
	}
	last := ctx.Messages[len(ctx.Messages)-1]
	if last.Content != "latest" {
		t.Errorf("last kept message = %+v", last)
	}
}

func TestBuildContextDropsOrphanedToolRecords(t *testing.T) {
	big := strings.Repeat("z", 2000)
	assistant := models.MessageRecord(models.RoleAssistant, big)
	assistant.ToolCalls = []models.ToolCall{{ID: "c1", Name: "exec", ArgsRaw: "{}"}}
	toolResult := models.MessageRecord(models.RoleTool, "output")
	toolResult.ToolCallID = "c1"

	history := []models.Record{
		msg(models.RoleUser, big),
		assistant,
		toolResult,
		msg(models.RoleAssistant, "done"),
		msg(models.RoleUser, "next"),
	}

	// Budget forces the assistant-with-call out; its tool result must go too.
	ctx := BuildContext(history, 50)
	for _, m := range ctx.Messages {
		if m.Role == models.RoleTool {
			t.Errorf("orphaned tool record kept: %+v", m)
		}
	}
}

func TestBuildContextKeepsPairedToolRecords(t *testing.T) {
	assistant := models.MessageRecord(models.RoleAssistant, "")
	assistant.ToolCalls = []models.ToolCall{{ID: "c1", Name: "web", ArgsRaw: `{"q":"go"}`}}
	toolResult := models.MessageRecord(models.RoleTool, "hits")
	toolResult.ToolCallID = "c1"

	history := []models.Record{
		msg(models.RoleUser, "search go"),
		assistant,
		toolResult,
		msg(models.RoleUser, "thanks"),
	}
	ctx := BuildContext(history, 0)
	if len(ctx.Messages) != 4 || ctx.Dropped != 0 {
		t.Errorf("BuildContext with no budget dropped records: %+v", ctx)
	}
}

func TestBuildContextFiltersTurnMarkers(t *testing.T) {
	history := []models.Record{
		msg(models.RoleUser, "hi"),
		models.TurnRecord(models.TurnMeta{ID: "t1", Model: "m"}),
		msg(models.RoleAssistant, "hello"),
	}
	ctx := BuildContext(history, 0)
	if len(ctx.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2 (turn marker filtered)", len(ctx.Messages))
	}
}

func TestValidateSampling(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }

	if err := ValidateSampling(nil); err != nil {
		t.Errorf("nil sampling error = %v", err)
	}
	if err := ValidateSampling(&models.Sampling{Temperature: f(1.0), TopP: f(0.9), TopK: i(40), MaxOutputTokens: i(4096)}); err != nil {
		t.Errorf("valid sampling error = %v", err)
	}

	bad := []*models.Sampling{
		{Temperature: f(2.5)},
		{TopP: f(1.5)},
		{TopK: i(0)},
		{MaxOutputTokens: i(300000)},
	}
	for _, s := range bad {
		if err := ValidateSampling(s); err == nil {
			t.Errorf("ValidateSampling(%+v) = nil, want error", s)
		}
	}
}
