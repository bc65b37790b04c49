// Package models contains the shared data types exchanged between the
// gateway's components: session metadata, transcript records, tool calls,
// origins, and turn markers. These types define the on-disk NDJSON format
// and must stay backward compatible; new fields are added with omitempty.
package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// Role values for transcript message records.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Record kinds. The kind field discriminates the tagged transcript union.
const (
	RecordMessage = "message"
	RecordTurn    = "turn"
)

// Origin kinds.
const (
	OriginWeb      = "web"
	OriginDiscord  = "discord"
	OriginTelegram = "telegram"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,120}$`)

// IsValidSessionID reports whether s is a legal session identifier.
func IsValidSessionID(s string) bool {
	return sessionIDPattern.MatchString(s)
}

// Origin describes where a chat request came from. Kind discriminates the
// variant; the remaining fields are populated per kind and kept as strings
// for forward compatibility on the wire.
type Origin struct {
	Kind    string `json:"kind"`
	Guild   string `json:"guild,omitempty"`
	Channel string `json:"channel,omitempty"`
	Thread  string `json:"thread,omitempty"`
	Chat    string `json:"chat,omitempty"`
	Topic   string `json:"topic,omitempty"`
	User    string `json:"user,omitempty"`
}

// Compatible reports whether two origins describe the same kind of surface.
// A stored origin is only ever patched by an origin of the same kind.
func (o *Origin) Compatible(other *Origin) bool {
	if o == nil || other == nil {
		return true
	}
	return o.Kind == other.Kind
}

// Label renders a short human-readable description, used to seed titles.
func (o *Origin) Label() string {
	if o == nil {
		return ""
	}
	switch o.Kind {
	case OriginDiscord:
		if o.Channel != "" {
			return "discord #" + o.Channel
		}
		return "discord"
	case OriginTelegram:
		if o.Chat != "" {
			return "telegram " + o.Chat
		}
		return "telegram"
	case OriginWeb:
		return "web"
	}
	return o.Kind
}

// Meta is the per-session metadata snapshot persisted as meta.json.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    *Origin   `json:"origin,omitempty"`
	LastRoute string    `json:"lastRoute,omitempty"`
}

// ToolCall is a model-requested tool invocation. ArgsRaw carries the raw
// argument JSON exactly as the upstream emitted it; it is parsed lazily so a
// malformed payload can be reported as bad_arguments_json instead of being
// silently dropped.
type ToolCall struct {
	ID      string `json:"callId"`
	Name    string `json:"name"`
	ArgsRaw string `json:"argsRaw"`
	Index   int    `json:"index,omitempty"`
}

// Args parses ArgsRaw. An empty payload parses as an empty object.
func (c ToolCall) Args() (map[string]any, error) {
	if c.ArgsRaw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(c.ArgsRaw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sampling carries optional per-request sampling overrides. Nil pointers
// mean "use the upstream default". Validation bounds live in Validate.
type Sampling struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// IsZero reports whether no override is set.
func (s *Sampling) IsZero() bool {
	return s == nil || (s.Temperature == nil && s.TopP == nil && s.TopK == nil && s.MaxOutputTokens == nil)
}

// TurnMeta closes a logical user turn in the transcript.
type TurnMeta struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	ContextTokens int       `json:"contextTokens,omitempty"`
	UsedTokens    int       `json:"usedTokens,omitempty"`
	Commit        string    `json:"commit,omitempty"`
	Overrides     *Sampling `json:"overrides,omitempty"`
}

// Record is one transcript line. Kind selects the variant: message records
// populate Role/Content (plus ToolCalls or ToolCallID), turn records
// populate Turn.
type Record struct {
	Kind       string     `json:"kind"`
	Ts         time.Time  `json:"ts"`
	Role       string     `json:"role,omitempty"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Turn       *TurnMeta  `json:"turn,omitempty"`
}

// MessageRecord builds a message record with the given role and content.
func MessageRecord(role, content string) Record {
	return Record{Kind: RecordMessage, Role: role, Content: content}
}

// TurnRecord builds a turn-close marker.
func TurnRecord(turn TurnMeta) Record {
	return Record{Kind: RecordTurn, Turn: &turn}
}
