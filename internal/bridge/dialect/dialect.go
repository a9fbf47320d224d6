// Package dialect normalizes agent notification dialects into canonical
// updates. The wrapped-event dialect ships a Decoder for raw notification
// params; the session/update dialect converts the ACP SDK's typed
// notifications in its own package. Everything above the protocol layer
// consumes streams.CanonicalUpdate and never sees the wire shapes.
package dialect

import (
	"encoding/json"
	"strings"

	"github.com/agentbridge/agentbridge/internal/bridge/streams"
)

// Decoder turns one inbound notification into zero or more canonical
// updates. Decoders are stateless; accumulation and ordering live in the
// composer. Unknown methods and unknown payload variants return nil rather
// than an error, so a newer agent never breaks an older bridge.
type Decoder interface {
	// Name identifies the dialect, e.g. "codex-event" or "session-update".
	Name() string

	// Decode normalizes a notification. A nil result means the notification
	// carries nothing the stream needs.
	Decode(method string, params json.RawMessage) []streams.CanonicalUpdate
}

// Segment is one classified piece of an embedded structured delta.
type Segment struct {
	Text    string
	Thought bool
}

// thought-ish and text-ish markers matched as substrings of a content
// block's type field, lowercased.
var (
	thoughtMarkers = []string{"thought", "thinking", "analysis", "reason"}
	textMarkers    = []string{"text", "final", "message"}
)

// SplitEmbedded inspects a delta that looks like serialized structured
// content (a JSON object or array of content blocks) and splits it into
// classified segments. Some agent builds serialize their internal content
// blocks straight into the text channel; without this the UI would render
// raw JSON.
//
// Returns ok=false when the delta is not parseable structured content, in
// which case the caller must treat it as plain text.
func SplitEmbedded(delta string, defaultsToThought bool) ([]Segment, bool) {
	trimmed := strings.TrimSpace(delta)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}

	var blocks []contentBlock
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
			return nil, false
		}
	} else {
		var single contentBlock
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return nil, false
		}
		blocks = []contentBlock{single}
	}

	segments := make([]Segment, 0, len(blocks))
	for _, b := range blocks {
		text := b.Text
		if text == "" {
			text = b.Content
		}
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:    text,
			Thought: classifyBlock(b, defaultsToThought),
		})
	}
	if len(segments) == 0 {
		// Parsed fine but carried no usable text; not our shape after all.
		return nil, false
	}
	return segments, true
}

type contentBlock struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	Content string `json:"content"`
}

// classifyBlock decides thought-vs-text from the block's marker fields, in
// priority order: thought markers win over text markers; an unmarked
// content-only block is thought only for agent builds known to default to
// thinking.
func classifyBlock(b contentBlock, defaultsToThought bool) bool {
	marker := strings.ToLower(b.Type + " " + b.Role + " " + b.Kind)
	for _, m := range thoughtMarkers {
		if strings.Contains(marker, m) {
			return true
		}
	}
	for _, m := range textMarkers {
		if strings.Contains(marker, m) {
			return false
		}
	}
	if b.Type == "" && b.Role == "" && b.Kind == "" && b.Text == "" && b.Content != "" {
		return defaultsToThought
	}
	return false
}
