package dialect

import "testing"

func TestSplitEmbeddedClassification(t *testing.T) {
	tests := []struct {
		name              string
		delta             string
		defaultsToThought bool
		wantOK            bool
		wantSegments      []Segment
	}{
		{
			name:   "plain text passes through",
			delta:  "Hello there",
			wantOK: false,
		},
		{
			name:   "leading brace but not json",
			delta:  "{not actually json",
			wantOK: false,
		},
		{
			name:         "explicit thinking block",
			delta:        `{"type":"thinking","text":"let me see"}`,
			wantOK:       true,
			wantSegments: []Segment{{Text: "let me see", Thought: true}},
		},
		{
			name:         "explicit text block",
			delta:        `{"type":"text","text":"the answer"}`,
			wantOK:       true,
			wantSegments: []Segment{{Text: "the answer", Thought: false}},
		},
		{
			name:   "mixed array interleaves thought and text",
			delta:  `[{"type":"analysis","text":"hmm"},{"type":"final","text":"done"}]`,
			wantOK: true,
			wantSegments: []Segment{
				{Text: "hmm", Thought: true},
				{Text: "done", Thought: false},
			},
		},
		{
			name:         "role marker wins when type absent",
			delta:        `{"role":"reasoning","text":"because"}`,
			wantOK:       true,
			wantSegments: []Segment{{Text: "because", Thought: true}},
		},
		{
			name:              "unmarked content-only block defaults to thought when configured",
			delta:             `{"content":"pondering"}`,
			defaultsToThought: true,
			wantOK:            true,
			wantSegments:      []Segment{{Text: "pondering", Thought: true}},
		},
		{
			name:         "unmarked content-only block stays text otherwise",
			delta:        `{"content":"pondering"}`,
			wantOK:       true,
			wantSegments: []Segment{{Text: "pondering", Thought: false}},
		},
		{
			name:   "parsed json with no usable text is not structured content",
			delta:  `{"foo":42}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments, ok := SplitEmbedded(tt.delta, tt.defaultsToThought)
			if ok != tt.wantOK {
				t.Fatalf("SplitEmbedded ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if len(segments) != len(tt.wantSegments) {
				t.Fatalf("got %d segments, want %d", len(segments), len(tt.wantSegments))
			}
			for i, seg := range segments {
				want := tt.wantSegments[i]
				if seg.Text != want.Text || seg.Thought != want.Thought {
					t.Errorf("segment %d = %+v, want %+v", i, seg, want)
				}
			}
		})
	}
}
