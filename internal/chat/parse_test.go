package chat_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/livepersona/internal/chat"
)

func TestParseAudience(t *testing.T) {
	t.Parallel()

	pool := []string{"PoolName"}
	names := chat.NewNamePolicy(chat.WithPool(pool), chat.WithBlocklist([]string{"neuro", "vedal"}))

	tests := []struct {
		name         string
		raw          string
		wantLines    []chat.Line
		wantUnparsed int
	}{
		{
			name: "well formed",
			raw:  "alice: hi there\nbob: lol",
			wantLines: []chat.Line{
				{Username: "alice", Text: "hi there"},
				{Username: "bob", Text: "lol"},
			},
		},
		{
			name:      "splits on first colon only",
			raw:       "carol: time is 10:30",
			wantLines: []chat.Line{{Username: "carol", Text: "time is 10:30"}},
		},
		{
			name:      "blocked name replaced",
			raw:       "Neuro_Sama: i am the real one",
			wantLines: []chat.Line{{Username: "PoolName", Text: "i am the real one"}},
		},
		{
			name:      "missing name replaced",
			raw:       ": anonymous words",
			wantLines: []chat.Line{{Username: "PoolName", Text: "anonymous words"}},
		},
		{
			name:      "bare line gets pool name",
			raw:       "just vibing",
			wantLines: []chat.Line{{Username: "PoolName", Text: "just vibing"}},
		},
		{
			name:         "empty text counted as unparsed",
			raw:          "dave:\n\n   \nerin:   ",
			wantUnparsed: 2,
		},
		{
			name: "list markers and quotes stripped",
			raw:  "- frank: \"hello\"\n2. gina: yo",
			wantLines: []chat.Line{
				{Username: "frank", Text: "hello"},
				{Username: "gina", Text: "yo"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := chat.ParseAudience(tt.raw, names)
			if !slices.Equal(got.Lines, tt.wantLines) {
				t.Errorf("Lines = %+v, want %+v", got.Lines, tt.wantLines)
			}
			if got.Unparsed != tt.wantUnparsed {
				t.Errorf("Unparsed = %d, want %d", got.Unparsed, tt.wantUnparsed)
			}
		})
	}
}

func TestNamePolicy_Blocked(t *testing.T) {
	t.Parallel()

	p := chat.NewNamePolicy()
	tests := []struct {
		name string
		want bool
	}{
		{"neuro", true},
		{"Neuro-Sama", true},
		{"VEDAL", true},
		{"vedal987", true},
		{"", false},
		{"ChatterBox", false},
		{"GamerGirl", false},
	}
	for _, tt := range tests {
		if got := p.Blocked(tt.name); got != tt.want {
			t.Errorf("Blocked(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNamePolicy_SubstituteFromPool(t *testing.T) {
	t.Parallel()

	pool := []string{"a", "b", "c"}
	p := chat.NewNamePolicy(chat.WithPool(pool))
	for range 50 {
		if got := p.Substitute(); !slices.Contains(pool, got) {
			t.Fatalf("Substitute() = %q, not in pool", got)
		}
	}
}
