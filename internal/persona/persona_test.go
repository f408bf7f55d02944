package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/pkg/provider/llm"
	llmmock "github.com/MrWong99/livepersona/pkg/provider/llm/mock"
)

// ─── LastUtterance ──────────────────────────────────────────────────────────

func TestLastUtterance(t *testing.T) {
	t.Parallel()

	var u LastUtterance
	if got := u.Load(); got != Silent {
		t.Errorf("zero value Load() = %q, want %q", got, Silent)
	}
	u.Store("Hello chat!")
	if got := u.Load(); got != "Hello chat!" {
		t.Errorf("got %q, want %q", got, "Hello chat!")
	}
	u.Clear()
	if got := u.Load(); got != Silent {
		t.Errorf("after Clear got %q, want %q", got, Silent)
	}
}

func TestLastUtterance_ConcurrentWholeValues(t *testing.T) {
	t.Parallel()

	var u LastUtterance
	values := []string{"first utterance", "a much longer second utterance", "3"}
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() { u.Store(values[i%len(values)]) })
		wg.Go(func() {
			got := u.Load()
			if got != Silent && got != values[0] && got != values[1] && got != values[2] {
				t.Errorf("torn read %q", got)
			}
		})
	}
	wg.Wait()
}

// ─── FormatInput ────────────────────────────────────────────────────────────

func TestFormatInput(t *testing.T) {
	t.Parallel()

	got := FormatInput([]chat.Line{
		{Username: "NightOwl", Text: "hi!"},
		{Username: "User", Text: "sing a song", IsUser: true},
	})
	want := "Recent stream chat messages:\nNightOwl: hi!\nUser: sing a song\n\n" +
		"Please respond naturally, considering these messages and your role as a streamer."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if got := FormatInput(nil); got != IdleInput {
		t.Errorf("empty input = %q, want %q", got, IdleInput)
	}
}

// ─── Reasoner ───────────────────────────────────────────────────────────────

func TestReasoner_Reply(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  Hello chat! How is everyone?  "}}
	r := NewReasoner(p, WithSystemPrompt("You are Ava."), WithTemperature(0.9), WithMaxTokens(123))

	got, err := r.Reply(context.Background(), []chat.Line{{Username: "a", Text: "hi"}})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Hello chat! How is everyone?" {
		t.Errorf("got %q", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "You are Ava." || req.Temperature != 0.9 || req.MaxTokens != 123 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "a: hi") {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestReasoner_HistoryWindow(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok."}}
	r := NewReasoner(p, WithHistory(2))
	ctx := context.Background()

	for range 3 {
		if _, err := r.Reply(ctx, nil); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}
	calls := p.Calls()
	if n := len(calls[1].Req.Messages); n != 3 {
		t.Errorf("second call sent %d messages, want 3", n)
	}
	if n := len(calls[2].Req.Messages); n != 5 {
		t.Errorf("third call sent %d messages, want 5 (two exchanges + new)", n)
	}
	if calls[2].Req.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("window order broken: %+v", calls[2].Req.Messages)
	}

	r.Clear()
	if _, err := r.Reply(ctx, nil); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if n := len(p.Calls()[3].Req.Messages); n != 1 {
		t.Errorf("after Clear sent %d messages, want 1", n)
	}
}

func TestReasoner_HistoryWindowStartsWithUser(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: fmt.Sprintf("reply %d.", len(req.Messages))}, nil
		},
	}
	r := NewReasoner(p, WithHistory(3))
	ctx := context.Background()

	for range 6 {
		if _, err := r.Reply(ctx, nil); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}
	calls := p.Calls()
	for i, c := range calls {
		msgs := c.Req.Messages
		for len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
			msgs = msgs[1:]
		}
		if len(msgs) == 0 || msgs[0].Role != llm.RoleUser {
			t.Fatalf("call %d opens with %+v, want a user message", i, msgs)
		}
		for j, m := range msgs {
			want := llm.RoleUser
			if j%2 == 1 {
				want = llm.RoleAssistant
			}
			if m.Role != want {
				t.Errorf("call %d message %d role = %q, want %q", i, j, m.Role, want)
			}
		}
	}
	if n := len(calls[5].Req.Messages); n != 7 {
		t.Errorf("last call sent %d messages, want 7 (three exchanges + new)", n)
	}
}

func TestReasoner_EmptyAndFailedReplies(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   "}}
	r := NewReasoner(p)
	got, err := r.Reply(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("blank reply = (%q, %v), want empty without error", got, err)
	}

	boom := errors.New("rate limited")
	p.CompleteErr = boom
	p.CompleteResponse = nil
	if _, err := r.Reply(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	p.CompleteErr = nil
	if _, err := r.Reply(context.Background(), nil); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if n := len(p.Calls()[2].Req.Messages); n != 1 {
		t.Errorf("empty and failed replies leaked into history: %d messages", n)
	}
}

func TestReasoner_HistoryDisabled(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok."}}
	r := NewReasoner(p, WithHistory(0))
	for range 2 {
		if _, err := r.Reply(context.Background(), nil); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}
	if n := len(p.Calls()[1].Req.Messages); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
}
