package claude

import (
	"encoding/json"
	"reflect"
	"slices"
	"testing"

	"github.com/zette-dev/tether/internal/executor"
)

// --- ParseLine unit tests ---

func TestParseLine_SystemInit(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"system","subtype":"init","session_id":"sess-123"}`

	got := b.ParseLine([]byte(line), "")

	if got.Event != nil {
		t.Errorf("expected no event for system init, got %+v", got.Event)
	}
	if got.ConversationID != "sess-123" {
		t.Errorf("expected session ID sess-123, got %q", got.ConversationID)
	}
	if got.Text != "" {
		t.Errorf("expected empty text, got %q", got.Text)
	}
}

func TestParseLine_AssistantText(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`

	got := b.ParseLine([]byte(line), "")

	if got.Event != nil {
		t.Errorf("text should not produce an event, got %+v", got.Event)
	}
	if got.Text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", got.Text)
	}
}

func TestParseLine_AssistantTextAppends(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}`

	got := b.ParseLine([]byte(line), "first")

	if got.Text != "first\n\nsecond" {
		t.Errorf("expected appended text, got %q", got.Text)
	}
}

func TestParseLine_ToolUse(t *testing.T) {
	b := New(Options{Path: "claude"})

	tests := []struct {
		name string
		line string
		kind executor.Kind
		msg  string
	}{
		{
			name: "bash",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}}]}}`,
			kind: executor.KindToolUse,
			msg:  "Running: ls -la",
		},
		{
			name: "read",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}`,
			kind: executor.KindToolUse,
			msg:  "Reading: /tmp/a.go",
		},
		{
			name: "unknown tool",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"mcp__db__query","input":{}}]}}`,
			kind: executor.KindToolUse,
			msg:  "Using mcp__db__query...",
		},
		{
			name: "plan enter",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"EnterPlanMode","input":{}}]}}`,
			kind: executor.KindPlanEnter,
			msg:  "Entering plan mode",
		},
		{
			name: "plan exit",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"ExitPlanMode","input":{"plan":"1. do it\n2. ship"}}]}}`,
			kind: executor.KindPlanExit,
			msg:  "Plan ready for review: 1. do it",
		},
		{
			name: "task create",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"TaskCreate","input":{"subject":"write tests"}}]}}`,
			kind: executor.KindTaskUpdate,
			msg:  "Tasks: create write tests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.ParseLine([]byte(tt.line), "")
			if got.Event == nil {
				t.Fatal("expected an event")
			}
			if got.Event.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, got.Event.Kind)
			}
			if got.Event.Message != tt.msg {
				t.Errorf("expected %q, got %q", tt.msg, got.Event.Message)
			}
		})
	}
}

func TestParseLine_AskUserQuestion(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"AskUserQuestion","input":{"questions":[` +
		`{"header":"DB","question":"Which database?","multiSelect":false,"options":[` +
		`{"label":"Postgres","description":"relational"},{"label":"SQLite"}]}]}}]}}`

	got := b.ParseLine([]byte(line), "")

	if got.Event == nil {
		t.Fatal("expected an event")
	}
	if got.Event.Kind != executor.KindUserInput {
		t.Errorf("expected user_input, got %s", got.Event.Kind)
	}
	if got.Event.Message != "Which database?" {
		t.Errorf("expected question text, got %q", got.Event.Message)
	}
	if len(got.Event.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(got.Event.Questions))
	}
	q := got.Event.Questions[0]
	if q.Header != "DB" {
		t.Errorf("expected header DB, got %q", q.Header)
	}
	want := []executor.Option{
		{Label: "Postgres", Description: "relational"},
		{Label: "SQLite"},
	}
	if !reflect.DeepEqual(q.Options, want) {
		t.Errorf("expected options %+v, got %+v", want, q.Options)
	}
}

func TestParseLine_Thinking(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}`

	got := b.ParseLine([]byte(line), "")

	if got.Event == nil || got.Event.Kind != executor.KindThinking {
		t.Errorf("expected thinking event, got %+v", got.Event)
	}
}

func TestParseLine_ToolUseWinsOverText(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Let me look"},{"type":"tool_use","name":"Grep","input":{"pattern":"TODO"}}]}}`

	got := b.ParseLine([]byte(line), "")

	if got.Event == nil {
		t.Fatal("expected an event")
	}
	if got.Event.Message != "Searching: TODO" {
		t.Errorf("expected search message, got %q", got.Event.Message)
	}
	if got.Text != "Let me look" {
		t.Errorf("expected text kept, got %q", got.Text)
	}
}

func TestParseLine_ResultString(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"result","subtype":"success","result":"Final answer","session_id":"s1"}`

	got := b.ParseLine([]byte(line), "partial text")

	if got.Event == nil || got.Event.Kind != executor.KindResult {
		t.Errorf("expected result marker, got %+v", got.Event)
	}
	if got.Text != "Final answer" {
		t.Errorf("expected 'Final answer', got %q", got.Text)
	}
}

func TestParseLine_ResultContentBlocks(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"result","result":{"content":[{"type":"text","text":"Final answer"}]}}`

	got := b.ParseLine([]byte(line), "")

	if got.Text != "Final answer" {
		t.Errorf("expected 'Final answer', got %q", got.Text)
	}
}

func TestParseLine_EmptyResultKeepsAccumulator(t *testing.T) {
	b := New(Options{Path: "claude"})

	got := b.ParseLine([]byte(`{"type":"result","result":""}`), "kept")

	if got.Text != "kept" {
		t.Errorf("expected accumulator kept, got %q", got.Text)
	}
}

func TestParseLine_UnknownType(t *testing.T) {
	b := New(Options{Path: "claude"})
	line := `{"type":"stream_event","event":{"type":"content_block_delta"}}`

	got := b.ParseLine([]byte(line), "acc")

	if got.Event != nil {
		t.Errorf("expected no event for unknown type, got %+v", got.Event)
	}
	if got.Text != "acc" {
		t.Errorf("expected accumulator unchanged, got %q", got.Text)
	}
}

func TestParseLine_InvalidJSON(t *testing.T) {
	b := New(Options{Path: "claude"})

	got := b.ParseLine([]byte("not json"), "acc")

	if got.Event != nil {
		t.Errorf("expected no event for invalid JSON, got %+v", got.Event)
	}
	if got.Text != "acc" {
		t.Errorf("expected accumulator unchanged, got %q", got.Text)
	}
}

func TestParseLine_TruncatedJSON(t *testing.T) {
	b := New(Options{Path: "claude"})

	got := b.ParseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_`), "")

	if got.Event != nil {
		t.Errorf("expected no event for truncated JSON, got %+v", got.Event)
	}
}

// --- extractText unit tests ---

func TestExtractText_Nil(t *testing.T) {
	if got := extractText(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestExtractText_BadJSON(t *testing.T) {
	if got := extractText(json.RawMessage(`not json`)); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestExtractText_NoContent(t *testing.T) {
	if got := extractText(json.RawMessage(`{}`)); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

// --- invocation tests ---

func TestNewConversation_UsesSessionID(t *testing.T) {
	b := New(Options{Path: "/opt/claude", Model: "sonnet", ExtraArgs: []string{"--max-turns", "5"}})

	inv := b.NewConversation(executor.Request{
		ConversationID: "abc",
		Message:        "hello",
		SystemPrompt:   "be brief",
		WorkDir:        "/work",
	})

	if inv.Path != "/opt/claude" {
		t.Errorf("expected path /opt/claude, got %q", inv.Path)
	}
	if inv.Dir != "/work" {
		t.Errorf("expected dir /work, got %q", inv.Dir)
	}
	if inv.Input != "hello" {
		t.Errorf("expected input on stdin, got %q", inv.Input)
	}
	want := []string{
		"--print", "--output-format", "stream-json", "--verbose",
		"--model", "sonnet",
		"--append-system-prompt", "be brief",
		"--session-id", "abc",
		"--max-turns", "5",
	}
	if !slices.Equal(inv.Args, want) {
		t.Errorf("expected args %q, got %q", want, inv.Args)
	}
	if !slices.Contains(inv.Env, "TERM=dumb") {
		t.Error("expected TERM=dumb in environment")
	}
}

func TestResume_UsesResume(t *testing.T) {
	b := New(Options{Path: "/opt/claude"})

	inv := b.Resume(executor.Request{ConversationID: "abc", Message: "again"})

	if !slices.Contains(inv.Args, "--resume") {
		t.Errorf("expected --resume in %q", inv.Args)
	}
	if slices.Contains(inv.Args, "--session-id") {
		t.Errorf("unexpected --session-id in %q", inv.Args)
	}
	if last := inv.Args[len(inv.Args)-1]; last != "abc" {
		t.Errorf("expected conversation id last, got %q", last)
	}
}
