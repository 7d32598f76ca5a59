package executor

import (
	"fmt"
	"strings"
	"sync"
)

// maxDetailLen bounds the human-readable detail in tool messages.
const maxDetailLen = 100

// ToolHandler builds the event for one invocation of a named tool.
type ToolHandler func(args map[string]any) Event

// Tools maps tool names to event builders. New backend vocabularies are
// added by registering entries.
type Tools struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewTools returns an empty table.
func NewTools() *Tools {
	return &Tools{handlers: make(map[string]ToolHandler)}
}

// Register adds or replaces the handler for each given name.
func (t *Tools) Register(h ToolHandler, names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		t.handlers[name] = h
	}
}

// Event returns the event for a tool call. Unknown tools map to a generic
// "Using <name>..." message.
func (t *Tools) Event(name string, args map[string]any) Event {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()

	if !ok {
		return Event{Kind: KindToolUse, Message: fmt.Sprintf("Using %s...", name)}
	}
	return h(args)
}

// DefaultTools returns a table covering the Claude Code and Gemini CLI tool
// vocabularies.
func DefaultTools() *Tools {
	t := NewTools()

	t.Register(describe("Running", "command", "cmd"), "Bash", "run_shell_command", "shell")
	t.Register(describe("Reading", "file_path", "path", "absolute_path", "paths"), "Read", "read_file", "read_many_files")
	t.Register(describe("Writing", "file_path", "path", "absolute_path"), "Write", "write_file")
	t.Register(describe("Editing", "file_path", "path", "absolute_path"), "Edit", "MultiEdit", "replace")
	t.Register(describe("Editing notebook", "notebook_path", "path"), "NotebookEdit")
	t.Register(describe("Searching", "pattern", "query"), "Glob", "Grep", "glob", "search_file_content")
	t.Register(describe("Listing", "path", "dir_path"), "LS", "list_directory")
	t.Register(describe("Fetching", "url", "prompt"), "WebFetch", "web_fetch")
	t.Register(describe("Searching web", "query"), "WebSearch", "google_web_search")
	t.Register(describe("Delegating", "description", "prompt"), "Task")

	t.Register(func(map[string]any) Event {
		return Event{Kind: KindPlanEnter, Message: "Entering plan mode"}
	}, "EnterPlanMode", "enter_plan_mode")
	t.Register(func(args map[string]any) Event {
		msg := "Plan ready for review"
		if plan := firstString(args, "plan"); plan != "" {
			msg += ": " + Truncate(firstLine(plan), maxDetailLen)
		}
		return Event{Kind: KindPlanExit, Message: msg}
	}, "ExitPlanMode", "exit_plan_mode")

	t.Register(task("create"), "TaskCreate")
	t.Register(task("update"), "TaskUpdate")
	t.Register(task("list"), "TaskList")
	t.Register(task("get"), "TaskGet")
	t.Register(task("write"), "TodoWrite", "write_todos")

	t.Register(askUser, "AskUserQuestion", "ask_user")

	return t
}

// describe returns a handler that renders "<verb>: <first non-empty arg>".
func describe(verb string, keys ...string) ToolHandler {
	return func(args map[string]any) Event {
		detail := firstString(args, keys...)
		if detail == "" {
			return Event{Kind: KindToolUse, Message: verb + "..."}
		}
		return Event{Kind: KindToolUse, Message: verb + ": " + Truncate(detail, maxDetailLen)}
	}
}

func task(action string) ToolHandler {
	return func(args map[string]any) Event {
		subject := firstString(args, "subject", "title", "taskId", "task_id", "id")
		if subject == "" {
			if todos, ok := args["todos"].([]any); ok {
				subject = fmt.Sprintf("%d items", len(todos))
			}
		}

		msg := "Tasks: " + action
		if subject != "" {
			msg += " " + Truncate(subject, maxDetailLen)
		}
		return Event{
			Kind:    KindTaskUpdate,
			Message: msg,
			Task:    &TaskUpdate{Action: action, Subject: subject},
		}
	}
}

func askUser(args map[string]any) Event {
	var questions []Question

	raw, _ := args["questions"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := Question{
			Header: firstString(m, "header"),
			Text:   firstString(m, "question", "text", "prompt"),
		}
		if multi, ok := m["multiSelect"].(bool); ok {
			q.MultiSelect = multi
		}
		opts, _ := m["options"].([]any)
		for _, o := range opts {
			switch v := o.(type) {
			case string:
				q.Options = append(q.Options, Option{Label: v})
			case map[string]any:
				if label := firstString(v, "label", "value"); label != "" {
					q.Options = append(q.Options, Option{Label: label, Description: firstString(v, "description")})
				}
			}
		}
		if q.Text != "" || len(q.Options) > 0 {
			questions = append(questions, q)
		}
	}

	// Single-question shape used by some CLIs.
	if len(questions) == 0 {
		if text := firstString(args, "question", "prompt"); text != "" {
			questions = append(questions, Question{Text: text})
		}
	}

	msg := "Waiting for your input"
	if len(questions) > 0 && questions[0].Text != "" {
		msg = questions[0].Text
	}
	return Event{Kind: KindUserInput, Message: msg, Questions: questions}
}

// firstString returns the first non-empty string value among keys. String
// slices are joined with ", ".
func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case []any:
			var parts []string
			for _, p := range v {
				if s, ok := p.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ", ")
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	i := 0
	for j := range s {
		if i >= n {
			return s[:j] + "..."
		}
		i++
	}
	return s
}
