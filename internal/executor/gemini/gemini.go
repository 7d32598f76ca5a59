// Package gemini drives the Gemini CLI. Its stream-json records are loosely
// typed: the same concept shows up under different field names between CLI
// versions, so records are probed with gjson rather than decoded into fixed
// structs.
package gemini

import (
	"github.com/tidwall/gjson"

	"github.com/zette-dev/tether/internal/executor"
)

// Options configures the Gemini CLI backend.
type Options struct {
	Path         string
	Model        string
	ApprovalMode string
	ExtraArgs    []string
	Tools        *executor.Tools
}

// Backend implements executor.Backend for the Gemini CLI.
type Backend struct {
	path  string
	opts  Options
	tools *executor.Tools
}

// New creates a Gemini CLI backend.
func New(opts Options) *Backend {
	tools := opts.Tools
	if tools == nil {
		tools = executor.DefaultTools()
	}
	return &Backend{
		path:  executor.LookPath(opts.Path, "gemini"),
		opts:  opts,
		tools: tools,
	}
}

func (b *Backend) Name() string { return "gemini" }

// NewConversation lets the CLI mint its own session id, which is reported
// back through the init record.
func (b *Backend) NewConversation(req executor.Request) executor.Invocation {
	return b.invocation(req, false)
}

// Resume continues the session reported by an earlier run.
func (b *Backend) Resume(req executor.Request) executor.Invocation {
	return b.invocation(req, true)
}

func (b *Backend) invocation(req executor.Request, resume bool) executor.Invocation {
	// An empty -p forces headless mode; the message arrives on stdin and
	// is appended to it.
	args := []string{"-p", "", "--output-format", "stream-json"}
	if b.opts.Model != "" {
		args = append(args, "-m", b.opts.Model)
	}
	if b.opts.ApprovalMode != "" {
		args = append(args, "--approval-mode", b.opts.ApprovalMode)
	}
	if resume && req.ConversationID != "" {
		args = append(args, "--resume", req.ConversationID)
	}
	args = append(args, b.opts.ExtraArgs...)

	var extra []string
	if req.SystemPromptPath != "" {
		extra = append(extra, "GEMINI_SYSTEM_MD="+req.SystemPromptPath)
	}

	return executor.Invocation{
		Path:  b.path,
		Args:  args,
		Dir:   req.WorkDir,
		Env:   executor.Environ(extra...),
		Input: req.Message,
	}
}

var _ executor.Backend = (*Backend)(nil)

// ParseLine parses one line of Gemini CLI output. Lines that are not JSON
// objects are plain model output and are appended to the accumulator.
func (b *Backend) ParseLine(line []byte, acc string) executor.Parsed {
	out := executor.Parsed{Text: acc}

	if !gjson.ValidBytes(line) {
		out.Text = appendLine(acc, string(line))
		return out
	}
	rec := gjson.ParseBytes(line)
	if !rec.IsObject() {
		out.Text = appendLine(acc, string(line))
		return out
	}

	switch firstString(rec, "type", "event", "kind") {
	case "init", "session", "session_start", "thread.started":
		out.ConversationID = firstString(rec, "session_id", "sessionId", "thread_id", "id")

	case "message", "content", "text", "assistant", "agent_message":
		switch firstString(rec, "role", "author") {
		case "", "assistant", "model", "agent":
		default:
			return out
		}
		text := firstString(rec, "content", "text", "message")
		if delta := rec.Get("delta"); delta.Type == gjson.String {
			text = delta.Str
			out.Text = acc + text
		} else if delta.Bool() {
			out.Text = acc + text
		} else {
			out.Text = appendLine(acc, text)
		}

	case "tool_use", "tool_call", "function_call", "tool":
		name := firstString(rec, "tool_name", "name", "tool", "function.name")
		if name == "" {
			return out
		}
		evt := b.tools.Event(name, firstObject(rec, "parameters", "input", "args", "arguments", "function.arguments"))
		out.Event = &evt

	case "thought", "thinking", "reasoning":
		out.Event = &executor.Event{Kind: executor.KindThinking, Message: "Thinking..."}

	case "result", "final", "done", "response":
		if text := firstString(rec, "response", "result", "text", "output"); text != "" {
			out.Text = text
		}
		out.Event = &executor.Event{Kind: executor.KindResult, Message: firstString(rec, "status")}
	}

	return out
}

// firstString returns the first non-empty string found at any of paths.
func firstString(rec gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := rec.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// firstObject returns the first object found at any of paths. Arguments
// encoded as a JSON string are decoded.
func firstObject(rec gjson.Result, paths ...string) map[string]any {
	for _, p := range paths {
		v := rec.Get(p)
		switch {
		case v.IsObject():
			if m, ok := v.Value().(map[string]any); ok {
				return m
			}
		case v.Type == gjson.String && gjson.Valid(v.Str):
			if m, ok := gjson.Parse(v.Str).Value().(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func appendLine(acc, line string) string {
	if line == "" {
		return acc
	}
	if acc == "" {
		return line
	}
	return acc + "\n" + line
}
