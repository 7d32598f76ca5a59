package claude

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/zette-dev/tether/internal/executor"
)

// Options configures the Claude Code backend.
type Options struct {
	Path           string // Explicit executable path; looked up when empty
	Model          string
	PermissionMode string
	ExtraArgs      []string
	Tools          *executor.Tools // Defaults to executor.DefaultTools()
}

// Backend drives the Claude Code CLI in print mode with the stream-json
// output format. Each message is a separate invocation; conversation context
// is carried by --session-id on the first call and --resume afterwards.
type Backend struct {
	path  string
	opts  Options
	tools *executor.Tools
}

// New creates a Claude Code backend.
func New(opts Options) *Backend {
	tools := opts.Tools
	if tools == nil {
		tools = executor.DefaultTools()
	}
	return &Backend{
		path:  executor.LookPath(opts.Path, "claude"),
		opts:  opts,
		tools: tools,
	}
}

func (b *Backend) Name() string { return "claude" }

// NewConversation starts a conversation pinned to req.ConversationID.
func (b *Backend) NewConversation(req executor.Request) executor.Invocation {
	return b.invocation(req, "--session-id")
}

// Resume continues the conversation req.ConversationID.
func (b *Backend) Resume(req executor.Request) executor.Invocation {
	return b.invocation(req, "--resume")
}

func (b *Backend) invocation(req executor.Request, idFlag string) executor.Invocation {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}
	if b.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", b.opts.PermissionMode)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.ConversationID != "" {
		args = append(args, idFlag, req.ConversationID)
	}
	args = append(args, b.opts.ExtraArgs...)

	return executor.Invocation{
		Path:  b.path,
		Args:  args,
		Dir:   req.WorkDir,
		Env:   executor.Environ(),
		Input: req.Message,
	}
}

var _ executor.Backend = (*Backend)(nil)

// ParseLine parses a single NDJSON line from Claude's stdout. Lines that are
// not JSON produce nothing and leave the accumulator untouched.
func (b *Backend) ParseLine(line []byte, acc string) executor.Parsed {
	out := executor.Parsed{Text: acc}

	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Debug("unparseable NDJSON line", "error", err, "line", string(line))
		return out
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			out.ConversationID = msg.SessionID
		}

	case "assistant":
		var content contentMessage
		if err := json.Unmarshal(msg.Message, &content); err != nil {
			return out
		}
		for _, block := range content.Content {
			switch block.Type {
			case "text":
				out.Text = appendText(out.Text, block.Text)
			case "tool_use":
				if out.Event == nil {
					evt := b.tools.Event(block.Name, toolArgs(block.Input))
					out.Event = &evt
				}
			case "thinking", "redacted_thinking":
				if out.Event == nil {
					out.Event = &executor.Event{Kind: executor.KindThinking, Message: "Thinking..."}
				}
			}
		}

	case "result":
		if text := resultText(msg.Result); text != "" {
			out.Text = text
		}
		out.Event = &executor.Event{Kind: executor.KindResult, Message: msg.Subtype}
	}

	return out
}

// --- stream-json protocol types ---

type streamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type contentMessage struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func toolArgs(raw json.RawMessage) map[string]any {
	var args map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

// resultText accepts both the plain string result of current CLI versions
// and the older content-block form.
func resultText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return extractText(raw)
}

func extractText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}

	var msg contentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func appendText(acc, text string) string {
	if text == "" {
		return acc
	}
	if acc == "" {
		return text
	}
	return acc + "\n\n" + text
}
