// Package mock provides a scripted backend for tests. Each invocation runs a
// POSIX shell script whose stdout uses a small JSON line format:
//
//	{"type":"init","id":"conv-1"}
//	{"type":"tool","name":"Bash","input":{"command":"ls"}}
//	{"type":"text","text":"partial"}
//	{"type":"result","text":"final"}
package mock

import (
	"encoding/json"
	"sync"

	"github.com/zette-dev/tether/internal/executor"
)

// Call records one invocation built by the backend.
type Call struct {
	Resume  bool
	Request executor.Request
}

// Backend is a test double that runs shell scripts.
type Backend struct {
	// Script returns the shell script for a call. When nil, the backend
	// prints a fixed "mock response" result.
	Script func(call Call) string

	// Path overrides the shell executable.
	Path string

	tools *executor.Tools

	mu    sync.Mutex
	calls []Call
}

func New() *Backend {
	return &Backend{tools: executor.DefaultTools()}
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) NewConversation(req executor.Request) executor.Invocation {
	return b.invocation(Call{Request: req})
}

func (b *Backend) Resume(req executor.Request) executor.Invocation {
	return b.invocation(Call{Resume: true, Request: req})
}

// Calls returns every call built so far.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *Backend) invocation(call Call) executor.Invocation {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()

	script := `printf '{"type":"result","text":"mock response"}\n'`
	if b.Script != nil {
		script = b.Script(call)
	}
	path := "/bin/sh"
	if b.Path != "" {
		path = b.Path
	}
	return executor.Invocation{
		Path:  path,
		Args:  []string{"-c", script},
		Dir:   call.Request.WorkDir,
		Input: call.Request.Message,
	}
}

type record struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Text  string         `json:"text"`
	Input map[string]any `json:"input"`
}

func (b *Backend) ParseLine(line []byte, acc string) executor.Parsed {
	out := executor.Parsed{Text: acc}

	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return out
	}

	switch r.Type {
	case "init":
		out.ConversationID = r.ID
	case "text":
		out.Text = acc + r.Text
	case "tool":
		evt := b.tools.Event(r.Name, r.Input)
		out.Event = &evt
	case "result":
		out.Text = r.Text
		out.Event = &executor.Event{Kind: executor.KindResult}
	}
	return out
}

var _ executor.Backend = (*Backend)(nil)
