package executor

import "time"

// Kind classifies a progress event emitted while a backend process runs.
type Kind string

const (
	KindToolUse      Kind = "tool_use"
	KindThinking     Kind = "thinking"
	KindStillWorking Kind = "still_working"
	KindPlanEnter    Kind = "plan_enter"
	KindPlanExit     Kind = "plan_exit"
	KindTaskUpdate   Kind = "task_update"
	KindUserInput    Kind = "user_input"
	KindResult       Kind = "result" // Never emitted; parsers use it internally.
)

// Event is an interim notification of subprocess activity. Events for one
// send are delivered in output order and always before its Response.
type Event struct {
	Kind    Kind
	Message string

	Questions []Question    // KindUserInput
	Task      *TaskUpdate   // KindTaskUpdate
	Elapsed   time.Duration // KindStillWorking
}

// Question is one prompt from a user-input request.
type Question struct {
	Header      string
	Text        string
	Options     []Option
	MultiSelect bool
}

// Option is a selectable answer to a Question.
type Option struct {
	Label       string
	Description string
}

// TaskUpdate describes a task list change reported by the agent.
type TaskUpdate struct {
	Action  string // create, update, list, get, write
	Subject string
}

// Response is the terminal result of one send.
type Response struct {
	Succeeded     bool
	Text          string
	FailureDetail string // Set iff !Succeeded

	// ConversationID is the id the backend reported during the run, if any.
	ConversationID string
	ExitCode       int

	// Spawned is false when the process never started.
	Spawned bool
}

// Invocation is a fully resolved subprocess command line.
type Invocation struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Input string // Written to stdin, which is then closed
}

// Request carries what a backend needs to build an invocation.
type Request struct {
	ConversationID   string
	Message          string
	SystemPrompt     string
	SystemPromptPath string
	WorkDir          string
}

// Parsed is the outcome of parsing one output line.
type Parsed struct {
	Event *Event

	// Text is the updated final-answer accumulator.
	Text string

	// ConversationID is set when the line announces the backend's own id.
	ConversationID string
}

// ParseFunc turns one output line into an optional event and the new
// accumulator value. It must never panic on malformed input.
type ParseFunc func(line []byte, acc string) Parsed

// Backend adapts one AI CLI flavor. The session manager only ever talks to
// this interface.
type Backend interface {
	// Name returns a human-readable identifier ("claude", "gemini", etc.)
	Name() string

	// NewConversation builds the invocation for the first message of a
	// conversation.
	NewConversation(req Request) Invocation

	// Resume builds the invocation for every later message.
	Resume(req Request) Invocation

	// ParseLine implements the event parser for this backend's output.
	ParseLine(line []byte, acc string) Parsed
}
