package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zette-dev/tether/internal/executor"
)

const defaultImageInstruction = "Please look at this image and describe what you see."

// PromptSource provides the optional system prompt.
type PromptSource interface {
	Configured() bool
	Path() string
	Load() (string, error)
}

// Handlers receive notifications from the manager. Any of them may be nil.
// Progress is called from the process goroutine of the chat that produced
// the event; one slow chat never delays another.
type Handlers struct {
	Progress func(chatID int64, evt executor.Event)

	// Ended is called when a session ends other than by Terminate.
	Ended func(chatID int64, reason string)

	// Warning surfaces non-fatal problems such as an unreadable prompt.
	Warning func(chatID int64, msg string)
}

// Options configures a Manager.
type Options struct {
	// WorkDir resolves the working directory for a chat's subprocesses.
	WorkDir func(chatID int64) string

	QuietInterval time.Duration
	Prompt        PromptSource
}

// Manager maps chat IDs to sessions and owns their lifecycle. Its mutex is
// the single authority for every session state transition.
type Manager struct {
	backend executor.Backend
	opts    Options
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	sessions map[int64]*Session
	handlers Handlers
}

// NewManager creates a session manager for backend.
func NewManager(backend executor.Backend, opts Options) *Manager {
	return &Manager{
		backend:  backend,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[int64]*Session),
	}
}

// SetHandlers installs the notification handlers.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Create starts a session for chatID. It is idempotent: an existing session
// is returned unchanged.
func (m *Manager) Create(chatID int64) StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[chatID]; ok {
		return sess.info(m.backend.Name())
	}

	now := m.now()
	sess := &Session{
		chatID:         chatID,
		conversationID: m.newID(),
		createdAt:      now,
		lastActivity:   now,
	}
	m.sessions[chatID] = sess

	slog.Info("session created", "chat_id", chatID, "conversation_id", sess.conversationID, "backend", m.backend.Name())
	return sess.info(m.backend.Name())
}

// Exists reports whether chatID has a session.
func (m *Manager) Exists(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[chatID]
	return ok
}

// Status returns the current session state for a chat.
func (m *Manager) Status(chatID int64) StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[chatID]
	if !ok {
		return StatusInfo{ChatID: chatID, Backend: m.backend.Name()}
	}
	return sess.info(m.backend.Name())
}

// Terminate kills any in-flight process and removes the session. It
// returns false if there was no session.
func (m *Manager) Terminate(chatID int64) bool {
	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, chatID)
	proc := sess.proc
	m.mu.Unlock()

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			slog.Warn("terminate process failed", "chat_id", chatID, "error", err)
		}
	}
	slog.Info("session removed", "chat_id", chatID)
	return true
}

// Interrupt sends a graceful interrupt to the in-flight process. The session
// survives. It returns false if there is no session or nothing is running.
func (m *Manager) Interrupt(chatID int64) bool {
	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	if !ok || sess.proc == nil {
		m.mu.Unlock()
		return false
	}
	proc := sess.proc
	m.mu.Unlock()

	if err := proc.Interrupt(); err != nil {
		slog.Warn("interrupt process failed", "chat_id", chatID, "error", err)
	}
	slog.Info("session interrupted", "chat_id", chatID)
	return true
}

// Send runs one message through the backend and blocks until the process
// exits. Progress events are delivered to the Progress handler while it
// runs. Subprocess failures are reported in the Response; the error is only
// ErrNoSession or ErrBusy. Cancelling ctx terminates the process.
func (m *Manager) Send(ctx context.Context, chatID int64, text string) (executor.Response, error) {
	systemPrompt, promptErr := m.loadPrompt()
	if promptErr != nil {
		systemPrompt = ""
	}

	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	if !ok {
		m.mu.Unlock()
		return executor.Response{}, ErrNoSession
	}
	if sess.state == StateSending {
		m.mu.Unlock()
		return executor.Response{}, ErrBusy
	}

	req := executor.Request{
		ConversationID: sess.conversationID,
		Message:        text,
		SystemPrompt:   systemPrompt,
		WorkDir:        m.workDir(chatID),
	}
	if systemPrompt != "" {
		req.SystemPromptPath = m.opts.Prompt.Path()
	}

	first := !sess.started
	var inv executor.Invocation
	if first {
		inv = m.backend.NewConversation(req)
	} else {
		inv = m.backend.Resume(req)
	}

	sess.started = true
	sess.state = StateSending
	sess.lastActivity = m.now()
	sess.proc = executor.Start(inv, m.backend.ParseLine, func(evt executor.Event) {
		m.progress(sess, evt)
	}, executor.RunOptions{QuietInterval: m.opts.QuietInterval})
	proc := sess.proc
	warn := m.handlers.Warning
	m.mu.Unlock()

	slog.Info("message sent", "chat_id", chatID, "conversation_id", req.ConversationID, "resume", !first)

	if first && promptErr != nil {
		slog.Warn("system prompt unavailable, continuing without it", "chat_id", chatID, "error", promptErr)
		if warn != nil {
			warn(chatID, fmt.Sprintf("System prompt unavailable, continuing without it: %v", promptErr))
		}
	}

	select {
	case <-proc.Done():
	case <-ctx.Done():
		if err := proc.Terminate(); err != nil {
			slog.Warn("terminate process failed", "chat_id", chatID, "error", err)
		}
	}
	resp := proc.Wait()

	m.mu.Lock()
	if cur, ok := m.sessions[chatID]; ok && cur == sess {
		sess.state = StateIdle
		sess.proc = nil
		sess.lastActivity = m.now()
		if first && !resp.Spawned {
			// The backend never saw the conversation.
			sess.started = false
		}
		if resp.ConversationID != "" && resp.ConversationID != sess.conversationID {
			slog.Info("conversation id updated", "chat_id", chatID, "conversation_id", resp.ConversationID)
			sess.conversationID = resp.ConversationID
		}
	}
	m.mu.Unlock()

	if !resp.Succeeded {
		slog.Warn("message failed", "chat_id", chatID, "detail", resp.FailureDetail, "exit_code", resp.ExitCode)
	}
	return resp, nil
}

// SendImage asks the backend to look at the image at path. An empty caption
// falls back to a generic instruction.
func (m *Manager) SendImage(ctx context.Context, chatID int64, path, caption string) (executor.Response, error) {
	return m.Send(ctx, chatID, imageMessage(path, caption))
}

// Shutdown terminates every session. Sessions with a process in flight are
// reported to the Ended handler.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int64]*Session)
	ended := m.handlers.Ended
	m.mu.Unlock()

	for chatID, sess := range sessions {
		slog.Info("stopping session", "chat_id", chatID)
		if sess.proc == nil {
			continue
		}
		if err := sess.proc.Terminate(); err != nil {
			slog.Warn("terminate process failed", "chat_id", chatID, "error", err)
		}
		if ended != nil {
			ended(chatID, ReasonHostShutdown)
		}
	}
}

// removeIdle detaches every session whose last activity is before cutoff.
// A detached session is invisible to later Terminate calls and sweeps.
func (m *Manager) removeIdle(cutoff time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for chatID, sess := range m.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(m.sessions, chatID)
			expired = append(expired, sess)
		}
	}
	return expired
}

func (m *Manager) endedHandler() func(int64, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers.Ended
}

func (m *Manager) progress(sess *Session, evt executor.Event) {
	m.mu.Lock()
	if evt.Kind != executor.KindStillWorking && m.sessions[sess.chatID] == sess {
		sess.lastActivity = m.now()
	}
	h := m.handlers.Progress
	m.mu.Unlock()

	if h != nil {
		h(sess.chatID, evt)
	}
}

func (m *Manager) loadPrompt() (string, error) {
	if m.opts.Prompt == nil || !m.opts.Prompt.Configured() {
		return "", nil
	}
	return m.opts.Prompt.Load()
}

func (m *Manager) workDir(chatID int64) string {
	if m.opts.WorkDir == nil {
		return ""
	}
	return m.opts.WorkDir(chatID)
}

func imageMessage(path, caption string) string {
	instruction := strings.TrimSpace(caption)
	if instruction == "" {
		instruction = defaultImageInstruction
	}
	return fmt.Sprintf("The user sent an image, saved at %s. Read that file, then respond to this:\n\n%s", path, instruction)
}
