package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultQuietInterval is how long a run may go without a real event
	// before a still-working event is synthesized.
	DefaultQuietInterval = 45 * time.Second

	readBufSize = 32 * 1024
	maxStderr   = 64 * 1024

	// waitDelay bounds how long Wait lingers on output pipes held open by
	// descendants that outlive the process.
	waitDelay = time.Second
)

// Failure details for runs stopped from the outside.
const (
	DetailInterrupted = "interrupted"
	DetailTerminated  = "terminated"
)

// RunOptions tunes a single run.
type RunOptions struct {
	QuietInterval time.Duration
}

type stopReason int

const (
	stopNone stopReason = iota
	stopInterrupted
	stopTerminated
)

// Process is one running subprocess invocation. It is created by Start and
// resolves to exactly one Response.
type Process struct {
	inv   Invocation
	parse ParseFunc
	emit  func(Event)
	quiet time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.Closer
	exited bool
	reason stopReason

	// Owned by the loop goroutine.
	lines   lineBuffer
	text    string
	convID  string
	lastMsg string
	started time.Time

	stderr tailBuffer

	finishOnce sync.Once
	done       chan struct{}
	resp       Response
}

// Run starts inv and blocks until it resolves.
func Run(inv Invocation, parse ParseFunc, emit func(Event), opts RunOptions) Response {
	return Start(inv, parse, emit, opts).Wait()
}

// Start spawns inv and returns immediately. Output lines are fed to parse as
// they arrive and every resulting event is passed to emit from a single
// goroutine, in output order. A spawn failure yields a Process that is
// already resolved and emits nothing.
func Start(inv Invocation, parse ParseFunc, emit func(Event), opts RunOptions) *Process {
	if emit == nil {
		emit = func(Event) {}
	}
	quiet := opts.QuietInterval
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}

	p := &Process{
		inv:     inv,
		parse:   parse,
		emit:    emit,
		quiet:   quiet,
		started: time.Now(),
		stderr:  tailBuffer{max: maxStderr},
		done:    make(chan struct{}),
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.Stdin = strings.NewReader(inv.Input)
	cmd.Stderr = &p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.fail(fmt.Sprintf("stdout pipe: %v", err))
		return p
	}

	if err := cmd.Start(); err != nil {
		p.fail(fmt.Sprintf("start %s: %v", filepath.Base(inv.Path), err))
		return p
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdout = stdout
	p.mu.Unlock()

	slog.Debug("process started", "path", inv.Path, "pid", cmd.Process.Pid, "dir", inv.Dir)

	go p.loop(stdout)
	return p
}

// Wait blocks until the process has exited and all output has been parsed.
func (p *Process) Wait() Response {
	<-p.done
	return p.resp
}

// Done is closed once the Response is available.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Interrupt sends SIGINT to the process group, like an interactive break.
// It is a no-op once the process has exited.
func (p *Process) Interrupt() error {
	return p.signal(unix.SIGINT, stopInterrupted)
}

// Terminate kills the process group. It is a no-op once the process has
// exited.
func (p *Process) Terminate() error {
	return p.signal(unix.SIGKILL, stopTerminated)
}

func (p *Process) signal(sig unix.Signal, reason stopReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.exited {
		return nil
	}

	// Signal the leader first: it fails with ErrProcessDone once the
	// process has been reaped, so the group id is never reused blindly.
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal %s: %w", sig, err)
	}
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Debug("signal process group failed", "pid", p.cmd.Process.Pid, "error", err)
	}

	if reason > p.reason {
		p.reason = reason
	}

	// A descendant that left the group can hold stdout open forever.
	// Closing the read end ends the loop without waiting for its EOF.
	if reason == stopTerminated {
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("close stdout failed", "pid", p.cmd.Process.Pid, "error", err)
		}
	}
	return nil
}

// loop is the single goroutine that parses stdout, drives the staleness
// timer and resolves the Response.
func (p *Process) loop(stdout io.Reader) {
	chunks := make(chan []byte)
	go readChunks(stdout, chunks)

	timer := time.NewTimer(p.quiet)
	defer timer.Stop()

read:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break read
			}
			for _, line := range p.lines.write(chunk) {
				if p.handleLine(line) {
					timer.Reset(p.quiet)
				}
			}

		case <-timer.C:
			p.stillWorking()
			timer.Reset(p.quiet)
		}
	}

	if line := p.lines.flush(); len(line) > 0 {
		p.handleLine(line)
	}

	waitErr := p.cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) && p.cmd.ProcessState.Success() {
		waitErr = nil
	}
	p.resolve(waitErr)
}

// handleLine parses one line and emits its event, if any. It reports
// whether a real event was emitted.
func (p *Process) handleLine(line []byte) bool {
	parsed := p.safeParse(line)
	p.text = parsed.Text
	if parsed.ConversationID != "" {
		p.convID = parsed.ConversationID
	}

	evt := parsed.Event
	if evt == nil || evt.Kind == KindResult {
		return false
	}

	p.lastMsg = evt.Message
	p.emit(*evt)
	return true
}

func (p *Process) safeParse(line []byte) (parsed Parsed) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("parser panicked on output line", "panic", r, "line", string(line))
			parsed = Parsed{Text: p.text}
		}
	}()
	return p.parse(line, p.text)
}

func (p *Process) stillWorking() {
	elapsed := time.Since(p.started).Round(time.Second)
	msg := fmt.Sprintf("Still working... (%s elapsed)", elapsed)
	if p.lastMsg != "" {
		msg = fmt.Sprintf("Still working... (%s elapsed, last: %s)", elapsed, p.lastMsg)
	}
	p.emit(Event{Kind: KindStillWorking, Message: msg, Elapsed: elapsed})
}

func (p *Process) resolve(waitErr error) {
	p.mu.Lock()
	p.exited = true
	reason := p.reason
	p.mu.Unlock()

	resp := Response{
		Text:           strings.TrimSpace(p.text),
		ConversationID: p.convID,
		ExitCode:       p.cmd.ProcessState.ExitCode(),
		Spawned:        true,
	}

	switch {
	case reason == stopTerminated:
		resp.FailureDetail = DetailTerminated
	case waitErr == nil:
		// Also covers a CLI that handled the interrupt and exited cleanly.
		resp.Succeeded = true
	case reason == stopInterrupted:
		resp.FailureDetail = DetailInterrupted
	default:
		detail := strings.TrimSpace(p.stderr.String())
		if detail == "" {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
				detail = fmt.Sprintf("exited with status %d", exitErr.ExitCode())
			} else {
				detail = waitErr.Error()
			}
		}
		resp.FailureDetail = detail
	}

	slog.Debug("process exited",
		"pid", p.cmd.Process.Pid,
		"exit_code", resp.ExitCode,
		"succeeded", resp.Succeeded,
		"duration", time.Since(p.started).Round(time.Millisecond),
	)
	p.finish(resp)
}

func (p *Process) fail(detail string) {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	p.finish(Response{FailureDetail: detail, ExitCode: -1})
}

func (p *Process) finish(resp Response) {
	p.finishOnce.Do(func() {
		p.resp = resp
		close(p.done)
	})
}

func readChunks(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("read stdout", "error", err)
			}
			return
		}
	}
}

// lineBuffer splits a byte stream into lines, holding the incomplete
// trailing line until more data or EOF arrives.
type lineBuffer struct {
	pending []byte
}

// write appends p and returns every complete, non-blank line.
func (b *lineBuffer) write(p []byte) [][]byte {
	b.pending = append(b.pending, p...)

	var lines [][]byte
	start := 0
	for {
		i := bytes.IndexByte(b.pending[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.pending[start : start+i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		start += i + 1
	}

	if start > 0 {
		b.pending = bytes.Clone(b.pending[start:])
	}
	return lines
}

// flush returns the unterminated trailing line, if any, and resets.
func (b *lineBuffer) flush() []byte {
	line := bytes.TrimSpace(b.pending)
	b.pending = nil
	return line
}

// tailBuffer is an io.Writer keeping the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = bytes.Clone(t.buf[len(t.buf)-t.max:])
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
