package bot

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zette-dev/tether/internal/executor"
	"github.com/zette-dev/tether/internal/session"
)

const maxMessageLen = 4096

// formatEvent renders a progress event as a short status line. User input
// requests list their questions and numbered options.
func formatEvent(evt executor.Event) string {
	if evt.Kind != executor.KindUserInput || len(evt.Questions) == 0 {
		return evt.Message
	}

	var b strings.Builder
	for i, q := range evt.Questions {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if q.Header != "" {
			fmt.Fprintf(&b, "[%s] ", q.Header)
		}
		b.WriteString(q.Text)
		if q.MultiSelect {
			b.WriteString(" (pick any)")
		}
		for j, opt := range q.Options {
			fmt.Fprintf(&b, "\n%d. %s", j+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&b, " - %s", opt.Description)
			}
		}
	}
	b.WriteString("\n\nReply with your answer.")
	return b.String()
}

// formatResponse renders the final outcome of a send. It returns "" when
// nothing should be posted, which is the case for a terminated send: the
// chat already got a reply from whatever killed it.
func formatResponse(resp executor.Response) string {
	if resp.Succeeded {
		if strings.TrimSpace(resp.Text) == "" {
			return "(no response)"
		}
		return resp.Text
	}

	switch resp.FailureDetail {
	case executor.DetailTerminated:
		return ""
	case executor.DetailInterrupted:
		return "Stopped."
	default:
		return "Request failed: " + resp.FailureDetail
	}
}

func formatStatus(info session.StatusInfo) string {
	if !info.Exists {
		return "No active session. Send /new to start one."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s\n", info.Backend)
	fmt.Fprintf(&b, "Conversation: %s\n", info.ConversationID)
	fmt.Fprintf(&b, "State: %s\n", info.State)
	if info.Started {
		b.WriteString("Started: yes\n")
	} else {
		b.WriteString("Started: no\n")
	}
	fmt.Fprintf(&b, "Created: %s\n", info.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last activity: %s", info.LastActivity.Format(time.RFC3339))
	return b.String()
}

// parseCommand returns the command name of a message like "/new@mybot args",
// or "" if the text is not a command.
func parseCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	name, _, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name)
}

// splitMessage breaks text into chunks of at most max runes, preferring to
// cut at a newline.
func splitMessage(text string, max int) []string {
	var parts []string
	for utf8.RuneCountInString(text) > max {
		head := truncateRunes(text, max)
		if i := strings.LastIndexByte(head, '\n'); i > len(head)/2 {
			head = head[:i+1]
		}
		parts = append(parts, head)
		text = text[len(head):]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	i := 0
	for j := range s {
		if i >= n {
			return s[:j]
		}
		i++
	}
	return s
}
