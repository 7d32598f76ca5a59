package session

import "errors"

var (
	// ErrNoSession indicates a send to a chat that never called Create.
	ErrNoSession = errors.New("no session")

	// ErrBusy indicates a send while another send is in flight for the
	// same chat.
	ErrBusy = errors.New("session busy")
)

// Reasons passed to the ended handler.
const (
	ReasonIdleTimeout  = "idle timeout"
	ReasonHostShutdown = "host shutdown"
)
