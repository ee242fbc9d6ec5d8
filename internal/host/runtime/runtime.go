// Package runtime abstracts the coding-agent session. The engine treats
// a session as an opaque process that takes a prompt, a working
// directory, and an input queue, and emits a typed event stream ending
// in exactly one result event.
package runtime

import "context"

// EventType classifies a session event
type EventType string

const (
	EventText    EventType = "text"
	EventToolUse EventType = "tool_use"
	EventResult  EventType = "result"
)

// Event is one message from a running agent session. A result event is
// always the last one on the stream.
type Event struct {
	Type    EventType
	Text    string
	Tool    string
	IsError bool
}

// SessionConfig describes one session launch.
type SessionConfig struct {
	Prompt string
	Dir    string
	Branch string
	// Input carries follow-up user turns; the runtime drains it between
	// agent turns and must honor its close signal as end of input.
	Input *MessageQueue
	// Secret, when non-empty, is the credential redeemed for this worker.
	// It is handed to the session environment and never written to disk.
	Secret string
}

// Session is a running agent session.
type Session interface {
	// Events returns the session's event stream. The channel is closed
	// after the result event, or without one if the session was
	// cancelled.
	Events() <-chan Event
}

// Runtime starts agent sessions. Cancelling the context passed to Start
// must promptly stop the session and close its event stream.
type Runtime interface {
	Start(ctx context.Context, cfg SessionConfig) (Session, error)
}
