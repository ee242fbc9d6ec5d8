package types

// CommandAction is a control verb relayed to a running worker
type CommandAction string

const (
	CommandPause   CommandAction = "pause"
	CommandResume  CommandAction = "resume"
	CommandAbort   CommandAction = "abort"
	CommandMessage CommandAction = "message"
)

// Command is a control message pushed to the host running a specific
// worker. Delivery is at-least-once; receivers treat abort as idempotent
// and message as additive.
type Command struct {
	WorkerID string        `json:"workerId"`
	Action   CommandAction `json:"action"`
	Text     string        `json:"text,omitempty"`
}

// Valid reports whether the action is one of the known verbs.
func (a CommandAction) Valid() bool {
	switch a {
	case CommandPause, CommandResume, CommandAbort, CommandMessage:
		return true
	}
	return false
}
