package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
)

// ExecRuntime runs the agent as a subprocess. The agent binary reads the
// prompt and follow-up turns on stdin, one line each, and emits
// newline-delimited JSON events on stdout. Plain text lines that are not
// JSON are passed through as text events.
type ExecRuntime struct {
	// Command is the agent binary to launch.
	Command string
	// Args are passed before the prompt.
	Args []string
	// SecretEnv, when set, is the environment variable the redeemed
	// secret is exposed under. The secret never touches argv.
	SecretEnv string

	Logger *slog.Logger
}

type execSession struct {
	events chan Event
}

func (s *execSession) Events() <-chan Event { return s.events }

type wireEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Tool    string `json:"tool"`
	IsError bool   `json:"isError"`
}

// Start launches the agent process for one task.
func (r *ExecRuntime) Start(ctx context.Context, cfg SessionConfig) (Session, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = cfg.Dir
	if cfg.Secret != "" && r.SecretEnv != "" {
		cmd.Env = append(cmd.Environ(), r.SecretEnv+"="+cfg.Secret)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	session := &execSession{events: make(chan Event, 16)}

	go feedStdin(ctx, stdin, cfg)
	go func() {
		defer close(session.events)
		pumpEvents(stdout, session.events)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Warn("agent process exited with error", "error", err)
			session.events <- Event{Type: EventResult, Text: err.Error(), IsError: true}
		}
	}()

	return session, nil
}

// feedStdin writes the prompt and then every queued follow-up turn to
// the agent, one line each, closing stdin when the queue closes.
func feedStdin(ctx context.Context, stdin io.WriteCloser, cfg SessionConfig) {
	defer stdin.Close()

	if _, err := io.WriteString(stdin, cfg.Prompt+"\n"); err != nil {
		return
	}
	if cfg.Input == nil {
		return
	}
	for {
		msg, ok := cfg.Input.Pop(ctx)
		if !ok {
			return
		}
		if _, err := io.WriteString(stdin, msg+"\n"); err != nil {
			return
		}
	}
}

func pumpEvents(stdout io.Reader, events chan<- Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil || we.Type == "" {
			events <- Event{Type: EventText, Text: string(line)}
			continue
		}
		switch we.Type {
		case "tool_use":
			events <- Event{Type: EventToolUse, Tool: we.Tool}
		case "result":
			events <- Event{Type: EventResult, Text: we.Text, IsError: we.IsError}
		default:
			events <- Event{Type: EventText, Text: we.Text}
		}
	}
}
