package types

import "time"

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Runner restricts which kind of host may claim a task
type Runner string

const (
	RunnerAny     Runner = "any"
	RunnerUser    Runner = "user"
	RunnerService Runner = "service"
	RunnerAction  Runner = "action"
)

// Task represents one unit of agent work in the shared queue
type Task struct {
	TaskID               string     `json:"taskId"`
	WorkspaceID          string     `json:"workspaceId"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Status               TaskStatus `json:"status"`
	Priority             int        `json:"priority"`
	Runner               Runner     `json:"runner,omitempty"`
	RequiredCapabilities []string   `json:"requiredCapabilities,omitempty"`
	SecretID             string     `json:"secretId,omitempty"`
	ClaimedBy            string     `json:"claimedBy,omitempty"`
	ClaimedAt            *time.Time `json:"claimedAt,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// MatchesRunner reports whether a host of the given kind may claim the task.
func (t Task) MatchesRunner(r Runner) bool {
	if t.Runner == "" || t.Runner == RunnerAny || r == "" || r == RunnerAny {
		return true
	}
	return t.Runner == r
}

// MatchesCapabilities reports whether the given host capabilities cover
// every capability the task requires.
func (t Task) MatchesCapabilities(have []string) bool {
	if len(t.RequiredCapabilities) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range t.RequiredCapabilities {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
