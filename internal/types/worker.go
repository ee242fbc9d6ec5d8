package types

import "time"

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerIdle         WorkerStatus = "idle"
	WorkerStarting     WorkerStatus = "starting"
	WorkerRunning      WorkerStatus = "running"
	WorkerWaitingInput WorkerStatus = "waiting_input"
	WorkerPaused       WorkerStatus = "paused"
	WorkerCompleted    WorkerStatus = "completed"
	WorkerFailed       WorkerStatus = "failed"
)

// Terminal reports whether the status is final. A terminal worker accepts
// no further mutation.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// Active reports whether the worker counts against its account's
// concurrency limit. waiting_input still occupies a host slot.
func (s WorkerStatus) Active() bool {
	return !s.Terminal()
}

// MaxMilestones bounds the milestone ring kept per worker.
const MaxMilestones = 20

// Milestone is a short progress marker emitted by a running session
type Milestone struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Worker represents one execution attempt of a task by one account on one host
type Worker struct {
	WorkerID           string       `json:"workerId"`
	TaskID             string       `json:"taskId,omitempty"`
	WorkspaceID        string       `json:"workspaceId"`
	AccountID          string       `json:"accountId"`
	HostURL            string       `json:"hostUrl,omitempty"`
	Branch             string       `json:"branch,omitempty"`
	Status             WorkerStatus `json:"status"`
	WaitingFor         string       `json:"waitingFor,omitempty"`
	CostUSD            float64      `json:"costUsd"`
	Tokens             int          `json:"tokens"`
	Milestones         []Milestone  `json:"milestones,omitempty"`
	LocalURL           string       `json:"localUrl,omitempty"`
	Action             string       `json:"action,omitempty"`
	Error              string       `json:"error,omitempty"`
	PendingInstruction string       `json:"pendingInstruction,omitempty"`
	InstructionHistory []string     `json:"instructionHistory,omitempty"`
	StartedAt          time.Time    `json:"startedAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// AppendMilestone appends to the bounded milestone ring, dropping the
// oldest entry once the cap is reached.
func (w *Worker) AppendMilestone(m Milestone) {
	w.Milestones = append(w.Milestones, m)
	if len(w.Milestones) > MaxMilestones {
		w.Milestones = w.Milestones[len(w.Milestones)-MaxMilestones:]
	}
}
