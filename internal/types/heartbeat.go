package types

import "time"

// LivenessWindow is how long a heartbeat counts as proof of life. A host
// that has not announced itself within this window contributes zero
// capacity to claim eligibility.
const LivenessWindow = 2 * time.Minute

// Heartbeat is one host's liveness and capacity announcement for one
// account, keyed by (accountId, hostUrl).
type Heartbeat struct {
	AccountID       string    `json:"accountId"`
	HostURL         string    `json:"hostUrl"`
	WorkspaceIDs    []string  `json:"workspaceIds,omitempty"`
	MaxWorkers      int       `json:"maxWorkers"`
	ActiveWorkers   int       `json:"activeWorkers"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Live reports whether the heartbeat is within the liveness window.
func (h Heartbeat) Live(now time.Time) bool {
	return now.Sub(h.LastHeartbeatAt) <= LivenessWindow
}

// SpareCapacity returns the number of additional workers the host says it
// can take.
func (h Heartbeat) SpareCapacity() int {
	spare := h.MaxWorkers - h.ActiveWorkers
	if spare < 0 {
		return 0
	}
	return spare
}
