package healthmanager

import (
	"time"
)

// NodeHealth is the outcome of the most recent probe round for one node.
type NodeHealth struct {
	Address             string
	Healthy             bool
	Reason              string
	BlockHeight         uint64
	Latency             time.Duration
	ConsecutiveFailures int
	CheckedAt           time.Time
}

// Snapshot is an immutable view of a chain's node health, produced by a
// single probe round and published atomically. Readers never see a
// partially updated round.
type Snapshot struct {
	Chain     string
	Nodes     map[string]NodeHealth
	MaxHeight uint64
	TakenAt   time.Time
}

// IsHealthy reports whether the node at the given address passed the last
// probe round. Unknown addresses are unhealthy.
func (s *Snapshot) IsHealthy(address string) bool {
	if s == nil {
		return false
	}
	n, ok := s.Nodes[address]
	return ok && n.Healthy
}

// HealthyCount returns the number of healthy nodes in the snapshot.
func (s *Snapshot) HealthyCount() int {
	if s == nil {
		return 0
	}
	count := 0
	for _, n := range s.Nodes {
		if n.Healthy {
			count++
		}
	}
	return count
}
