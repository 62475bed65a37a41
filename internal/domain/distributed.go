package domain

import (
	"fmt"
	"time"
)

// DistributedStatus is the lifecycle state of a cross-server raid instance.
type DistributedStatus string

const (
	DistributedWaiting   DistributedStatus = "waiting_for_participants"
	DistributedReady     DistributedStatus = "ready"
	DistributedActive    DistributedStatus = "active"
	DistributedCompleted DistributedStatus = "completed"
	DistributedFailed    DistributedStatus = "failed"
	DistributedCancelled DistributedStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s DistributedStatus) Terminal() bool {
	switch s {
	case DistributedCompleted, DistributedFailed, DistributedCancelled:
		return true
	}
	return false
}

// ParseDistributedStatus validates a stored status string.
func ParseDistributedStatus(s string) (DistributedStatus, error) {
	switch DistributedStatus(s) {
	case DistributedWaiting, DistributedReady, DistributedActive,
		DistributedCompleted, DistributedFailed, DistributedCancelled:
		return DistributedStatus(s), nil
	}
	return "", fmt.Errorf("unknown distributed status %q", s)
}

// DistributedSession is the shared view of one cross-server raid. The
// originating server owns the authoritative store rows; other servers hold
// read-mostly replicas reconciled by periodic sync.
type DistributedSession struct {
	InstanceID   string            `json:"instance_id"`
	DefinitionID string            `json:"definition_id"`
	OriginServer string            `json:"origin_server"`
	Status       DistributedStatus `json:"status"`

	// Participants are partitioned by originating server id. A participant
	// id appears under at most one server.
	Participants  map[string][]Participant `json:"participants"`
	Contributions map[string]int           `json:"contributions"`

	CreatedAt time.Time `json:"created_at"`
	StartAt   time.Time `json:"start_at,omitempty"`
}

// TotalParticipants counts roster members across all servers.
func (ds DistributedSession) TotalParticipants() int {
	n := 0
	for _, ps := range ds.Participants {
		n += len(ps)
	}
	return n
}

// ServerCount counts servers contributing at least one participant.
func (ds DistributedSession) ServerCount() int {
	n := 0
	for _, ps := range ds.Participants {
		if len(ps) > 0 {
			n++
		}
	}
	return n
}

// HasParticipant reports whether the id is present under any server.
func (ds DistributedSession) HasParticipant(id string) bool {
	for _, ps := range ds.Participants {
		for _, p := range ps {
			if p.ID == id {
				return true
			}
		}
	}
	return false
}

// QuorumMet applies the definition's distributed start requirements.
func (ds DistributedSession) QuorumMet(def ActivityDefinition) bool {
	return ds.TotalParticipants() >= def.MinParticipants && ds.ServerCount() >= def.MinServers
}
