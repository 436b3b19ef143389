package duplication

import (
	"fmt"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Status is a duplication task's coordinator-directed state. START and PAUSE
// are the only statuses a replica ever accepts; anything else is a contract
// violation.
type Status string

const (
	StatusStart Status = "START"
	StatusPause Status = "PAUSE"
)

// Entry is the coordinator's description of one duplication task: where to
// ship, whether to run, and the confirmed decree per partition index.
type Entry struct {
	Dupid         int32                    `json:"dupid" validate:"required,min=1"`
	RemoteCluster string                   `json:"remote_cluster" validate:"required"`
	Status        Status                   `json:"status"`
	Progress      map[int32]replica.Decree `json:"progress"`
}

// Validate rejects any inbound status other than START or PAUSE.
func (e *Entry) Validate() error {
	switch e.Status {
	case StatusStart, StatusPause:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDuplicationStatus, e.Status)
	}
	if e.Dupid <= 0 {
		return fmt.Errorf("duplication entry has invalid dupid %d", e.Dupid)
	}
	if e.RemoteCluster == "" {
		return fmt.Errorf("duplication entry %d has empty remote cluster", e.Dupid)
	}
	return nil
}

// progressFor returns the confirmed decree the coordinator persisted for the
// given partition index. The coordinator always supplies progress for
// partitions it instructs to duplicate; absence is a contract violation.
func (e *Entry) progressFor(partitionIndex int32) (replica.Decree, error) {
	d, ok := e.Progress[partitionIndex]
	if !ok {
		return replica.InvalidDecree, fmt.Errorf("%w: dupid %d, partition %d",
			ErrMissingProgressEntry, e.Dupid, partitionIndex)
	}
	return d, nil
}
