package split

import "github.com/dd0wney/cluso-replication/pkg/replica"

// LearnedChildState is the bundle a parent produces for its child: a
// checkpoint snapshot, the tail of in-memory mutations the checkpoint does
// not cover, references to the private log files extending it, and the
// parent's last-committed decree at snapshot time. The bundle transfers from
// producer to consumer once and is not retained afterward.
//
// Apply order on the child is strict: checkpoint, then private log files,
// then the in-memory mutation tail. The checkpoint must be a strict prefix
// of what the log tail extends.
type LearnedChildState struct {
	// CheckpointPath is the snapshot handle rooted at the learn directory.
	CheckpointPath string `json:"checkpoint_path"`

	// CheckpointDecree is the highest decree the checkpoint covers.
	CheckpointDecree replica.Decree `json:"checkpoint_decree"`

	// Mutations is the ordered in-memory tail not yet in the checkpoint.
	Mutations []*replica.Mutation `json:"mutations"`

	// LogFiles references the private log segments holding decrees beyond
	// the checkpoint.
	LogFiles []string `json:"log_files"`

	// TotalBytes is the byte size of the referenced log files.
	TotalBytes uint64 `json:"total_bytes"`

	// LastCommittedDecree is the parent's committed decree at snapshot time.
	// Log replay must not apply beyond it.
	LastCommittedDecree replica.Decree `json:"last_committed_decree"`
}
