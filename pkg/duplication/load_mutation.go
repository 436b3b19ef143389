package duplication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// loadMutation serves the next unshipped decrees from the replica's live
// mutation cache. On a cache miss (decree evicted from memory before it was
// shipped) control forks to loadFromPrivateLog.
type loadMutation struct {
	dup     *Duplicator
	replica replica.Replica
	batch   int
}

func newLoadMutation(dup *Duplicator, r replica.Replica, batchSize int) *loadMutation {
	return &loadMutation{dup: dup, replica: r, batch: batchSize}
}

// load returns up to batch mutations starting at the given decree, in decree
// order. Returns (nil, nil) when nothing new is committed yet, and
// ErrDecreeEvicted when the window no longer covers start.
func (l *loadMutation) load(ctx context.Context, start replica.Decree) ([]*replica.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	committed := l.replica.LastCommittedDecree()
	if start > committed {
		return nil, nil
	}

	cache := l.replica.MutationCache()
	min := cache.MinDecree()
	if min == replica.InvalidDecree || start < min {
		return nil, fmt.Errorf("%w: want decree %d", ErrDecreeEvicted, start)
	}

	end := committed
	if max := start + replica.Decree(l.batch) - 1; max < end {
		end = max
	}

	muts := make([]*replica.Mutation, 0, end-start+1)
	for d := start; d <= end; d++ {
		m, ok := cache.Get(d)
		if !ok {
			// A hole inside the window means the cache slid forward under us.
			return nil, fmt.Errorf("%w: decree %d missing from window", ErrDecreeEvicted, d)
		}
		muts = append(muts, m)
	}
	return muts, nil
}
