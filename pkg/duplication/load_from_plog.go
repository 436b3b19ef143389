package duplication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// loadFromPrivateLog re-derives a decree range from the durable log when the
// live mutation cache can no longer serve it. Scans run on the long pool so
// they never block the partition's command path.
type loadFromPrivateLog struct {
	dup     *Duplicator
	replica replica.Replica
	pool    *executor.LongPool
	batch   int
}

func newLoadFromPrivateLog(dup *Duplicator, r replica.Replica, pool *executor.LongPool, batchSize int) *loadFromPrivateLog {
	return &loadFromPrivateLog{dup: dup, replica: r, pool: pool, batch: batchSize}
}

type plogScanResult struct {
	muts []*replica.Mutation
	err  error
}

// load scans the durable log from start. A GC-truncated start decree is an
// unrecoverable data-loss condition (ErrLogGced); a decree gap inside the
// scan result is ErrMissingLogEntries. Both are fatal to the pipeline.
func (l *loadFromPrivateLog) load(ctx context.Context, start replica.Decree) ([]*replica.Mutation, error) {
	if err := l.dup.VerifyStartDecree(start); err != nil {
		return nil, err
	}

	resultCh := make(chan plogScanResult, 1)
	submitted := l.pool.Submit(func() {
		muts, err := l.replica.PrivateLog().ReadFrom(start, l.batch)
		resultCh <- plogScanResult{muts: muts, err: err}
	})
	if !submitted {
		return nil, fmt.Errorf("long pool rejected private log scan for decree %d", start)
	}

	var res plogScanResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("private log scan failed: %w", res.err)
	}
	if len(res.muts) == 0 {
		return nil, nil
	}

	// The scan must resume exactly at start and be contiguous: the start
	// decree survived GC, so any hole is lost data.
	if res.muts[0].Decree != start {
		return nil, fmt.Errorf("%w: wanted decree %d, log starts at %d",
			ErrMissingLogEntries, start, res.muts[0].Decree)
	}
	for i := 1; i < len(res.muts); i++ {
		if res.muts[i].Decree != res.muts[i-1].Decree+1 {
			return nil, fmt.Errorf("%w: gap between decree %d and %d",
				ErrMissingLogEntries, res.muts[i-1].Decree, res.muts[i].Decree)
		}
	}
	return res.muts, nil
}
