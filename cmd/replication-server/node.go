package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/duplication"
	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/plog"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// logReplica adapts a partition's durable private log into the replica view
// the duplication pipeline consumes. It has no live mutation cache, so every
// load forks straight to the private log scan path. This is the shape of a
// standalone shipper feeding a remote cluster from durable segments.
type logReplica struct {
	gpid replica.GPID
	app  *replica.AppInfo
	log  *plog.Log
}

func (r *logReplica) GPID() replica.GPID                  { return r.gpid }
func (r *logReplica) AppInfo() *replica.AppInfo           { return r.app }
func (r *logReplica) Ballot() replica.Ballot              { return 1 }
func (r *logReplica) Status() replica.PartitionStatus     { return replica.StatusPrimary }
func (r *logReplica) LastCommittedDecree() replica.Decree { return r.log.MaxDecree() }
func (r *logReplica) PrivateLog() replica.PrivateLog      { return r.log }
func (r *logReplica) MutationCache() replica.MutationCache {
	return emptyCache{}
}

// emptyCache is a mutation cache holding nothing, so the in-memory load stage
// always reports eviction and control falls through to the durable log.
type emptyCache struct{}

func (emptyCache) Get(replica.Decree) (*replica.Mutation, bool) { return nil, false }
func (emptyCache) MinDecree() replica.Decree                    { return replica.InvalidDecree }
func (emptyCache) MaxDecree() replica.Decree                    { return replica.InvalidDecree }

// partitionLogDir places each partition's segments under
// <dataDir>/<appID>/<appID>.<partitionIndex>.
func partitionLogDir(dataDir string, gpid replica.GPID) string {
	return filepath.Join(dataDir, fmt.Sprintf("%d", gpid.AppID), gpid.String())
}

// logApplier is the receive side of cross-cluster duplication: shipped
// mutations are made durable in this cluster's private logs. Writes for a
// partition run on its serial queue, so ordering holds even with concurrent
// inbound batches.
type logApplier struct {
	dataDir         string
	maxSegmentBytes int64
	exec            *executor.PartitionExecutor
	logger          logging.Logger

	mu   sync.Mutex
	logs map[replica.GPID]*plog.Log
}

func newLogApplier(dataDir string, maxSegmentBytes int64, exec *executor.PartitionExecutor, logger logging.Logger) *logApplier {
	return &logApplier{
		dataDir:         dataDir,
		maxSegmentBytes: maxSegmentBytes,
		exec:            exec,
		logger:          logger.With(logging.Component("log-applier")),
		logs:            make(map[replica.GPID]*plog.Log),
	}
}

func (a *logApplier) logFor(gpid replica.GPID) (*plog.Log, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.logs[gpid]; ok {
		return l, nil
	}
	l, err := plog.Open(partitionLogDir(a.dataDir, gpid), gpid, a.maxSegmentBytes)
	if err != nil {
		return nil, fmt.Errorf("open private log for %s: %w", gpid, err)
	}
	a.logs[gpid] = l
	return l, nil
}

// ApplyDuplicated implements duplication.Applier. Re-shipped batches are
// absorbed by skipping decrees at or below what is already durable; a decree
// arriving past the durable frontier is rejected, never skipped over, so the
// shipper can only confirm what is actually on disk here.
func (a *logApplier) ApplyDuplicated(gpid replica.GPID, muts []*replica.Mutation) (replica.Decree, error) {
	l, err := a.logFor(gpid)
	if err != nil {
		return replica.InvalidDecree, err
	}

	var applyErr error
	done := make(chan struct{})
	submitted := a.exec.Submit(gpid, func() {
		defer close(done)
		durable := l.MaxDecree()
		for _, m := range muts {
			if m.Decree <= durable {
				continue
			}
			if durable != replica.InvalidDecree && m.Decree != durable+1 {
				applyErr = fmt.Errorf("out-of-order decree %d: log is at %d", m.Decree, durable)
				return
			}
			if err := l.Append(m); err != nil {
				applyErr = fmt.Errorf("append decree %d: %w", m.Decree, err)
				return
			}
			durable = m.Decree
		}
	})
	if !submitted {
		return replica.InvalidDecree, fmt.Errorf("partition executor rejected apply for %s", gpid)
	}
	<-done
	if applyErr != nil {
		return replica.InvalidDecree, applyErr
	}
	return l.MaxDecree(), nil
}

// Close closes every private log opened for inbound duplication.
func (a *logApplier) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for gpid, l := range a.logs {
		if err := l.Close(); err != nil {
			a.logger.Error("failed to close private log",
				logging.GPID(gpid.String()), logging.Error(err))
		}
	}
}

// shipper is one outbound partition: its log-backed replica and the
// duplication manager driving the pipeline.
type shipper struct {
	rep *logReplica
	mgr *duplication.Manager
}

// gcLoop trims shipped decrees out of the outbound private logs. A
// partition's log may only drop what every duplication on it has confirmed.
func gcLoop(stop <-chan struct{}, interval time.Duration, shippers []*shipper, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logger.With(logging.Component("plog-gc"))

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, s := range shippers {
				min := s.mgr.MinConfirmedDecree()
				if min == replica.InvalidDecree {
					continue
				}
				removed, err := s.rep.log.GCUpTo(min)
				if err != nil {
					log.Error("private log gc failed",
						logging.GPID(s.rep.gpid.String()), logging.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("reclaimed shipped segments",
						logging.GPID(s.rep.gpid.String()),
						logging.Decree("confirmed", int64(min)),
						logging.Count(removed))
				}
			}
		}
	}
}
