package duplication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/executor"
	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/metrics"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// Duplicator runs one duplication task for one (partition, remote cluster)
// pair. It owns the three pipeline stages exclusively; the stages hold
// non-owning back-references to it and to the underlying replica.
//
// State machine:
//
//	START -> START   no-op
//	PAUSE -> PAUSE   no-op
//	*     -> START   (re)start the pipeline from the last confirmed decree
//	*     -> PAUSE   stop scheduling; in-flight ship work finishes, not killed
//
// Any other target status is a coordinator contract violation.
type Duplicator struct {
	id            int32
	remoteCluster string
	r             replica.Replica
	cfg           Config
	logger        logging.Logger
	metrics       *metrics.Registry

	progress *progressTracker
	loadMem  *loadMutation
	loadPlog *loadFromPrivateLog
	shipper  *shipMutation

	transport Transport

	mu       sync.Mutex
	status   Status
	fatalErr error
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   bool

	timerStop chan struct{}
	timerDone chan struct{}

	// prevConfirmed feeds the increased-confirmed-decree gauge.
	prevConfirmed replica.Decree
}

// NewDuplicator builds a duplicator for the replica's partition from a
// coordinator entry. The entry must carry status START or PAUSE and a
// progress value for this partition's index; anything else is a
// configuration contract violation surfaced as an error for the owner to
// escalate. A START entry begins pipelining immediately.
func NewDuplicator(e *Entry, r replica.Replica, transport Transport, pool *executor.LongPool,
	reg *metrics.Registry, logger logging.Logger, cfg Config) (*Duplicator, error) {

	if err := e.Validate(); err != nil {
		return nil, err
	}
	confirmed, err := e.progressFor(r.GPID().PartitionIndex)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	logger = logger.With(
		logging.Component("duplicator"),
		logging.Dupid(e.Dupid),
		logging.GPID(r.GPID().String()),
		logging.Remote(e.RemoteCluster))

	d := &Duplicator{
		id:            e.Dupid,
		remoteCluster: e.RemoteCluster,
		r:             r,
		cfg:           cfg,
		logger:        logger,
		metrics:       reg,
		progress:      newProgressTracker(confirmed),
		transport:     transport,
		status:        StatusPause,
		timerStop:     make(chan struct{}),
		timerDone:     make(chan struct{}),
		prevConfirmed: confirmed,
	}
	d.loadMem = newLoadMutation(d, r, cfg.BatchSize)
	d.loadPlog = newLoadFromPrivateLog(d, r, pool, cfg.BatchSize)
	d.shipper = newShipMutation(d, transport, cfg.MaxInFlight, logger)

	go d.metricsLoop()

	if e.Status == StatusStart {
		if err := d.SetStatus(StatusStart); err != nil {
			return nil, err
		}
	}
	d.logger.Info("duplicator created",
		logging.String("status", string(e.Status)),
		logging.Decree("confirmed_decree", int64(confirmed)))
	return d, nil
}

// ID returns the coordinator-assigned duplication id.
func (d *Duplicator) ID() int32 { return d.id }

// RemoteCluster returns the target cluster address.
func (d *Duplicator) RemoteCluster() string { return d.remoteCluster }

func (d *Duplicator) gpid() replica.GPID { return d.r.GPID() }

// Progress returns a consistent snapshot of duplication progress.
func (d *Duplicator) Progress() Progress { return d.progress.Get() }

// Status returns the current lifecycle status.
func (d *Duplicator) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Err returns the error that stopped the pipeline, if any.
func (d *Duplicator) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

func (d *Duplicator) updateProgress(delta Progress) {
	d.progress.Update(delta)
}

// VerifyStartDecree checks that resuming duplication from start is still
// possible: if the private log has already garbage-collected decrees at or
// beyond start, the data is gone and the task must stop, not retry.
func (d *Duplicator) VerifyStartDecree(start replica.Decree) error {
	maxGced := d.r.PrivateLog().MaxGcedDecree(d.gpid())
	if maxGced >= start {
		return fmt.Errorf("%w: max_gced_decree(%d) >= start_decree(%d)", ErrLogGced, maxGced, start)
	}
	return nil
}

// SetStatus applies a coordinator-directed status transition. A target other
// than START or PAUSE means the coordinator and this replica have diverged;
// that contract violation panics at this boundary rather than being
// tolerated.
func (d *Duplicator) SetStatus(next Status) error {
	switch next {
	case StatusStart, StatusPause:
	default:
		panic(fmt.Sprintf("duplication: coordinator sent invalid status %q for dup %d", next, d.id))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDuplicatorClosed
	}
	if d.status == next {
		return nil
	}

	switch next {
	case StatusStart:
		d.startPipelineLocked()
	case StatusPause:
		d.pausePipelineLocked()
	}
	d.status = next
	d.logger.Info("duplication status changed", logging.String("status", string(next)))
	return nil
}

// startPipelineLocked launches the Load -> Ship -> Load loop from the last
// confirmed decree. Decrees shipped before a pause but never acknowledged
// are shipped again; the remote deduplicates by decree, and progress is
// monotonic, so re-shipping is harmless.
func (d *Duplicator) startPipelineLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.loopDone = make(chan struct{})
	d.fatalErr = nil
	d.shipper.start(ctx)
	go d.run(ctx, d.loopDone)
}

// pausePipelineLocked stops scheduling new loads. In-flight ship batches are
// allowed to finish and update progress; they are waited out only on Close.
func (d *Duplicator) pausePipelineLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// run is the pipeline loop. It serves decrees from the live mutation cache,
// forks to the durable log on a cache miss, and hands every batch to the
// shipper in strict decree order.
func (d *Duplicator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := d.progress.Get().ConfirmedDecree + 1
	for {
		if ctx.Err() != nil {
			return
		}

		muts, err := d.loadMem.load(ctx, next)
		if errors.Is(err, ErrDecreeEvicted) {
			muts, err = d.loadPlog.load(ctx, next)
		}
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return
		default:
			d.fail(err)
			return
		}

		if len(muts) == 0 {
			select {
			case <-time.After(d.cfg.IdleDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := d.shipper.ship(ctx, muts); err != nil {
			if !errors.Is(err, context.Canceled) {
				d.fail(err)
			}
			return
		}
		next = muts[len(muts)-1].Decree + 1
	}
}

// fail stops the pipeline with an unrecoverable error and makes it visible
// to the owning process. Retrying cannot help here (e.g. GC cannot be
// undone), so the task stays stopped until the coordinator intervenes.
func (d *Duplicator) fail(err error) {
	d.mu.Lock()
	d.fatalErr = err
	d.cancel = nil
	d.mu.Unlock()

	reason := "pipeline"
	if errors.Is(err, ErrLogGced) {
		reason = "log_gced"
	} else if errors.Is(err, ErrMissingLogEntries) {
		reason = "log_gap"
	}
	d.metrics.RecordDuplicationFatal(d.gpid().String(), reason)
	d.logger.Error("duplication stopped by unrecoverable error", logging.Error(err))
}

// metricsLoop periodically refreshes the pending-duplication and
// confirmed-decree-delta gauges. Purely observational; correctness never
// depends on it.
func (d *Duplicator) metricsLoop() {
	defer close(d.timerDone)
	ticker := time.NewTicker(d.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p := d.progress.Get()
			pending := int64(d.r.LastCommittedDecree() - p.ConfirmedDecree)
			if pending < 0 {
				pending = 0
			}
			increased := int64(p.ConfirmedDecree - d.prevConfirmed)
			d.prevConfirmed = p.ConfirmedDecree
			d.metrics.RecordDuplicationProgress(
				d.gpid().String(), fmt.Sprintf("%d", d.id),
				pending, int64(p.ConfirmedDecree), increased)
		case <-d.timerStop:
			return
		}
	}
}

// StatusSnapshot is the introspection view of one duplication task.
type StatusSnapshot struct {
	Dupid           int32          `json:"dupid"`
	Status          Status         `json:"status"`
	RemoteAddress   string         `json:"remote_address"`
	ConfirmedDecree replica.Decree `json:"confirmed_decree"`
	LastDecree      replica.Decree `json:"last_decree"`
	AppName         string         `json:"app_name"`
	FatalError      string         `json:"fatal_error,omitempty"`
}

// Snapshot returns the current introspection view.
func (d *Duplicator) Snapshot() StatusSnapshot {
	p := d.progress.Get()
	s := StatusSnapshot{
		Dupid:           d.id,
		Status:          d.Status(),
		RemoteAddress:   d.remoteCluster,
		ConfirmedDecree: p.ConfirmedDecree,
		LastDecree:      p.LastDecree,
		AppName:         d.r.AppInfo().AppName,
	}
	if err := d.Err(); err != nil {
		s.FatalError = err.Error()
	}
	return s
}

// Close tears the duplicator down: the metrics timer is cancelled
// synchronously, the pipeline is paused, and every in-flight stage task is
// waited out before resources are released.
func (d *Duplicator) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = StatusPause
	d.pausePipelineLocked()
	loopDone := d.loopDone
	d.mu.Unlock()

	close(d.timerStop)
	<-d.timerDone

	if loopDone != nil {
		<-loopDone
	}
	d.shipper.wait()

	err := d.transport.Close()
	d.logger.Info("duplicator closed")
	return err
}
