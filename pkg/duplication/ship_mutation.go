package duplication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-replication/pkg/logging"
	"github.com/dd0wney/cluso-replication/pkg/replica"
)

// shipBatch is one encoded batch awaiting transmission.
type shipBatch struct {
	req  *ShipRequest
	last replica.Decree
	size int
}

// shipMutation transmits batches to the remote cluster and reports remote
// confirmation back into the progress tracker. All wire transmission runs on
// a single sender goroutine consuming a bounded FIFO queue: batches reach the
// remote in exactly the decree order they were handed off, and ConfirmedDecree
// advances only after the remote acknowledges, so it can never pass an
// unacknowledged earlier batch. The queue bound provides backpressure: ship
// blocks while the outstanding window is full, so LastDecree can never run
// ahead of what the transport is absorbing.
//
// Each pipeline run gets a fresh queue. Batches stranded in a cancelled run's
// queue are simply dropped; resume restarts loading from the confirmed decree
// and re-ships them.
type shipMutation struct {
	dup       *Duplicator
	transport Transport
	logger    logging.Logger
	capacity  int

	mu    sync.Mutex
	queue chan *shipBatch

	wg sync.WaitGroup
}

func newShipMutation(dup *Duplicator, transport Transport, maxInFlight int, logger logging.Logger) *shipMutation {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &shipMutation{
		dup:       dup,
		transport: transport,
		logger:    logger,
		capacity:  maxInFlight,
	}
}

// start spins up the sender for one pipeline run. The previous run's sender,
// if any, is already winding down on its cancelled context and drains nothing
// further; its leftover queue is discarded along with it.
func (s *shipMutation) start(ctx context.Context) {
	q := make(chan *shipBatch, s.capacity)
	s.mu.Lock()
	s.queue = q
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sendLoop(ctx, q)
}

// ship encodes a batch and hands it to the sender. It blocks while the
// outstanding queue is full. LastDecree advances at handoff, in decree order,
// because ship is only ever called from the single pipeline loop.
func (s *shipMutation) ship(ctx context.Context, muts []*replica.Mutation) error {
	payload, checksum, err := EncodeMutations(muts)
	if err != nil {
		return fmt.Errorf("failed to encode ship batch: %w", err)
	}

	last := muts[len(muts)-1].Decree
	b := &shipBatch{
		req: &ShipRequest{
			BatchID:       uuid.NewString(),
			Dupid:         s.dup.ID(),
			Gpid:          s.dup.gpid(),
			RemoteCluster: s.dup.RemoteCluster(),
			StartDecree:   muts[0].Decree,
			LastDecree:    last,
			MutationCount: len(muts),
			Payload:       payload,
			Checksum:      checksum,
		},
		last: last,
		size: len(payload),
	}

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()

	select {
	case q <- b:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.dup.updateProgress(Progress{
		LastDecree:      last,
		ConfirmedDecree: replica.InvalidDecree,
	})
	return nil
}

// sendLoop transmits queued batches one at a time, strictly FIFO. It exits
// when the run is cancelled; a batch abandoned mid-transmit is re-shipped by
// the next run.
func (s *shipMutation) sendLoop(ctx context.Context, q chan *shipBatch) {
	defer s.wg.Done()

	for {
		select {
		case b := <-q:
			if !s.transmit(ctx, b) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// transmit sends one batch, retrying transient failures with backoff, and
// advances ConfirmedDecree on acknowledgment. Returns false when the run was
// cancelled before the remote acknowledged. A send that succeeds always
// updates progress, even if the pause arrived mid-flight.
func (s *shipMutation) transmit(ctx context.Context, b *shipBatch) bool {
	backoff := s.dup.cfg.RetryBaseDelay
	for {
		_, err := s.transport.Ship(ctx, b.req)
		if err == nil {
			s.dup.updateProgress(Progress{
				LastDecree:      replica.InvalidDecree,
				ConfirmedDecree: b.last,
			})
			s.dup.metrics.RecordShippedBatch(b.req.Gpid.String(), b.size)
			return true
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return false
		}

		s.dup.metrics.RecordShipRetry(b.req.Gpid.String())
		s.logger.Warn("ship failed, backing off",
			logging.String("batch_id", b.req.BatchID),
			logging.Decree("last_decree", int64(b.last)),
			logging.Duration("backoff", backoff),
			logging.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > s.dup.cfg.RetryMaxDelay {
			backoff = s.dup.cfg.RetryMaxDelay
		}
	}
}

// wait blocks until every sender goroutine has finished.
func (s *shipMutation) wait() {
	s.wg.Wait()
}
