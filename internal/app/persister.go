package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"liveroom/internal/domain"
)

// PersisterConfig controls the async write queue.
type PersisterConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c PersisterConfig) withDefaults() PersisterConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

type persistJob struct {
	kind          string
	roomID        string
	participantID string
	event         domain.ScoreEvent
	snapshot      domain.RoomSnapshot
}

// Persister drains score events and snapshots into a PersistenceGateway off the room goroutines.
// Failed writes are retried with exponential backoff up to MaxAttempts and then logged; the
// in-memory state stays authoritative either way.
type Persister struct {
	gw   PersistenceGateway
	cfg  PersisterConfig
	jobs chan persistJob
	log  *slog.Logger
}

func NewPersister(gw PersistenceGateway, cfg PersisterConfig, log *slog.Logger) *Persister {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Persister{
		gw:   gw,
		cfg:  cfg,
		jobs: make(chan persistJob, cfg.QueueSize),
		log:  log,
	}
}

// RecordScore queues a score event. It never blocks; a full queue drops the job with a warning.
func (p *Persister) RecordScore(roomID, participantID string, event domain.ScoreEvent) {
	p.enqueue(persistJob{kind: "score_event", roomID: roomID, participantID: participantID, event: event})
}

// RecordSnapshot queues a room snapshot.
func (p *Persister) RecordSnapshot(roomID string, snapshot domain.RoomSnapshot) {
	p.enqueue(persistJob{kind: "snapshot", roomID: roomID, snapshot: snapshot})
}

func (p *Persister) enqueue(job persistJob) {
	select {
	case p.jobs <- job:
	default:
		p.log.Warn("persistence queue full, dropping write", slog.String("kind", job.kind), slog.String("room", job.roomID))
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued at that point get
// one more attempt each within drainTimeout.
func (p *Persister) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case job := <-p.jobs:
					p.write(ctx, job)
				case <-ctx.Done():
					p.drain(ctx)
					return nil
				}
			}
		})
	}
	return g.Wait()
}

const drainTimeout = 2 * time.Second

func (p *Persister) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case job := <-p.jobs:
			if err := p.apply(ctx, job); err != nil {
				p.log.Warn("persistence write lost at shutdown", slog.String("kind", job.kind), slog.String("room", job.roomID), slog.Any("err", err))
			}
		default:
			return
		}
	}
}

func (p *Persister) apply(ctx context.Context, job persistJob) error {
	switch job.kind {
	case "score_event":
		return p.gw.AppendScoreEvent(ctx, job.roomID, job.participantID, job.event)
	default:
		return p.gw.SnapshotRoom(ctx, job.roomID, job.snapshot)
	}
}

func (p *Persister) write(ctx context.Context, job persistJob) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return p.apply(ctx, job)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		p.log.Warn("persistence write failed, keeping in-memory state",
			slog.String("kind", job.kind),
			slog.String("room", job.roomID),
			slog.Int("attempts", attempts),
			slog.Any("err", err),
		)
	}
}
