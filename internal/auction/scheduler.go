package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/floroz/gavel-auctions/pkg/clock"
	"github.com/floroz/gavel-auctions/pkg/logger"
)

// Transitioner applies the due transitions of one auction
type Transitioner interface {
	TransitionIfDue(ctx context.Context, auctionID uuid.UUID, now time.Time) (*TransitionResult, error)
}

// DueAuctionLister finds auctions whose persisted status lags behind the clock
type DueAuctionLister interface {
	ListDueToStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Pinger checks datastore connectivity. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LeaderLease lets one scheduler instance sweep at a time
type LeaderLease interface {
	// Acquire takes or extends the lease and reports whether this instance holds it
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	// Holder names the instance holding the lease, "" when it is free
	Holder(ctx context.Context) (string, error)
}

// SweepReport summarizes one scheduler tick
type SweepReport struct {
	Started int
	Ended   int
	Failed  int
	Skipped bool
}

// Scheduler periodically drives due auctions through their lifecycle.
// It keeps no state between ticks: every decision comes from persisted status and times.
type Scheduler struct {
	transitioner Transitioner
	lister       DueAuctionLister
	pinger       Pinger
	lease        LeaderLease
	clock        clock.Clock
	interval     time.Duration
	batchSize    int
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithBatchSize caps how many auctions of each kind one tick processes
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.batchSize = n
	}
}

func WithLeaderLease(l LeaderLease) SchedulerOption {
	return func(s *Scheduler) {
		s.lease = l
	}
}

// WithReconnectBackoff bounds the ping interval while the datastore is unreachable
func WithReconnectBackoff(initial, maxInterval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.reconnectMin = initial
		s.reconnectMax = maxInterval
	}
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a new auction scheduler
func NewScheduler(transitioner Transitioner, lister DueAuctionLister, pinger Pinger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		transitioner: transitioner,
		lister:       lister,
		pinger:       pinger,
		clock:        clock.NewSystem(),
		interval:     30 * time.Second,
		batchSize:    100,
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then on every interval until ctx is cancelled.
// Ticks never overlap: a tick still running, or suspended waiting for the datastore,
// causes the next ones to be skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	// The first sweep goes through the wrapped job so it cannot overlap a cron tick
	first := c.Entry(id).WrappedJob

	s.logger.Info("Starting auction scheduler", "interval", s.interval, "batch_size", s.batchSize)
	c.Start()

	var firstSweep sync.WaitGroup
	firstSweep.Add(1)
	go func() {
		defer firstSweep.Done()
		first.Run()
	}()

	<-ctx.Done()

	s.logger.Info("Stopping auction scheduler")
	<-c.Stop().Done()
	firstSweep.Wait()

	if s.lease != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := s.lease.Release(releaseCtx); releaseErr != nil {
			s.logger.Warn("Failed to release scheduler lease", "error", releaseErr)
		}
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	report := s.Sweep(ctx)
	if report.Skipped {
		return
	}

	attrs := []any{
		"started", report.Started,
		"ended", report.Ended,
		"failed", report.Failed,
		"duration", time.Since(started),
	}
	if report.Started+report.Ended+report.Failed > 0 {
		s.logger.Info("Sweep finished", attrs...)
	} else {
		s.logger.Debug("Sweep finished", attrs...)
	}
}

// Sweep runs one pass over due auctions. Failures of single auctions are logged and counted.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	var report SweepReport

	if s.lease != nil {
		leader, err := s.lease.Acquire(ctx)
		switch {
		case err != nil:
			// sweeping is idempotent, a second sweeper only costs lock waits
			s.logger.Warn("Failed to acquire scheduler lease, sweeping anyway", "error", err)
		case !leader:
			if s.logger.Enabled(ctx, slog.LevelDebug) {
				holder, holderErr := s.lease.Holder(ctx)
				attrs := []any{"holder", holder}
				if holderErr != nil {
					attrs = append(attrs, "error", holderErr)
				}
				s.logger.Debug("Another instance holds the scheduler lease", attrs...)
			}
			report.Skipped = true
			return report
		}
	}

	if err := s.waitForDatastore(ctx); err != nil {
		report.Skipped = true
		return report
	}

	now := s.clock.Now()

	due, err := s.lister.ListDueToStart(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list auctions due to start", "error", err)
		report.Failed++
	}
	for _, id := range due {
		s.transition(ctx, id, now, &report)
	}

	due, err = s.lister.ListDueToEnd(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list auctions due to end", "error", err)
		report.Failed++
	}
	for _, id := range due {
		s.transition(ctx, id, now, &report)
	}

	return report
}

func (s *Scheduler) transition(ctx context.Context, id uuid.UUID, now time.Time, report *SweepReport) {
	if ctx.Err() != nil {
		return
	}

	result, err := s.transitioner.TransitionIfDue(ctx, id, now)
	if err != nil {
		s.logger.Error("Failed to transition auction", "auction_id", id, "error", err)
		report.Failed++
		return
	}
	if result.Started {
		report.Started++
	}
	if result.Ended {
		report.Ended++
	}
}

// waitForDatastore blocks until the datastore answers a ping or ctx is done
func (s *Scheduler) waitForDatastore(ctx context.Context) error {
	err := s.pinger.Ping(ctx)
	if err == nil {
		return nil
	}
	s.logger.Error("Datastore unreachable, suspending scheduler", "error", err)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnectMin
	policy.MaxInterval = s.reconnectMax
	policy.MaxElapsedTime = 0

	err = backoff.RetryNotify(func() error {
		return s.pinger.Ping(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		s.logger.Warn("Datastore still unreachable", "retry_in", wait, "error", err)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Datastore reachable again, resuming scheduler")
	return nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
