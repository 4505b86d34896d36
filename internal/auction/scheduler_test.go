package auction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/floroz/gavel-auctions/pkg/clock"
)

type mockTransitioner struct {
	mock.Mock
}

func (m *mockTransitioner) TransitionIfDue(ctx context.Context, auctionID uuid.UUID, now time.Time) (*TransitionResult, error) {
	args := m.Called(ctx, auctionID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TransitionResult), args.Error(1)
}

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, now, limit)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Error(1)
}

func (m *mockLister) ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, now, limit)
	ids, _ := args.Get(0).([]uuid.UUID)
	return ids, args.Error(1)
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockLease struct {
	mock.Mock
}

func (m *mockLease) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockLease) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLease) Holder(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// slowTransitioner blocks until the sweep context is cancelled, then takes a while to unwind
type slowTransitioner struct {
	entered  chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (s *slowTransitioner) TransitionIfDue(ctx context.Context, auctionID uuid.UUID, now time.Time) (*TransitionResult, error) {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	s.finished.Store(true)
	return nil, ctx.Err()
}

func TestScheduler_Sweep_CountsAndIsolatesFailures(t *testing.T) {
	transitioner := new(mockTransitioner)
	lister := new(mockLister)
	pinger := new(mockPinger)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	pinger.On("Ping", mock.Anything).Return(nil)
	lister.On("ListDueToStart", mock.Anything, testStart, 50).Return([]uuid.UUID{a, b}, nil)
	lister.On("ListDueToEnd", mock.Anything, testStart, 50).Return([]uuid.UUID{c}, nil)
	transitioner.On("TransitionIfDue", mock.Anything, a, testStart).Return(&TransitionResult{Started: true}, nil)
	transitioner.On("TransitionIfDue", mock.Anything, b, testStart).Return(nil, ErrConcurrencyConflict)
	transitioner.On("TransitionIfDue", mock.Anything, c, testStart).Return(&TransitionResult{Ended: true}, nil)

	s := NewScheduler(transitioner, lister, pinger,
		WithSchedulerClock(clock.NewFixed(testStart)),
		WithBatchSize(50),
	)

	report := s.Sweep(context.Background())

	assert.Equal(t, SweepReport{Started: 1, Ended: 1, Failed: 1}, report)
	transitioner.AssertExpectations(t)
	lister.AssertExpectations(t)
}

func TestScheduler_Sweep_ListErrorDoesNotStopOtherKind(t *testing.T) {
	transitioner := new(mockTransitioner)
	lister := new(mockLister)
	pinger := new(mockPinger)

	c := uuid.New()
	pinger.On("Ping", mock.Anything).Return(nil)
	lister.On("ListDueToStart", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	lister.On("ListDueToEnd", mock.Anything, mock.Anything, mock.Anything).Return([]uuid.UUID{c}, nil)
	transitioner.On("TransitionIfDue", mock.Anything, c, mock.Anything).Return(&TransitionResult{Ended: true}, nil)

	s := NewScheduler(transitioner, lister, pinger)
	report := s.Sweep(context.Background())

	assert.Equal(t, SweepReport{Ended: 1, Failed: 1}, report)
}

func TestScheduler_Sweep_Lease(t *testing.T) {
	t.Run("held elsewhere skips the sweep", func(t *testing.T) {
		lister := new(mockLister)
		pinger := new(mockPinger)
		lease := new(mockLease)
		lease.On("Acquire", mock.Anything).Return(false, nil)

		s := NewScheduler(new(mockTransitioner), lister, pinger, WithLeaderLease(lease))
		report := s.Sweep(context.Background())

		assert.True(t, report.Skipped)
		pinger.AssertNotCalled(t, "Ping", mock.Anything)
		lister.AssertNotCalled(t, "ListDueToStart", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("held elsewhere logs the holder", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		lease := new(mockLease)
		lease.On("Acquire", mock.Anything).Return(false, nil)
		lease.On("Holder", mock.Anything).Return("scheduler-2", nil).Once()

		s := NewScheduler(new(mockTransitioner), new(mockLister), new(mockPinger),
			WithLeaderLease(lease),
			WithSchedulerLogger(slog.New(zapslog.NewHandler(core))),
		)
		report := s.Sweep(context.Background())

		assert.True(t, report.Skipped)
		entries := logs.FilterMessage("Another instance holds the scheduler lease").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "scheduler-2", entries[0].ContextMap()["holder"])
		lease.AssertExpectations(t)
	})

	t.Run("lease error sweeps anyway", func(t *testing.T) {
		lister := new(mockLister)
		pinger := new(mockPinger)
		lease := new(mockLease)
		lease.On("Acquire", mock.Anything).Return(false, errors.New("redis down"))
		pinger.On("Ping", mock.Anything).Return(nil)
		lister.On("ListDueToStart", mock.Anything, mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)
		lister.On("ListDueToEnd", mock.Anything, mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)

		s := NewScheduler(new(mockTransitioner), lister, pinger, WithLeaderLease(lease))
		report := s.Sweep(context.Background())

		assert.False(t, report.Skipped)
		lister.AssertExpectations(t)
	})
}

func TestScheduler_Sweep_WaitsForDatastore(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(100, 10)
	f.clock.Advance(2 * time.Hour)

	f.store.pingErrs = []error{errors.New("dial tcp: connection refused"), errors.New("dial tcp: connection refused")}

	s := NewScheduler(f.svc, f.store, f.store,
		WithSchedulerClock(f.clock),
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
	)
	report := s.Sweep(context.Background())

	assert.Equal(t, 1, report.Ended)
	assert.Equal(t, 3, f.store.pings)
	assert.Equal(t, StatusEnded, f.store.auction(id).Status)
}

func TestScheduler_Sweep_DatastoreDownUntilCancelled(t *testing.T) {
	lister := new(mockLister)
	pinger := new(mockPinger)
	pinger.On("Ping", mock.Anything).Return(errors.New("dial tcp: connection refused"))

	s := NewScheduler(new(mockTransitioner), lister, pinger,
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report := s.Sweep(ctx)

	assert.True(t, report.Skipped)
	lister.AssertNotCalled(t, "ListDueToStart", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_Sweep_EndToEnd(t *testing.T) {
	f := newFixture(t)

	toStart := f.store.addAuction(f.owner, Auction{
		StartTime:       testStart.Add(10 * time.Minute),
		EndTime:         testStart.Add(time.Hour),
		StartingBid:     100,
		MinBidIncrement: 10,
		Status:          StatusScheduled,
	})
	toEnd := f.activeAuction(100, 10)
	_, winner, err := f.bid(toEnd, 250)
	require.NoError(t, err)
	future := f.store.addAuction(f.owner, Auction{
		StartTime:       testStart.Add(24 * time.Hour),
		EndTime:         testStart.Add(48 * time.Hour),
		StartingBid:     100,
		MinBidIncrement: 10,
		Status:          StatusScheduled,
	})

	f.clock.Advance(time.Hour)
	s := NewScheduler(f.svc, f.store, f.store, WithSchedulerClock(f.clock))

	first := s.Sweep(context.Background())
	// toStart both starts and ends: its window closed at the same instant
	assert.Equal(t, SweepReport{Started: 1, Ended: 2}, first)

	assert.Equal(t, StatusEnded, f.store.auction(toStart).Status)
	assert.Equal(t, StatusEnded, f.store.auction(toEnd).Status)
	assert.Equal(t, StatusScheduled, f.store.auction(future).Status)
	assert.Len(t, f.notifier.received(winner), 1)

	second := s.Sweep(context.Background())
	assert.Equal(t, SweepReport{}, second)
}

func TestScheduler_Run(t *testing.T) {
	f := newFixture(t)
	id := f.activeAuction(100, 10)
	f.clock.Advance(time.Hour)

	lease := new(mockLease)
	lease.On("Acquire", mock.Anything).Return(true, nil)
	lease.On("Release", mock.Anything).Return(nil).Once()

	s := NewScheduler(f.svc, f.store, f.store,
		WithSchedulerClock(f.clock),
		WithInterval(time.Hour),
		WithLeaderLease(lease),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// the first sweep runs without waiting for the interval
	assert.Eventually(t, func() bool {
		return f.store.auction(id).Status == StatusEnded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	lease.AssertExpectations(t)
}

func TestScheduler_Run_ReleasesLeaseAfterFirstSweep(t *testing.T) {
	id := uuid.New()
	transitioner := &slowTransitioner{entered: make(chan struct{})}
	lister := new(mockLister)
	pinger := new(mockPinger)
	pinger.On("Ping", mock.Anything).Return(nil)
	lister.On("ListDueToStart", mock.Anything, mock.Anything, mock.Anything).Return([]uuid.UUID{id}, nil)
	lister.On("ListDueToEnd", mock.Anything, mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)

	var sweepDoneAtRelease atomic.Bool
	lease := new(mockLease)
	lease.On("Acquire", mock.Anything).Return(true, nil)
	lease.On("Release", mock.Anything).Run(func(mock.Arguments) {
		sweepDoneAtRelease.Store(transitioner.finished.Load())
	}).Return(nil).Once()

	s := NewScheduler(transitioner, lister, pinger,
		WithSchedulerClock(clock.NewFixed(testStart)),
		WithInterval(time.Hour),
		WithLeaderLease(lease),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	select {
	case <-transitioner.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep did not start")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, sweepDoneAtRelease.Load(), "lease released while the first sweep was still running")
	lease.AssertExpectations(t)
}
