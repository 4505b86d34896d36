package auction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/floroz/gavel-auctions/pkg/events"
)

// memStore is an in-memory stand-in for Postgres. It implements every repository the
// service needs plus the transaction manager. Row locks are one-slot channels per
// auction, and writes are buffered in the transaction until Commit.
type memStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]Listing
	auctions map[uuid.UUID]Auction
	bids     []Bid
	events   []*events.OutboxEvent
	locks    map[uuid.UUID]chan struct{}

	lockWait  time.Duration
	failLocks int
	lockCalls int
	pingErrs  []error
	pings     int
}

func newMemStore() *memStore {
	return &memStore{
		listings: make(map[uuid.UUID]Listing),
		auctions: make(map[uuid.UUID]Auction),
		locks:    make(map[uuid.UUID]chan struct{}),
		lockWait: 2 * time.Second,
	}
}

var errLockTimeout = &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}

type bidState struct {
	winning bool
	status  BidStatus
}

type memTx struct {
	pgx.Tx
	store    *memStore
	held     []uuid.UUID
	auctions map[uuid.UUID]Auction
	newBids  []Bid
	bidState map[uuid.UUID]bidState
	events   []*events.OutboxEvent
	done     bool
}

func asMemTx(tx pgx.Tx) *memTx {
	return tx.(*memTx)
}

func (s *memStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return &memTx{
		store:    s,
		auctions: make(map[uuid.UUID]Auction),
		bidState: make(map[uuid.UUID]bidState),
	}, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range t.auctions {
		s.auctions[id] = a
	}
	for i := range s.bids {
		if st, ok := t.bidState[s.bids[i].ID]; ok {
			s.bids[i].Winning = st.winning
			s.bids[i].Status = st.status
		}
	}
	s.bids = append(s.bids, t.newBids...)
	s.events = append(s.events, t.events...)

	// the partial unique index on bids(auction_id) WHERE winning
	winning := make(map[uuid.UUID]int)
	for _, b := range s.bids {
		if b.Winning {
			winning[b.AuctionID]++
			if winning[b.AuctionID] > 1 {
				return fmt.Errorf("duplicate winning bid for auction %s", b.AuctionID)
			}
		}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.done = true
	for _, id := range t.held {
		<-t.store.lockFor(id)
	}
	t.held = nil
}

func (t *memTx) holds(id uuid.UUID) bool {
	return slices.Contains(t.held, id)
}

func (s *memStore) lockFor(id uuid.UUID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

// Ping implements Pinger. Queued errors are returned first.
func (s *memStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if len(s.pingErrs) > 0 {
		err := s.pingErrs[0]
		s.pingErrs = s.pingErrs[1:]
		return err
	}
	return nil
}

// ListingRepository

func (s *memStore) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

// AuctionRepository

func (s *memStore) CreateAuction(ctx context.Context, tx pgx.Tx, a *Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[a.ID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.auctions[a.ID]; ok {
		return ErrAuctionExists
	}
	asMemTx(tx).auctions[a.ID] = *a
	return nil
}

func (s *memStore) GetAuctionByID(ctx context.Context, id uuid.UUID) (*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *memStore) GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Auction, error) {
	t := asMemTx(tx)

	s.mu.Lock()
	s.lockCalls++
	if s.failLocks > 0 {
		s.failLocks--
		s.mu.Unlock()
		return nil, errLockTimeout
	}
	_, exists := s.auctions[id]
	s.mu.Unlock()
	if !exists {
		return nil, ErrNotFound
	}

	if !t.holds(id) {
		timer := time.NewTimer(s.lockWait)
		defer timer.Stop()
		select {
		case s.lockFor(id) <- struct{}{}:
			t.held = append(t.held, id)
		case <-timer.C:
			return nil, errLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a, ok := t.auctions[id]; ok {
		return &a, nil
	}
	return s.GetAuctionByID(ctx, id)
}

func (s *memStore) UpdateAuction(ctx context.Context, tx pgx.Tx, a *Auction) error {
	t := asMemTx(tx)
	if !t.holds(a.ID) {
		return fmt.Errorf("auction %s updated without holding its row lock", a.ID)
	}
	t.auctions[a.ID] = *a
	return nil
}

func (s *memStore) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.listDue(StatusScheduled, now, limit, func(a Auction) time.Time { return a.StartTime })
}

func (s *memStore) ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.listDue(StatusActive, now, limit, func(a Auction) time.Time { return a.EndTime })
}

func (s *memStore) listDue(status Status, now time.Time, limit int, at func(Auction) time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Auction
	for _, a := range s.auctions {
		if a.Status == status && !at(a).After(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return at(due[i]).Before(at(due[j])) })

	ids := make([]uuid.UUID, 0, len(due))
	for _, a := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// BidRepository

func (s *memStore) SaveBid(ctx context.Context, tx pgx.Tx, bid *Bid) error {
	t := asMemTx(tx)
	t.newBids = append(t.newBids, *bid)
	return nil
}

// txBids is the ledger of one auction as seen from inside the transaction
func (t *memTx) txBids(auctionID uuid.UUID) []Bid {
	s := t.store
	s.mu.Lock()
	var view []Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			view = append(view, b)
		}
	}
	s.mu.Unlock()

	for _, b := range t.newBids {
		if b.AuctionID == auctionID {
			view = append(view, b)
		}
	}
	for i := range view {
		if st, ok := t.bidState[view[i].ID]; ok {
			view[i].Winning = st.winning
			view[i].Status = st.status
		}
	}
	return view
}

func (s *memStore) GetWinningBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Bid, error) {
	var winner *Bid
	for _, b := range asMemTx(tx).txBids(auctionID) {
		if !b.Winning {
			continue
		}
		if winner != nil {
			return nil, errors.New("more than one winning bid")
		}
		b := b
		winner = &b
	}
	return winner, nil
}

func (s *memStore) UpdateBidState(ctx context.Context, tx pgx.Tx, bidID uuid.UUID, winning bool, status BidStatus) error {
	t := asMemTx(tx)
	for i := range t.newBids {
		if t.newBids[i].ID == bidID {
			t.newBids[i].Winning = winning
			t.newBids[i].Status = status
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids {
		if b.ID == bidID {
			t.bidState[bidID] = bidState{winning: winning, status: status}
			return nil
		}
	}
	return fmt.Errorf("bid %s not found", bidID)
}

func (s *memStore) GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.Winning {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Bid
	for i := len(s.bids) - 1; i >= 0; i-- {
		if s.bids[i].AuctionID == auctionID {
			b := s.bids[i]
			result = append(result, &b)
		}
	}
	return result, nil
}

// OutboxRepository

func (s *memStore) SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error {
	t := asMemTx(tx)
	t.events = append(t.events, event)
	return nil
}

// test helpers

func (s *memStore) addListing(owner uuid.UUID, mode ListingMode) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.listings[id] = Listing{ID: id, OwnerID: owner, Title: "Vintage camera", Mode: mode}
	return id
}

// addAuction seeds an auction on a new auction-mode listing owned by owner
func (s *memStore) addAuction(owner uuid.UUID, a Auction) uuid.UUID {
	id := s.addListing(owner, ListingModeAuction)
	a.ID = id
	if a.CurrentBid == 0 {
		a.CurrentBid = a.StartingBid
	}
	s.mu.Lock()
	s.auctions[id] = a
	s.mu.Unlock()
	return id
}

func (s *memStore) auction(id uuid.UUID) Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auctions[id]
}

func (s *memStore) bidsOf(auctionID uuid.UUID) []Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			result = append(result, b)
		}
	}
	return result
}

func (s *memStore) eventTypes(auctionID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.events {
		if e.AggregateID == auctionID {
			types = append(types, e.EventType)
		}
	}
	return types
}

func (s *memStore) eventsOf(auctionID uuid.UUID) []*events.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*events.OutboxEvent
	for _, e := range s.events {
		if e.AggregateID == auctionID {
			result = append(result, e)
		}
	}
	return result
}

func (s *memStore) setFailLocks(n int) {
	s.mu.Lock()
	s.failLocks = n
	s.lockCalls = 0
	s.mu.Unlock()
}

func (s *memStore) lockAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockCalls
}

// recordingNotifier captures notifications
type recordingNotifier struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]Notification
	err  error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[uuid.UUID][]Notification)}
}

func (n *recordingNotifier) Notify(ctx context.Context, userID uuid.UUID, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent[userID] = append(n.sent[userID], msg)
	return nil
}

func (n *recordingNotifier) received(userID uuid.UUID) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent[userID])
}
