package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Errors
var (
	ErrTimeout   = errors.New("timed out waiting for terminal data")
	ErrNotFound  = errors.New("not found")
	ErrMalformed = errors.New("malformed packet")
)

// DataError describes a packet the store refused or could only partly apply.
type DataError struct {
	AccountID string
	SyncID    string
	Type      model.PacketType
	Reason    string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s packet for account %s: %s", e.Type, e.AccountID, e.Reason)
}

func (e *DataError) Unwrap() error { return ErrMalformed }

// State is the local mirror of one account's terminal.
//
// Packets are applied by a single pipeline goroutine; reads may happen from
// any goroutine and always return copies.
type State struct {
	accountID string
	logger    *slog.Logger

	mu                sync.RWMutex
	connected         bool
	connectedToBroker bool
	accountInfo       *model.AccountInformation
	positions         map[string]*model.Position
	orders            map[string]*model.Order
	specs             map[string]*model.SymbolSpecification
	prices            map[string]*model.SymbolPrice
	historyOrders     []model.Order
	historyOrderIDs   map[string]struct{}
	deals             []model.Deal
	dealIDs           map[string]struct{}

	// Per attempt
	syncID            string
	updated           model.UpdatedFlags
	completed         map[model.Substream]bool
	historyOrdersDone bool

	// Monotonic per account
	everSynced map[model.Substream]bool

	// Closed and replaced on every change
	changed chan struct{}
}

// NewState creates an empty terminal state for an account.
func NewState(accountID string, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		accountID:       accountID,
		logger:          logger.With("account", accountID),
		positions:       make(map[string]*model.Position),
		orders:          make(map[string]*model.Order),
		specs:           make(map[string]*model.SymbolSpecification),
		prices:          make(map[string]*model.SymbolPrice),
		historyOrderIDs: make(map[string]struct{}),
		dealIDs:         make(map[string]struct{}),
		updated:         model.AllUpdated(),
		completed:       make(map[model.Substream]bool),
		everSynced:      make(map[model.Substream]bool),
		changed:         make(chan struct{}),
	}
}

// AccountID returns the account this state mirrors.
func (s *State) AccountID() string {
	return s.accountID
}

// BeginAttempt resets the per-attempt completion flags. Data already held is
// kept until the attempt replaces it.
func (s *State) BeginAttempt(syncID string, updated model.UpdatedFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncID = syncID
	s.updated = updated
	s.completed = make(map[model.Substream]bool)
	s.historyOrdersDone = false
	s.notify()
}

// SyncID returns the attempt the completion flags belong to.
func (s *State) SyncID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncID
}

// Completed reports whether a substream finished in the current attempt.
func (s *State) Completed(sub model.Substream) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[sub]
}

// Synchronized reports whether every substream finished in the current attempt.
func (s *State) Synchronized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allCompleted()
}

// Connected reports whether the terminal is connected to the gateway.
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ConnectedToBroker reports whether the terminal is connected to its broker.
func (s *State) ConnectedToBroker() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedToBroker
}

// AccountInformation returns a copy of the account information, or nil.
func (s *State) AccountInformation() *model.AccountInformation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accountInfo == nil {
		return nil
	}
	info := *s.accountInfo
	return &info
}

// Positions returns the open positions ordered by open time.
func (s *State) Positions() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked()
}

// Position returns one position by id.
func (s *State) Position(id string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Orders returns the pending orders ordered by placement time.
func (s *State) Orders() []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordersLocked()
}

// Order returns one pending order by id.
func (s *State) Order(id string) (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// HistoryOrders returns the historical orders log.
func (s *State) HistoryOrders() []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Order(nil), s.historyOrders...)
}

// Deals returns the deals log.
func (s *State) Deals() []model.Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Deal(nil), s.deals...)
}

// Specifications returns all known symbol specifications ordered by symbol.
func (s *State) Specifications() []model.SymbolSpecification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.specificationsLocked()
}

// Specification returns the specification of a symbol.
func (s *State) Specification(symbol string) (model.SymbolSpecification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[symbol]
	if !ok {
		return model.SymbolSpecification{}, false
	}
	return *spec, true
}

// Price returns the latest price of a symbol.
func (s *State) Price(symbol string) (model.SymbolPrice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return model.SymbolPrice{}, false
	}
	return *p, true
}

// HistoryStart returns the time of the newest history order and deal, used
// to ask the server for history after these points only.
func (s *State) HistoryStart() (orders, deals time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.historyOrders); n > 0 {
		orders = s.historyOrders[n-1].DoneTime
	}
	if n := len(s.deals); n > 0 {
		deals = s.deals[n-1].Time
	}
	return orders, deals
}

// Snapshot is a deep copy of the whole state.
type Snapshot struct {
	AccountID          string
	SyncID             string
	Connected          bool
	ConnectedToBroker  bool
	Synchronized       bool
	Completed          map[model.Substream]bool
	AccountInformation *model.AccountInformation
	Positions          []model.Position
	Orders             []model.Order
	HistoryOrders      []model.Order
	Deals              []model.Deal
	Specifications     []model.SymbolSpecification
	Prices             []model.SymbolPrice
}

// Snapshot returns a consistent copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		AccountID:         s.accountID,
		SyncID:            s.syncID,
		Connected:         s.connected,
		ConnectedToBroker: s.connectedToBroker,
		Synchronized:      s.allCompleted(),
		Completed:         make(map[model.Substream]bool, len(s.completed)),
		Positions:         s.positionsLocked(),
		Orders:            s.ordersLocked(),
		HistoryOrders:     append([]model.Order(nil), s.historyOrders...),
		Deals:             append([]model.Deal(nil), s.deals...),
		Specifications:    s.specificationsLocked(),
	}
	for k, v := range s.completed {
		snap.Completed[k] = v
	}
	if s.accountInfo != nil {
		info := *s.accountInfo
		snap.AccountInformation = &info
	}
	for _, p := range s.prices {
		snap.Prices = append(snap.Prices, *p)
	}
	sort.Slice(snap.Prices, func(i, j int) bool { return snap.Prices[i].Symbol < snap.Prices[j].Symbol })
	return snap
}

// -----------------------------------------------------------------------------
// Blocking reads
// -----------------------------------------------------------------------------

// WaitSynchronized blocks until each given substream (all of them when none
// are given) has been synchronized at least once. A zero timeout checks once.
func (s *State) WaitSynchronized(ctx context.Context, timeout time.Duration, subs ...model.Substream) error {
	if len(subs) == 0 {
		subs = model.Substreams
	}
	return s.waitFor(ctx, timeout, func() bool {
		for _, sub := range subs {
			if !s.everSynced[sub] {
				return false
			}
		}
		return true
	})
}

// WaitPositions returns the positions once they have been synchronized.
func (s *State) WaitPositions(ctx context.Context, timeout time.Duration) ([]model.Position, error) {
	if err := s.WaitSynchronized(ctx, timeout, model.SubstreamPositions); err != nil {
		return nil, err
	}
	return s.Positions(), nil
}

// WaitOrders returns the pending orders once they have been synchronized.
func (s *State) WaitOrders(ctx context.Context, timeout time.Duration) ([]model.Order, error) {
	if err := s.WaitSynchronized(ctx, timeout, model.SubstreamOrders); err != nil {
		return nil, err
	}
	return s.Orders(), nil
}

// WaitAccountInformation returns account information once it is known and
// positions are synchronized, so equity reflects open profit.
func (s *State) WaitAccountInformation(ctx context.Context, timeout time.Duration) (*model.AccountInformation, error) {
	err := s.waitFor(ctx, timeout, func() bool {
		return s.accountInfo != nil && s.everSynced[model.SubstreamPositions]
	})
	if err != nil {
		return nil, err
	}
	return s.AccountInformation(), nil
}

// WaitSpecification returns a symbol specification once specifications are synchronized.
func (s *State) WaitSpecification(ctx context.Context, symbol string, timeout time.Duration) (model.SymbolSpecification, error) {
	if err := s.WaitSynchronized(ctx, timeout, model.SubstreamSpecifications); err != nil {
		return model.SymbolSpecification{}, err
	}
	spec, ok := s.Specification(symbol)
	if !ok {
		return model.SymbolSpecification{}, fmt.Errorf("specification %s: %w", symbol, ErrNotFound)
	}
	return spec, nil
}

// WaitPrice returns the price of a symbol once one has been received.
func (s *State) WaitPrice(ctx context.Context, symbol string, timeout time.Duration) (model.SymbolPrice, error) {
	err := s.waitFor(ctx, timeout, func() bool {
		_, ok := s.prices[symbol]
		return ok
	})
	if err != nil {
		return model.SymbolPrice{}, err
	}
	p, _ := s.Price(symbol)
	return p, nil
}

// waitFor evaluates cond under the read lock until it holds.
func (s *State) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.RLock()
		ok := cond()
		changed := s.changed
		s.mu.RUnlock()

		if ok {
			return nil
		}
		if timeout <= 0 {
			return ErrTimeout
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-changed:
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers (caller holds the lock)
// -----------------------------------------------------------------------------

func (s *State) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *State) allCompleted() bool {
	if s.syncID == "" {
		return false
	}
	for _, sub := range model.Substreams {
		if !s.completed[sub] {
			return false
		}
	}
	return true
}

func (s *State) positionsLocked() []model.Position {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *State) ordersLocked() []model.Order {
	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *State) specificationsLocked() []model.SymbolSpecification {
	out := make([]model.SymbolSpecification, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, *spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
