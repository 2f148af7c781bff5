package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func eurusd() model.SymbolSpecification {
	return model.SymbolSpecification{
		Symbol:       "EURUSD",
		TickSize:     d("0.001"),
		TickValue:    d("10"),
		ContractSize: d("100000"),
		Digits:       3,
	}
}

func buy(id string, open string) model.Position {
	return model.Position{
		ID:        id,
		Type:      model.PositionBuy,
		Symbol:    "EURUSD",
		OpenPrice: d(open),
		Volume:    d("1"),
	}
}

func apply(t *testing.T, s *State, p model.Packet) []model.Event {
	t.Helper()
	p.AccountID = "acc-1"
	events, err := s.Apply(p)
	require.NoError(t, err)
	return events
}

func eventTypes(events []model.Event) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// synchronize runs a full attempt with the given positions.
func synchronize(t *testing.T, s *State, syncID string, positions []model.Position) []model.Event {
	t.Helper()
	s.BeginAttempt(syncID, model.AllUpdated())

	var events []model.Event
	events = append(events, apply(t, s, model.Packet{Type: model.PacketSynchronizationStarted, SyncID: syncID, Updated: model.AllUpdated()})...)
	events = append(events, apply(t, s, model.Packet{Type: model.PacketAccountInformation, SyncID: syncID,
		AccountInformation: &model.AccountInformation{Balance: d("1000"), Currency: "USD"}})...)
	events = append(events, apply(t, s, model.Packet{Type: model.PacketSpecifications, SyncID: syncID,
		Specifications: []model.SymbolSpecification{eurusd()}})...)
	events = append(events, apply(t, s, model.Packet{Type: model.PacketPositions, SyncID: syncID, Positions: positions})...)
	events = append(events, apply(t, s, model.Packet{Type: model.PacketOrders, SyncID: syncID})...)
	events = append(events, apply(t, s, model.Packet{Type: model.PacketDealSynchronizationFinished, SyncID: syncID})...)
	return events
}

func TestState_EquityFollowsPrice(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1000")})

	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{
		{Symbol: "EURUSD", Bid: d("1.1050"), Ask: d("1.1052")},
	}})

	pos, ok := s.Position("p1")
	require.True(t, ok)
	assert.True(t, pos.Profit.Equal(d("50")), "profit = %s", pos.Profit)
	assert.True(t, pos.CurrentPrice.Equal(d("1.1050")))

	info := s.AccountInformation()
	require.NotNil(t, info)
	assert.True(t, info.Equity.Equal(d("1050")), "equity = %s", info.Equity)

	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{
		{Symbol: "EURUSD", Bid: d("1.1000"), Ask: d("1.1002")},
	}})

	info = s.AccountInformation()
	assert.True(t, info.Equity.Equal(d("1000")), "equity = %s", info.Equity)
}

func TestState_SellUsesAskAndLossTickValue(t *testing.T) {
	s := NewState("acc-1", nil)
	sell := buy("p1", "1.1000")
	sell.Type = model.PositionSell
	synchronize(t, s, "sync-1", []model.Position{sell})

	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{
		{Symbol: "EURUSD", Bid: d("1.1018"), Ask: d("1.1020"), ProfitTickValue: d("9"), LossTickValue: d("11")},
	}})

	pos, _ := s.Position("p1")
	// -(1.1020 - 1.1000) / 0.001 * 11
	assert.True(t, pos.Profit.Equal(d("-22")), "profit = %s", pos.Profit)
	assert.True(t, pos.CurrentTickValue.Equal(d("11")))
	assert.True(t, pos.CurrentPrice.Equal(d("1.1020")))
}

func TestState_ProfitRoundsHalfUp(t *testing.T) {
	spec := eurusd()
	spec.Digits = 2
	pos := buy("p1", "1.1000")
	pos.Volume = d("0.01")
	normalizePosition(&pos, &spec)

	// 0.00025 / 0.001 * 10 * 0.01 = 0.025
	ok := applyPrice(&pos, &spec, &model.SymbolPrice{Symbol: "EURUSD", Bid: d("1.10025"), Ask: d("1.1003")})
	require.True(t, ok)
	assert.Equal(t, "0.03", pos.UnrealizedProfit.StringFixed(2))
}

func TestState_RealizedProfitKept(t *testing.T) {
	s := NewState("acc-1", nil)
	pos := buy("p1", "1.1000")
	pos.Swap = d("-1.5")
	pos.Commission = d("-2")
	synchronize(t, s, "sync-1", []model.Position{pos})

	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{
		{Symbol: "EURUSD", Bid: d("1.1010"), Ask: d("1.1012")},
	}})

	got, _ := s.Position("p1")
	assert.True(t, got.RealizedProfit.Equal(d("-3.5")))
	assert.True(t, got.UnrealizedProfit.Equal(d("10")))
	assert.True(t, got.Profit.Equal(d("6.5")))
	assert.True(t, s.AccountInformation().Equity.Equal(d("1006.5")))
}

func TestNormalizePosition(t *testing.T) {
	spec := eurusd()

	tests := []struct {
		name           string
		pos            func() model.Position
		spec           *model.SymbolSpecification
		wantProfit     string
		wantRealized   string
		wantUnrealized string
	}{
		{
			name: "split derived from current price",
			pos: func() model.Position {
				p := buy("p1", "1.1000")
				p.CurrentPrice = d("1.1010")
				p.CurrentTickValue = d("10")
				p.Swap = d("-1")
				p.Profit = d("7")
				return p
			},
			spec:           &spec,
			wantProfit:     "7",
			wantRealized:   "-3",
			wantUnrealized: "10",
		},
		{
			name: "zero profit with swap is kept",
			pos: func() model.Position {
				p := buy("p1", "1.1000")
				p.CurrentPrice = d("1.1010")
				p.CurrentTickValue = d("10")
				p.Swap = d("-4")
				return p
			},
			spec:           &spec,
			wantProfit:     "0",
			wantRealized:   "-10",
			wantUnrealized: "10",
		},
		{
			name: "unknown instrument falls back to swap and commission",
			pos: func() model.Position {
				p := buy("p1", "1.1000")
				p.Swap = d("-1")
				p.Commission = d("-2")
				p.Profit = d("5")
				return p
			},
			wantProfit:     "5",
			wantRealized:   "-3",
			wantUnrealized: "8",
		},
		{
			name: "reported split wins",
			pos: func() model.Position {
				p := buy("p1", "1.1000")
				p.UnrealizedProfit = d("4")
				p.RealizedProfit = d("-1")
				p.Swap = d("-9")
				return p
			},
			spec:           &spec,
			wantProfit:     "3",
			wantRealized:   "-1",
			wantUnrealized: "4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.pos()
			normalizePosition(&p, tt.spec)
			assert.True(t, p.Profit.Equal(d(tt.wantProfit)), "profit = %s", p.Profit)
			assert.True(t, p.RealizedProfit.Equal(d(tt.wantRealized)), "realized = %s", p.RealizedProfit)
			assert.True(t, p.UnrealizedProfit.Equal(d(tt.wantUnrealized)), "unrealized = %s", p.UnrealizedProfit)
		})
	}
}

func TestState_ReportedProfitKeepsEquity(t *testing.T) {
	s := NewState("acc-1", nil)
	pos := buy("p1", "1.1000")
	pos.CurrentPrice = d("1.1010")
	pos.CurrentTickValue = d("10")
	pos.Swap = d("-2")
	synchronize(t, s, "sync-1", []model.Position{pos})

	got, _ := s.Position("p1")
	assert.True(t, got.Profit.IsZero(), "profit = %s", got.Profit)

	// Realized part survives a revaluation.
	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{
		{Symbol: "EURUSD", Bid: d("1.1010"), Ask: d("1.1012")},
	}})
	got, _ = s.Position("p1")
	assert.True(t, got.Profit.IsZero(), "profit = %s", got.Profit)
	assert.True(t, s.AccountInformation().Equity.Equal(d("1000")), "equity = %s", s.AccountInformation().Equity)
}

func TestState_MarginRecomputed(t *testing.T) {
	s := NewState("acc-1", nil)
	s.BeginAttempt("sync-1", model.AllUpdated())
	apply(t, s, model.Packet{Type: model.PacketSynchronizationStarted, SyncID: "sync-1", Updated: model.AllUpdated()})
	apply(t, s, model.Packet{Type: model.PacketSpecifications, SyncID: "sync-1", Specifications: []model.SymbolSpecification{eurusd()}})
	apply(t, s, model.Packet{Type: model.PacketAccountInformation, SyncID: "sync-1",
		AccountInformation: &model.AccountInformation{Balance: d("1000"), Leverage: d("100")}})
	apply(t, s, model.Packet{Type: model.PacketPositions, SyncID: "sync-1", Positions: []model.Position{buy("p1", "1.1000")}})
	apply(t, s, model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{{Symbol: "EURUSD", Bid: d("1.1000"), Ask: d("1.1002")}}})

	info := s.AccountInformation()
	// 1 lot * 100000 * 1.1 / 100
	assert.True(t, info.Margin.Equal(d("1100")), "margin = %s", info.Margin)
	assert.True(t, info.FreeMargin.Equal(d("-100")), "free margin = %s", info.FreeMargin)
	assert.Equal(t, "90.91", info.MarginLevel.StringFixed(2))
}

func TestState_SubstreamFlags(t *testing.T) {
	s := NewState("acc-1", nil)
	events := synchronize(t, s, "sync-1", nil)

	var completed []model.Substream
	for _, ev := range events {
		if ev.Type == model.EventSubstreamSynchronized {
			completed = append(completed, ev.Substream)
		}
	}
	assert.ElementsMatch(t, model.Substreams, completed)
	assert.Equal(t, model.EventSynchronized, events[len(events)-1].Type)
	assert.True(t, s.Synchronized())

	// End-markers are idempotent within an attempt.
	again := apply(t, s, model.Packet{Type: model.PacketDealSynchronizationFinished, SyncID: "sync-1"})
	assert.Empty(t, again)

	// A new attempt resets the per-attempt flags but keeps the data readable.
	s.BeginAttempt("sync-2", model.AllUpdated())
	assert.False(t, s.Synchronized())
	assert.False(t, s.Completed(model.SubstreamPositions))
	require.NoError(t, s.WaitSynchronized(context.Background(), 0, model.SubstreamPositions))
}

func TestState_UnchangedSubstreamsCompleteWithAccountInformation(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1000")})

	s.BeginAttempt("sync-2", model.AllUpdated())
	apply(t, s, model.Packet{Type: model.PacketSynchronizationStarted, SyncID: "sync-2",
		Updated: model.UpdatedFlags{Specifications: false, Positions: false, Orders: true}})
	events := apply(t, s, model.Packet{Type: model.PacketAccountInformation, SyncID: "sync-2",
		AccountInformation: &model.AccountInformation{Balance: d("1000")}})

	assert.True(t, s.Completed(model.SubstreamPositions))
	assert.True(t, s.Completed(model.SubstreamSpecifications))
	assert.False(t, s.Completed(model.SubstreamOrders))
	assert.Contains(t, eventTypes(events), model.EventSubstreamSynchronized)

	// A replace for an unchanged substream leaves the store untouched.
	apply(t, s, model.Packet{Type: model.PacketPositions, SyncID: "sync-2"})
	_, ok := s.Position("p1")
	assert.True(t, ok)
}

func TestState_ReplaceAllPositions(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1"), buy("p2", "1.2")})

	s.BeginAttempt("sync-2", model.AllUpdated())
	apply(t, s, model.Packet{Type: model.PacketSynchronizationStarted, SyncID: "sync-2", Updated: model.AllUpdated()})
	events := apply(t, s, model.Packet{Type: model.PacketPositions, SyncID: "sync-2", Positions: []model.Position{buy("p3", "1.3")}})

	positions := s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "p3", positions[0].ID)
	assert.Equal(t, model.EventPositionsReplaced, events[0].Type)
}

func TestState_UpdatePacket(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1")})
	apply(t, s, model.Packet{Type: model.PacketOrders, Orders: []model.Order{{ID: "o1", Symbol: "EURUSD"}}})

	events, err := s.Apply(model.Packet{
		Type:               model.PacketUpdate,
		UpdatedPositions:   []model.Position{buy("p2", "1.2")},
		RemovedPositionIDs: []string{"p1"},
		CompletedOrderIDs:  []string{"o1"},
		HistoryOrders:      []model.Order{{ID: "o1", DoneTime: time.Unix(100, 0)}},
		Deals:              []model.Deal{{ID: "d1", Time: time.Unix(100, 0)}},
	})
	require.NoError(t, err)

	assert.Equal(t, []model.EventType{
		model.EventPositionUpdated,
		model.EventPositionRemoved,
		model.EventOrderCompleted,
		model.EventHistoryOrderAdded,
		model.EventDealAdded,
	}, eventTypes(events))

	_, ok := s.Position("p1")
	assert.False(t, ok)
	_, ok = s.Position("p2")
	assert.True(t, ok)
	assert.Empty(t, s.Orders())
	assert.Len(t, s.HistoryOrders(), 1)
	assert.Len(t, s.Deals(), 1)
}

func TestState_HistoryIsOrderedAndDeduplicated(t *testing.T) {
	s := NewState("acc-1", nil)

	apply(t, s, model.Packet{Type: model.PacketDeals, Deals: []model.Deal{
		{ID: "d2", Time: time.Unix(200, 0)},
		{ID: "d1", Time: time.Unix(100, 0)},
	}})
	events := apply(t, s, model.Packet{Type: model.PacketDeals, Deals: []model.Deal{
		{ID: "d2", Time: time.Unix(200, 0)},
		{ID: "d3", Time: time.Unix(300, 0)},
	}})

	assert.Len(t, events, 1)
	deals := s.Deals()
	require.Len(t, deals, 3)
	assert.Equal(t, "d1", deals[0].ID)
	assert.Equal(t, "d3", deals[2].ID)

	_, dealStart := s.HistoryStart()
	assert.Equal(t, time.Unix(300, 0), dealStart)
}

func TestState_UnknownRemovalIsDataError(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1")})

	events, err := s.Apply(model.Packet{
		Type:               model.PacketUpdate,
		UpdatedPositions:   []model.Position{buy("p2", "1.2")},
		RemovedPositionIDs: []string{"missing"},
	})

	var dataErr *DataError
	require.ErrorAs(t, err, &dataErr)
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Contains(t, dataErr.Reason, "position:missing")

	// The rest of the packet was applied.
	assert.Len(t, events, 1)
	assert.Len(t, s.Positions(), 2)
}

func TestState_MalformedPacketsRejected(t *testing.T) {
	tests := []struct {
		name   string
		packet model.Packet
	}{
		{"wrong account", model.Packet{Type: model.PacketPrices, AccountID: "other"}},
		{"unknown type", model.Packet{Type: "bogus"}},
		{"missing account information", model.Packet{Type: model.PacketAccountInformation, SyncID: "s"}},
		{"missing status", model.Packet{Type: model.PacketStatus}},
		{"position without id", model.Packet{Type: model.PacketUpdate, UpdatedPositions: []model.Position{{Symbol: "EURUSD"}}}},
		{"price without symbol", model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{{Bid: d("1")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState("acc-1", nil)
			events, err := s.Apply(tt.packet)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Empty(t, events)
			assert.Empty(t, s.Positions())
		})
	}
}

func TestState_StatusEvents(t *testing.T) {
	s := NewState("acc-1", nil)

	events := apply(t, s, model.Packet{Type: model.PacketStatus, Status: &model.Status{ConnectedToBroker: true}})
	assert.Equal(t, []model.EventType{model.EventBrokerConnectionChanged}, eventTypes(events))
	assert.True(t, s.ConnectedToBroker())

	events = apply(t, s, model.Packet{Type: model.PacketStatus, Status: &model.Status{ConnectedToBroker: true}})
	assert.Empty(t, events)

	apply(t, s, model.Packet{Type: model.PacketAuthenticated})
	assert.True(t, s.Connected())
	apply(t, s, model.Packet{Type: model.PacketDisconnected})
	assert.False(t, s.Connected())
	assert.False(t, s.ConnectedToBroker())
}

func TestState_SpecificationsRealtimeUpsert(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", nil)

	gbp := model.SymbolSpecification{Symbol: "GBPUSD", TickSize: d("0.00001"), Digits: 5}
	apply(t, s, model.Packet{Type: model.PacketSpecifications, Specifications: []model.SymbolSpecification{gbp}})
	assert.Len(t, s.Specifications(), 2)

	apply(t, s, model.Packet{Type: model.PacketSpecifications, RemovedSymbols: []string{"EURUSD"}})
	_, ok := s.Specification("EURUSD")
	assert.False(t, ok)
}

func TestState_WaitTimesOut(t *testing.T) {
	s := NewState("acc-1", nil)

	_, err := s.WaitPositions(context.Background(), 0)
	assert.ErrorIs(t, err, ErrTimeout)

	start := time.Now()
	_, err = s.WaitPositions(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestState_WaitUnblocksOnSynchronization(t *testing.T) {
	s := NewState("acc-1", nil)

	result := make(chan error, 1)
	go func() {
		_, err := s.WaitPositions(context.Background(), 2*time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1")})

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitPositions did not return")
	}
}

func TestState_WaitPriceAndSpecification(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", nil)

	_, err := s.WaitSpecification(context.Background(), "XAUUSD", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	spec, err := s.WaitSpecification(context.Background(), "EURUSD", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(3), spec.Digits)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Apply(model.Packet{Type: model.PacketPrices, Prices: []model.SymbolPrice{{Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1")}}})
	}()
	price, err := s.WaitPrice(context.Background(), "EURUSD", time.Second)
	require.NoError(t, err)
	assert.True(t, price.Bid.Equal(d("1.1")))
}

func TestState_WaitRespectsContext(t *testing.T) {
	s := NewState("acc-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WaitSynchronized(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_SnapshotIsCopy(t *testing.T) {
	s := NewState("acc-1", nil)
	synchronize(t, s, "sync-1", []model.Position{buy("p1", "1.1")})

	snap := s.Snapshot()
	require.Len(t, snap.Positions, 1)
	snap.Positions[0].Symbol = "changed"
	snap.AccountInformation.Balance = d("0")

	pos, _ := s.Position("p1")
	assert.Equal(t, "EURUSD", pos.Symbol)
	assert.True(t, s.AccountInformation().Balance.Equal(d("1000")))
	assert.True(t, snap.Synchronized)
	assert.Equal(t, "sync-1", snap.SyncID)
}
