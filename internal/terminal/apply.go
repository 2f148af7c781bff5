package terminal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Apply mutates the state with one ordered packet and returns the resulting
// events in emission order.
//
// Malformed packets are rejected whole with a *DataError. Removals of
// unknown entities are skipped and reported as a *DataError after the rest
// of the packet has been applied.
func (s *State) Apply(p model.Packet) ([]model.Event, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := p.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	a := applier{s: s, p: p, at: at}

	switch p.Type {
	case model.PacketAuthenticated:
		s.connected = true
		a.emit(model.Event{Type: model.EventConnected})

	case model.PacketDisconnected:
		s.connected = false
		s.connectedToBroker = false
		a.emit(model.Event{Type: model.EventDisconnected})

	case model.PacketStatus:
		a.status()

	case model.PacketSynchronizationStarted:
		s.syncID = p.SyncID
		s.updated = p.Updated
		s.completed = make(map[model.Substream]bool)
		s.historyOrdersDone = false
		a.emit(model.Event{Type: model.EventSynchronizationStarted})

	case model.PacketAccountInformation:
		a.accountInformation(p.AccountInformation)
		// Unchanged substreams are not resent by the server.
		if p.SyncID != "" {
			if !s.updated.Positions {
				a.complete(model.SubstreamPositions)
			}
			if !s.updated.Orders {
				a.complete(model.SubstreamOrders)
			}
			if !s.updated.Specifications {
				a.complete(model.SubstreamSpecifications)
			}
		}

	case model.PacketSpecifications:
		if p.SyncID != "" {
			if s.updated.Specifications {
				a.replaceSpecifications(p.Specifications)
			}
			a.removeSpecifications(p.RemovedSymbols)
			a.complete(model.SubstreamSpecifications)
		} else {
			a.upsertSpecifications(p.Specifications)
			a.removeSpecifications(p.RemovedSymbols)
		}

	case model.PacketPositions:
		if s.updated.Positions || p.SyncID == "" {
			a.replacePositions(p.Positions)
		}
		if p.SyncID != "" {
			a.complete(model.SubstreamPositions)
		}

	case model.PacketOrders:
		if s.updated.Orders || p.SyncID == "" {
			a.replaceOrders(p.Orders)
		}
		if p.SyncID != "" {
			a.complete(model.SubstreamOrders)
		}

	case model.PacketHistoryOrders:
		a.appendHistoryOrders(p.HistoryOrders)

	case model.PacketDeals:
		a.appendDeals(p.Deals)

	case model.PacketDealSynchronizationFinished:
		a.complete(model.SubstreamDeals)

	case model.PacketOrderSynchronizationFinished:
		if !s.historyOrdersDone {
			s.historyOrdersDone = true
			a.emit(model.Event{Type: model.EventHistoryOrdersSynchronized})
		}

	case model.PacketUpdate:
		if p.AccountInformation != nil {
			a.accountInformation(p.AccountInformation)
		}
		a.upsertPositions(p.UpdatedPositions)
		a.removePositions(p.RemovedPositionIDs)
		a.upsertOrders(p.UpdatedOrders)
		a.completeOrders(p.CompletedOrderIDs)
		a.appendHistoryOrders(p.HistoryOrders)
		a.appendDeals(p.Deals)

	case model.PacketPrices:
		a.prices(p.Prices)

	case model.PacketNoop:
	}

	if a.touched {
		recomputeAccount(s.accountInfo, s.positions, s.specs)
	}
	if len(a.events) > 0 {
		s.notify()
	}

	if len(a.unknown) > 0 {
		err := &DataError{
			AccountID: s.accountID,
			SyncID:    p.SyncID,
			Type:      p.Type,
			Reason:    "unknown ids: " + strings.Join(a.unknown, ","),
		}
		s.logger.Warn("packet referenced unknown entities", "type", p.Type, "ids", a.unknown)
		return a.events, err
	}
	return a.events, nil
}

// validate rejects packets that cannot be applied at all.
func (s *State) validate(p model.Packet) error {
	fail := func(reason string) error {
		err := &DataError{AccountID: s.accountID, SyncID: p.SyncID, Type: p.Type, Reason: reason}
		s.logger.Warn("dropping malformed packet", "type", p.Type, "reason", reason)
		return err
	}

	if p.AccountID != "" && p.AccountID != s.accountID {
		return fail(fmt.Sprintf("addressed to account %s", p.AccountID))
	}

	switch p.Type {
	case model.PacketAuthenticated, model.PacketDisconnected, model.PacketNoop,
		model.PacketHistoryOrders, model.PacketDeals, model.PacketUpdate, model.PacketPrices,
		model.PacketOrderSynchronizationFinished:
	case model.PacketDealSynchronizationFinished:
		if p.SyncID == "" {
			return fail("missing synchronization id")
		}
	case model.PacketStatus:
		if p.Status == nil {
			return fail("missing status")
		}
	case model.PacketSynchronizationStarted:
		if p.SyncID == "" {
			return fail("missing synchronization id")
		}
	case model.PacketAccountInformation:
		if p.AccountInformation == nil {
			return fail("missing account information")
		}
	case model.PacketSpecifications, model.PacketPositions, model.PacketOrders:
	default:
		return fail("unknown packet type")
	}

	for _, pos := range append(append([]model.Position(nil), p.Positions...), p.UpdatedPositions...) {
		if pos.ID == "" || pos.Symbol == "" {
			return fail("position without id or symbol")
		}
	}
	for _, o := range append(append([]model.Order(nil), p.Orders...), p.UpdatedOrders...) {
		if o.ID == "" {
			return fail("order without id")
		}
	}
	for _, o := range p.HistoryOrders {
		if o.ID == "" {
			return fail("history order without id")
		}
	}
	for _, d := range p.Deals {
		if d.ID == "" {
			return fail("deal without id")
		}
	}
	for _, spec := range p.Specifications {
		if spec.Symbol == "" {
			return fail("specification without symbol")
		}
	}
	for _, price := range p.Prices {
		if price.Symbol == "" {
			return fail("price without symbol")
		}
	}
	return nil
}

// applier accumulates the events of one packet. The state lock is held.
type applier struct {
	s       *State
	p       model.Packet
	at      time.Time
	events  []model.Event
	unknown []string
	touched bool
}

func (a *applier) emit(ev model.Event) {
	ev.AccountID = a.s.accountID
	ev.SyncID = a.p.SyncID
	ev.At = a.at
	a.events = append(a.events, ev)
}

func (a *applier) complete(sub model.Substream) {
	if a.s.completed[sub] {
		return
	}
	a.s.completed[sub] = true
	a.s.everSynced[sub] = true
	a.emit(model.Event{Type: model.EventSubstreamSynchronized, Substream: sub})

	if a.s.allCompleted() {
		a.emit(model.Event{Type: model.EventSynchronized})
	}
}

func (a *applier) status() {
	st := *a.p.Status
	if st.ConnectedToBroker != a.s.connectedToBroker {
		a.s.connectedToBroker = st.ConnectedToBroker
		a.emit(model.Event{Type: model.EventBrokerConnectionChanged, Status: &st})
	}
	if len(st.HealthStatus) > 0 {
		a.emit(model.Event{Type: model.EventHealthStatus, Status: &st})
	}
}

func (a *applier) accountInformation(info *model.AccountInformation) {
	cp := *info
	a.s.accountInfo = &cp
	recomputeAccount(a.s.accountInfo, a.s.positions, a.s.specs)
	out := *a.s.accountInfo
	a.emit(model.Event{Type: model.EventAccountInformationUpdated, AccountInformation: &out})
}

// revalue prices a position if its symbol is fully known.
func (a *applier) revalue(p *model.Position) {
	applyPrice(p, a.s.specs[p.Symbol], a.s.prices[p.Symbol])
}

func (a *applier) replacePositions(positions []model.Position) {
	a.s.positions = make(map[string]*model.Position, len(positions))
	for _, pos := range positions {
		pos := pos
		normalizePosition(&pos, a.s.specs[pos.Symbol])
		a.revalue(&pos)
		a.s.positions[pos.ID] = &pos
	}
	a.touched = true
	a.emit(model.Event{Type: model.EventPositionsReplaced, Positions: a.s.positionsLocked()})
}

func (a *applier) upsertPositions(positions []model.Position) {
	for _, pos := range positions {
		pos := pos
		normalizePosition(&pos, a.s.specs[pos.Symbol])
		a.revalue(&pos)
		a.s.positions[pos.ID] = &pos
		out := pos
		a.touched = true
		a.emit(model.Event{Type: model.EventPositionUpdated, ID: pos.ID, Position: &out})
	}
}

func (a *applier) removePositions(ids []string) {
	for _, id := range ids {
		if _, ok := a.s.positions[id]; !ok {
			a.unknown = append(a.unknown, "position:"+id)
			continue
		}
		delete(a.s.positions, id)
		a.touched = true
		a.emit(model.Event{Type: model.EventPositionRemoved, ID: id})
	}
}

func (a *applier) replaceOrders(orders []model.Order) {
	a.s.orders = make(map[string]*model.Order, len(orders))
	for _, o := range orders {
		o := o
		a.s.orders[o.ID] = &o
	}
	a.emit(model.Event{Type: model.EventOrdersReplaced, Orders: a.s.ordersLocked()})
}

func (a *applier) upsertOrders(orders []model.Order) {
	for _, o := range orders {
		o := o
		a.s.orders[o.ID] = &o
		out := o
		a.emit(model.Event{Type: model.EventOrderUpdated, ID: o.ID, Order: &out})
	}
}

func (a *applier) completeOrders(ids []string) {
	for _, id := range ids {
		if _, ok := a.s.orders[id]; !ok {
			a.unknown = append(a.unknown, "order:"+id)
			continue
		}
		delete(a.s.orders, id)
		a.emit(model.Event{Type: model.EventOrderCompleted, ID: id})
	}
}

func (a *applier) appendHistoryOrders(orders []model.Order) {
	added := false
	for _, o := range orders {
		if _, ok := a.s.historyOrderIDs[o.ID]; ok {
			continue
		}
		a.s.historyOrderIDs[o.ID] = struct{}{}
		a.s.historyOrders = append(a.s.historyOrders, o)
		added = true
		out := o
		a.emit(model.Event{Type: model.EventHistoryOrderAdded, ID: o.ID, Order: &out})
	}
	if added {
		sort.SliceStable(a.s.historyOrders, func(i, j int) bool {
			return a.s.historyOrders[i].DoneTime.Before(a.s.historyOrders[j].DoneTime)
		})
	}
}

func (a *applier) appendDeals(deals []model.Deal) {
	added := false
	for _, d := range deals {
		if _, ok := a.s.dealIDs[d.ID]; ok {
			continue
		}
		a.s.dealIDs[d.ID] = struct{}{}
		a.s.deals = append(a.s.deals, d)
		added = true
		out := d
		a.emit(model.Event{Type: model.EventDealAdded, ID: d.ID, Deal: &out})
	}
	if added {
		sort.SliceStable(a.s.deals, func(i, j int) bool {
			return a.s.deals[i].Time.Before(a.s.deals[j].Time)
		})
	}
}

func (a *applier) replaceSpecifications(specs []model.SymbolSpecification) {
	next := make(map[string]*model.SymbolSpecification, len(specs))
	for _, spec := range specs {
		spec := spec
		next[spec.Symbol] = &spec
	}
	for symbol := range a.s.specs {
		if _, ok := next[symbol]; !ok {
			a.emit(model.Event{Type: model.EventSpecificationRemoved, ID: symbol})
		}
	}
	a.s.specs = next
	for _, spec := range specs {
		out := spec
		a.emit(model.Event{Type: model.EventSpecificationUpdated, ID: spec.Symbol, Specification: &out})
	}
	a.revalueAll()
}

func (a *applier) upsertSpecifications(specs []model.SymbolSpecification) {
	for _, spec := range specs {
		spec := spec
		a.s.specs[spec.Symbol] = &spec
		out := spec
		a.emit(model.Event{Type: model.EventSpecificationUpdated, ID: spec.Symbol, Specification: &out})
	}
	if len(specs) > 0 {
		a.revalueAll()
	}
}

func (a *applier) removeSpecifications(symbols []string) {
	for _, symbol := range symbols {
		if _, ok := a.s.specs[symbol]; !ok {
			continue
		}
		delete(a.s.specs, symbol)
		a.emit(model.Event{Type: model.EventSpecificationRemoved, ID: symbol})
	}
}

func (a *applier) revalueAll() {
	for _, pos := range a.s.positions {
		a.revalue(pos)
	}
	a.touched = true
}

func (a *applier) prices(prices []model.SymbolPrice) {
	for _, price := range prices {
		price := price
		a.s.prices[price.Symbol] = &price
		out := price
		a.emit(model.Event{Type: model.EventPriceUpdated, ID: price.Symbol, Price: &out})

		for _, pos := range a.s.positions {
			if pos.Symbol != price.Symbol {
				continue
			}
			if applyPrice(pos, a.s.specs[pos.Symbol], &price) {
				cp := *pos
				a.emit(model.Event{Type: model.EventPositionUpdated, ID: pos.ID, Position: &cp})
			}
		}
		a.touched = true
	}
	if a.touched && a.s.accountInfo != nil {
		recomputeAccount(a.s.accountInfo, a.s.positions, a.s.specs)
		out := *a.s.accountInfo
		a.emit(model.Event{Type: model.EventAccountInformationUpdated, AccountInformation: &out})
	}
}
