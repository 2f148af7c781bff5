package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// ErrMissingAccount is returned for packets without an accountId.
var ErrMissingAccount = errors.New("packet has no accountId")

// knownTypes lists the packet types the terminal store understands.
var knownTypes = map[model.PacketType]struct{}{
	model.PacketAuthenticated:                {},
	model.PacketDisconnected:                 {},
	model.PacketSynchronizationStarted:       {},
	model.PacketAccountInformation:           {},
	model.PacketSpecifications:               {},
	model.PacketPositions:                    {},
	model.PacketOrders:                       {},
	model.PacketHistoryOrders:                {},
	model.PacketDeals:                        {},
	model.PacketDealSynchronizationFinished:  {},
	model.PacketOrderSynchronizationFinished: {},
	model.PacketUpdate:                       {},
	model.PacketPrices:                       {},
	model.PacketStatus:                       {},
	model.PacketNoop:                         {},
}

// Known reports whether t is a packet type the terminal store handles.
func Known(t model.PacketType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Decode parses one synchronization payload into a packet.
func Decode(data []byte, receivedAt time.Time) (model.Packet, error) {
	var wire packetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	if wire.AccountID == "" {
		return model.Packet{}, ErrMissingAccount
	}

	p := model.Packet{
		Type:               model.PacketType(wire.Type),
		AccountID:          wire.AccountID,
		InstanceIndex:      wire.InstanceIndex,
		Host:               wire.Host,
		SyncID:             wire.SynchronizationID,
		Sequence:           wire.SequenceNumber,
		ReceivedAt:         receivedAt,
		AccountInformation: wire.AccountInformation,
		Specifications:     wire.Specifications,
		RemovedSymbols:     wire.RemovedSymbols,
		Positions:          wire.Positions,
		UpdatedPositions:   wire.UpdatedPositions,
		RemovedPositionIDs: wire.RemovedPositionIDs,
		Orders:             wire.Orders,
		UpdatedOrders:      wire.UpdatedOrders,
		CompletedOrderIDs:  wire.CompletedOrderIDs,
		HistoryOrders:      wire.HistoryOrders,
		Deals:              wire.Deals,
		Prices:             wire.Prices,
	}

	switch p.Type {
	case model.PacketSynchronizationStarted:
		p.Updated = model.UpdatedFlags{
			Specifications: flag(wire.SpecificationsUpdated),
			Positions:      flag(wire.PositionsUpdated),
			Orders:         flag(wire.OrdersUpdated),
		}
	case model.PacketStatus:
		p.Status = &model.Status{
			ConnectedToBroker: wire.Connected != nil && *wire.Connected,
			Authenticated:     wire.Authenticated,
			HealthStatus:      wire.HealthStatus,
		}
	}

	return p, nil
}

func flag(b *bool) bool {
	return b == nil || *b
}
