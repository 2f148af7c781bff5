package model

import "time"

// PacketType identifies the payload carried by a synchronization packet.
type PacketType string

const (
	PacketAuthenticated                PacketType = "authenticated"
	PacketDisconnected                 PacketType = "disconnected"
	PacketSynchronizationStarted       PacketType = "synchronizationStarted"
	PacketAccountInformation           PacketType = "accountInformation"
	PacketSpecifications               PacketType = "specifications"
	PacketPositions                    PacketType = "positions"
	PacketOrders                       PacketType = "orders"
	PacketHistoryOrders                PacketType = "historyOrders"
	PacketDeals                        PacketType = "deals"
	PacketDealSynchronizationFinished  PacketType = "dealSynchronizationFinished"
	PacketOrderSynchronizationFinished PacketType = "orderSynchronizationFinished"
	PacketUpdate                       PacketType = "update"
	PacketPrices                       PacketType = "prices"
	PacketStatus                       PacketType = "status"
	PacketNoop                         PacketType = "noop"
)

// Substream is one independently synchronized part of the terminal state.
type Substream string

const (
	SubstreamSpecifications Substream = "specifications"
	SubstreamPositions      Substream = "positions"
	SubstreamOrders         Substream = "orders"
	SubstreamDeals          Substream = "deals"
)

// Substreams lists every substream an attempt must complete.
var Substreams = []Substream{
	SubstreamSpecifications,
	SubstreamPositions,
	SubstreamOrders,
	SubstreamDeals,
}

// UpdatedFlags records which substreams the server reports as changed
// since the previous synchronization. Unchanged substreams are not resent.
type UpdatedFlags struct {
	Specifications bool
	Positions      bool
	Orders         bool
}

// AllUpdated is the flag set assumed when the server omits them.
func AllUpdated() UpdatedFlags {
	return UpdatedFlags{Specifications: true, Positions: true, Orders: true}
}

// Packet is a single synchronization message addressed to one account.
//
// Packets with SyncID set belong to a synchronization attempt; Sequence is
// nil for packets that are delivered without ordering.
type Packet struct {
	Type          PacketType
	AccountID     string
	InstanceIndex int
	Host          string
	SyncID        string
	Sequence      *int64
	ReceivedAt    time.Time

	Updated UpdatedFlags // synchronizationStarted

	AccountInformation *AccountInformation
	Specifications     []SymbolSpecification
	RemovedSymbols     []string
	Positions          []Position
	UpdatedPositions   []Position
	RemovedPositionIDs []string
	Orders             []Order
	UpdatedOrders      []Order
	CompletedOrderIDs  []string
	HistoryOrders      []Order
	Deals              []Deal
	Prices             []SymbolPrice
	Status             *Status
}

// Sequenced reports whether the packet takes part in ordering.
func (p *Packet) Sequenced() bool {
	return p.Sequence != nil
}

// Seq returns the sequence number or 0 for unsequenced packets.
func (p *Packet) Seq() int64 {
	if p.Sequence == nil {
		return 0
	}
	return *p.Sequence
}

// SeqPtr is a helper for building sequenced packets.
func SeqPtr(n int64) *int64 {
	return &n
}
