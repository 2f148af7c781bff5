package router

import (
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// RouterConfig holds configuration for the packet router.
type RouterConfig struct {
	// Minimum gap between unsubscribe requests for one stray account.
	UnsubscribeInterval time.Duration // Default: 10s
	RequestTimeout      time.Duration // Default: 10s
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		UnsubscribeInterval: 10 * time.Second,
		RequestTimeout:      10 * time.Second,
	}
}

// packetWire is the JSON shape of a synchronization packet.
type packetWire struct {
	Type              string `json:"type"`
	AccountID         string `json:"accountId"`
	InstanceIndex     int    `json:"instanceIndex"`
	Host              string `json:"host"`
	SynchronizationID string `json:"synchronizationId"`
	SequenceNumber    *int64 `json:"sequenceNumber"`
	SequenceTimestamp *int64 `json:"sequenceTimestamp"`

	// synchronizationStarted; absent means updated
	SpecificationsUpdated *bool `json:"specificationsUpdated"`
	PositionsUpdated      *bool `json:"positionsUpdated"`
	OrdersUpdated         *bool `json:"ordersUpdated"`

	AccountInformation *model.AccountInformation   `json:"accountInformation"`
	Specifications     []model.SymbolSpecification `json:"specifications"`
	RemovedSymbols     []string                    `json:"removedSymbols"`
	Positions          []model.Position            `json:"positions"`
	UpdatedPositions   []model.Position            `json:"updatedPositions"`
	RemovedPositionIDs []string                    `json:"removedPositionIds"`
	Orders             []model.Order               `json:"orders"`
	UpdatedOrders      []model.Order               `json:"updatedOrders"`
	CompletedOrderIDs  []string                    `json:"completedOrderIds"`
	HistoryOrders      []model.Order               `json:"historyOrders"`
	Deals              []model.Deal                `json:"deals"`
	Prices             []model.SymbolPrice         `json:"prices"`

	// status
	Connected     *bool          `json:"connected"`
	Authenticated bool           `json:"authenticated"`
	HealthStatus  map[string]any `json:"healthStatus"`
}
