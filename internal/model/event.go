package model

import "time"

// EventType identifies a domain event delivered to listeners.
type EventType string

const (
	EventConnected                 EventType = "connected"
	EventDisconnected              EventType = "disconnected"
	EventBrokerConnectionChanged   EventType = "brokerConnectionChanged"
	EventHealthStatus              EventType = "healthStatus"
	EventStateChanged              EventType = "stateChanged"
	EventSynchronizationStarted    EventType = "synchronizationStarted"
	EventSubstreamSynchronized     EventType = "substreamSynchronized"
	EventHistoryOrdersSynchronized EventType = "historyOrdersSynchronized"
	EventSynchronized              EventType = "synchronized"
	EventSynchronizationFailed     EventType = "synchronizationFailed"
	EventAccountInformationUpdated EventType = "accountInformationUpdated"
	EventPositionsReplaced         EventType = "positionsReplaced"
	EventPositionUpdated           EventType = "positionUpdated"
	EventPositionRemoved           EventType = "positionRemoved"
	EventOrdersReplaced            EventType = "ordersReplaced"
	EventOrderUpdated              EventType = "orderUpdated"
	EventOrderCompleted            EventType = "orderCompleted"
	EventHistoryOrderAdded         EventType = "historyOrderAdded"
	EventDealAdded                 EventType = "dealAdded"
	EventSpecificationUpdated      EventType = "specificationUpdated"
	EventSpecificationRemoved      EventType = "specificationRemoved"
	EventPriceUpdated              EventType = "priceUpdated"
)

// Event is a change notification for one account. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType
	AccountID string
	SyncID    string
	At        time.Time

	Substream Substream
	State     SubscriptionState
	PrevState SubscriptionState
	Reason    string
	Err       error

	ID                 string
	AccountInformation *AccountInformation
	Position           *Position
	Positions          []Position
	Order              *Order
	Orders             []Order
	Deal               *Deal
	Specification      *SymbolSpecification
	Price              *SymbolPrice
	Status             *Status
}
