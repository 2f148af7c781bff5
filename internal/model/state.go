package model

import "time"

// SubscriptionState is the lifecycle state of an account subscription.
type SubscriptionState string

const (
	StateUnsubscribed    SubscriptionState = "unsubscribed"
	StateSubscribing     SubscriptionState = "subscribing"
	StateSynchronizing   SubscriptionState = "synchronizing"
	StateSynchronized    SubscriptionState = "synchronized"
	StateResynchronizing SubscriptionState = "resynchronizing"
)

// Syncing reports whether an attempt is expected to be in flight.
func (s SubscriptionState) Syncing() bool {
	return s == StateSynchronizing || s == StateResynchronizing
}

// AttemptStatus tracks a synchronization attempt.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptSuperseded AttemptStatus = "superseded"
)

// Attempt is one synchronization attempt of an account.
type Attempt struct {
	ID            string
	AccountID     string
	StartedAt     time.Time
	StartSequence int64
	Status        AttemptStatus
	Reason        string
}

// RequestType is an outbound request kind.
type RequestType string

const (
	RequestSubscribe   RequestType = "subscribe"
	RequestUnsubscribe RequestType = "unsubscribe"
	RequestSynchronize RequestType = "synchronize"
)

// Request is an outbound command to the gateway.
type Request struct {
	Type          RequestType
	AccountID     string
	InstanceIndex int
	Host          string
	SyncID        string

	// StartingHistoryOrderTime and StartingDealTime let the server skip
	// history the client already has.
	StartingHistoryOrderTime time.Time
	StartingDealTime         time.Time
}
