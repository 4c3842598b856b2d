package events

import "time"

// SubscriptionStart is emitted once a subscription passed setup and its event
// stream is open.
type SubscriptionStart struct {
	ID            string
	Query         string
	OperationName string
	Field         string
}

// SubscriptionFinish is emitted when a subscription's result stream closes.
// Err is nil when the consumer closed it.
type SubscriptionFinish struct {
	ID       string
	Field    string
	Events   int
	Err      error
	Duration time.Duration
}

// SubscriptionEventStart is emitted before an event is executed, after its
// permit was acquired.
type SubscriptionEventStart struct {
	ID      string
	Tag     uint64
	Changes int
	// Trigger is set for the synthetic event that starts the subscription.
	Trigger bool
}

// Outcomes of a single event execution.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomePanic     = "panic"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// SubscriptionEventFinish is emitted after an event was executed.
type SubscriptionEventFinish struct {
	ID       string
	Tag      uint64
	Outcome  string
	Duration time.Duration
}

// GateAcquire is emitted when an admission permit is granted.
type GateAcquire struct {
	Wait     time.Duration
	InUse    int
	Capacity int
}

// GateRelease is emitted when an admission permit is returned.
type GateRelease struct {
	Held     time.Duration
	InUse    int
	Capacity int
}
