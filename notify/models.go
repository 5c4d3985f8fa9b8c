package notify

import "time"

// EventType enumerates the outbound notification kinds.
type EventType string

const (
	EventNewConflict            EventType = "NEW_CONFLICT"
	EventConflictResolved       EventType = "CONFLICT_RESOLVED"
	EventConflictContractFunded EventType = "CONFLICT_CONTRACT_FUNDED"
)

// DeliveryState represents the outbox lifecycle of an event.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateDelivered DeliveryState = "DELIVERED"
	StateFailed    DeliveryState = "FAILED"
)

// Event mirrors the notification_events outbox table. Payloads are
// self-contained JSON so receivers can reconstruct state regardless of
// delivery order.
type Event struct {
	ID            string
	LenderID      string
	EventType     EventType
	Payload       []byte
	Status        DeliveryState
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	ResponseCode  *int
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// EnqueueParams enumerates the fields needed to append an event to the
// outbox inside the caller's transaction.
type EnqueueParams struct {
	LenderID  string
	EventType EventType
	Payload   map[string]any
}

// Delivery is a claimed outbox event joined with the recipient's endpoint
// configuration, ready for one delivery attempt.
type Delivery struct {
	Event
	WebhookURL    *string
	WebhookSecret string
}
