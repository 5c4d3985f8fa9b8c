package lender

import "time"

// Lender is the domain representation of a participating finance provider.
// It mirrors the lenders table and carries no JSON annotations so it can be
// reused by different presentation layers. The webhook URL is the only
// attribute that may change after creation.
type Lender struct {
	ID            string
	Name          string
	APIKeyID      string
	APIKeyHash    string
	WebhookURL    *string
	WebhookSecret string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
