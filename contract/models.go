package contract

import "time"

// Status represents the contract lifecycle. ACTIVE is initial; FUNDED and
// CANCELLED are terminal and a contract reaches exactly one of them.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFunded    Status = "FUNDED"
	StatusCancelled Status = "CANCELLED"
)

// Fields holds the normalized identity keys of a contract. They are
// immutable after creation; status is the only mutable contract attribute.
type Fields struct {
	Street string
	City   string
	State  string
	Zip    string
	Phone  string
	Email  string
	APN    string
}

// Contract mirrors the contracts table. It is the full (own-side) view; the
// counterpart-facing projection lives in the conflict package.
type Contract struct {
	ID            string
	LenderID      string
	ExternalID    string
	Fields        Fields
	SignedDate    time.Time
	Status        Status
	FundedDate    *time.Time
	CancelledDate *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Candidate is an ACTIVE rival contract returned by the match-candidate
// query, joined with its lender's display name.
type Candidate struct {
	Contract
	LenderName string
}
