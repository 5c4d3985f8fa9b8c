package conflict

import "time"

// MatchKey identifies which normalized field two contracts agree on.
type MatchKey string

const (
	KeyAPN        MatchKey = "APN"
	KeyAddressZip MatchKey = "ADDRESS_ZIP"
	KeyEmail      MatchKey = "EMAIL"
	KeyPhone      MatchKey = "PHONE"
)

// KeyPrecedence orders match keys from most to least authoritative.
var KeyPrecedence = []MatchKey{KeyAPN, KeyAddressZip, KeyEmail, KeyPhone}

// Status represents the lifecycle of a conflict link.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

// Link is the recorded relationship between two rival contracts sharing at
// least one match key. The contract pair is unordered; rows store it ordered
// (lo < hi) so the partial unique index can guard the at-most-one-OPEN
// invariant. Links are never deleted.
type Link struct {
	ID         string
	ContractLo string
	ContractHi string
	MatchedOn  []MatchKey
	Status     Status
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CounterpartView is the privacy-filtered projection of a conflict exposed
// to one side. It deliberately has no fields for the counterpart's address,
// phone, or email: the boundary is enforced by the type, not by masking.
type CounterpartView struct {
	LinkID                string
	CounterpartLenderName string
	CounterpartSignedDate time.Time
	DaysSinceSigned       int
	MatchedOn             []MatchKey
	LinkStatus            Status
	// CounterpartStatus is set on RESOLVED links to the counterpart's
	// terminal status; empty while the link is OPEN.
	CounterpartStatus string
}
