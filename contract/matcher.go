package contract

import (
	"sort"
	"time"

	"lienflow/conflict"
)

// matchWindowDays is the trailing period, anchored to evaluation time,
// within which an ACTIVE rival contract counts as live competition.
const matchWindowDays = 90

// MatchWindowStart returns the earliest signed date still inside the window.
// Signed dates carry no time of day, so the window is anchored to the
// evaluation date, not the wall-clock instant. The boundary is inclusive: a
// contract signed exactly 90 days before evaluation is matched, 91 days is
// not, regardless of the time of day the evaluation runs.
func MatchWindowStart(evalTime time.Time) time.Time {
	y, m, d := evalTime.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, evalTime.Location()).AddDate(0, 0, -matchWindowDays)
}

// RivalMatch pairs one matched rival contract with the full set of keys it
// shares with the candidate, ordered by authority.
type RivalMatch struct {
	Candidate Candidate
	MatchedOn []conflict.MatchKey
}

// LenderGroup collects one rival lender's matches. Surfaced is the most
// recently signed of them: the submitter is told about one contract per
// rival lender even when several match, while every match is linked.
type LenderGroup struct {
	LenderID   string
	LenderName string
	Surfaced   RivalMatch
	All        []RivalMatch
}

// matchedKeys computes every key on which the candidate fields agree with a
// rival's. Optional keys (APN, email, phone) match only when present on both
// sides. All matched keys are recorded, not just the most authoritative.
func matchedKeys(f Fields, rival Fields) []conflict.MatchKey {
	var keys []conflict.MatchKey
	if f.APN != "" && rival.APN != "" && f.APN == rival.APN {
		keys = append(keys, conflict.KeyAPN)
	}
	if f.Street == rival.Street && f.Zip == rival.Zip {
		keys = append(keys, conflict.KeyAddressZip)
	}
	if f.Email != "" && rival.Email != "" && f.Email == rival.Email {
		keys = append(keys, conflict.KeyEmail)
	}
	if f.Phone != "" && rival.Phone != "" && f.Phone == rival.Phone {
		keys = append(keys, conflict.KeyPhone)
	}
	return keys
}

// evaluateMatches turns candidate-query rows into per-lender match groups.
// Rows that share no key with the fields (possible when the query matched on
// a column the candidate side lacks) are dropped. Groups are ordered by
// their surfaced contract's signed date, newest first.
func evaluateMatches(f Fields, candidates []Candidate) []LenderGroup {
	byLender := make(map[string]*LenderGroup)
	order := make([]string, 0, len(candidates))

	for _, cand := range candidates {
		keys := matchedKeys(f, cand.Fields)
		if len(keys) == 0 {
			continue
		}

		match := RivalMatch{Candidate: cand, MatchedOn: keys}
		group, ok := byLender[cand.LenderID]
		if !ok {
			byLender[cand.LenderID] = &LenderGroup{
				LenderID:   cand.LenderID,
				LenderName: cand.LenderName,
				Surfaced:   match,
				All:        []RivalMatch{match},
			}
			order = append(order, cand.LenderID)
			continue
		}

		group.All = append(group.All, match)
		if cand.SignedDate.After(group.Surfaced.Candidate.SignedDate) {
			group.Surfaced = match
		}
	}

	groups := make([]LenderGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byLender[id])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Surfaced.Candidate.SignedDate.After(groups[j].Surfaced.Candidate.SignedDate)
	})
	return groups
}
