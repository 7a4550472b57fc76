package domain

import (
	"sort"
	"time"
)

// UserID identifies a local (guild) user.
type UserID string

// LinkedAccount maps a local user to an external game-service account.
// CachedRank is empty until the first successful fetch. The external
// username is stored case-preserving but compared case-insensitively.
type LinkedAccount struct {
	UserID     UserID    `json:"user_id"`
	Username   string    `json:"username"`
	CachedRank Rank      `json:"cached_rank,omitempty"`
	LinkedAt   time.Time `json:"linked_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasCachedRank reports whether the account has ever been fetched.
func (a LinkedAccount) HasCachedRank() bool {
	return a.CachedRank != ""
}

// RoleDelta is the minimal set of role changes for one account in one run.
// Add and Remove are sorted and always disjoint.
type RoleDelta struct {
	Add    []RoleID `json:"add,omitempty"`
	Remove []RoleID `json:"remove,omitempty"`
}

// NewRoleDelta builds a delta from add/remove sets, sorted for determinism.
// Any role present in both sets is dropped from both.
func NewRoleDelta(add, remove map[RoleID]struct{}) RoleDelta {
	var d RoleDelta
	for role := range add {
		if _, both := remove[role]; both {
			continue
		}
		d.Add = append(d.Add, role)
	}
	for role := range remove {
		if _, both := add[role]; both {
			continue
		}
		d.Remove = append(d.Remove, role)
	}
	sort.Slice(d.Add, func(i, j int) bool { return d.Add[i] < d.Add[j] })
	sort.Slice(d.Remove, func(i, j int) bool { return d.Remove[i] < d.Remove[j] })
	return d
}

// IsEmpty reports whether the delta changes nothing.
func (d RoleDelta) IsEmpty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Outcome classifies how an account fared in a run.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip/failure reasons recorded on change records.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonCancelled     = "cancelled"
	ReasonAborted       = "aborted"
	ReasonNoChange      = "no_change"
	ReasonMemberMissing = "member_not_found"
	ReasonPermission    = "permission_denied"
)

// ChangeRecord is the auditable outcome for one account in one run.
// Immutable once created.
type ChangeRecord struct {
	ID            string    `json:"id"`
	UserID        UserID    `json:"user_id"`
	Username      string    `json:"username"`
	PreviousRank  Rank      `json:"previous_rank,omitempty"`
	NewRank       Rank      `json:"new_rank,omitempty"`
	Delta         RoleDelta `json:"delta"`
	Outcome       Outcome   `json:"outcome"`
	FailureReason string    `json:"failure_reason,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Trigger identifies what started an orchestration run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerLink      Trigger = "link"
)

// BatchSummary is the full audit record of one orchestration run. Records
// follow the listing-snapshot order, not completion order.
type BatchSummary struct {
	Trigger         Trigger        `json:"trigger"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	Records         []ChangeRecord `json:"records"`
	RateLimitEvents int            `json:"rate_limit_events"`
	FatalErrors     int            `json:"fatal_errors"`
}

// Count returns the number of records with the given outcome.
func (s *BatchSummary) Count(outcome Outcome) int {
	n := 0
	for _, rec := range s.Records {
		if rec.Outcome == outcome {
			n++
		}
	}
	return n
}
