package domain

import (
	"fmt"
	"strings"
)

// Rank is the normalized rank of an external account. Ranked values form a
// totally ordered ladder; the two sentinels (Unranked, NoData) compare only
// by equality.
type Rank string

const (
	RankBronze3   Rank = "bronze-3"
	RankBronze2   Rank = "bronze-2"
	RankBronze1   Rank = "bronze-1"
	RankSilver3   Rank = "silver-3"
	RankSilver2   Rank = "silver-2"
	RankSilver1   Rank = "silver-1"
	RankGold3     Rank = "gold-3"
	RankGold2     Rank = "gold-2"
	RankGold1     Rank = "gold-1"
	RankPlatinum3 Rank = "platinum-3"
	RankPlatinum2 Rank = "platinum-2"
	RankPlatinum1 Rank = "platinum-1"
	RankDiamond   Rank = "diamond"
	RankChampion  Rank = "champion"

	// RankUnranked means the account played placements but holds no tier.
	RankUnranked Rank = "unranked"
	// RankNoData means the provider returned no seasonal data this cycle.
	RankNoData Rank = "no-data"
)

// ladder lists ranked tiers in ascending order.
var ladder = []Rank{
	RankBronze3, RankBronze2, RankBronze1,
	RankSilver3, RankSilver2, RankSilver1,
	RankGold3, RankGold2, RankGold1,
	RankPlatinum3, RankPlatinum2, RankPlatinum1,
	RankDiamond, RankChampion,
}

var ladderIndex = func() map[Rank]int {
	m := make(map[Rank]int, len(ladder))
	for i, r := range ladder {
		m[r] = i
	}
	return m
}()

// rolePair maps a ranked tier to its specific (exact tier) and general
// (coarse, publicly displayed) role names.
type rolePair struct {
	specific string
	general  string
}

var tierRoles = map[Rank]rolePair{
	RankBronze3:   {"Bronze 3", "Bronze"},
	RankBronze2:   {"Bronze 2", "Bronze"},
	RankBronze1:   {"Bronze 1", "Bronze"},
	RankSilver3:   {"Silver 3", "Silver"},
	RankSilver2:   {"Silver 2", "Silver"},
	RankSilver1:   {"Silver 1", "Silver"},
	RankGold3:     {"Gold 3", "Gold"},
	RankGold2:     {"Gold 2", "Gold"},
	RankGold1:     {"Gold 1", "Gold"},
	RankPlatinum3: {"Platinum 3", "Platinum"},
	RankPlatinum2: {"Platinum 2", "Platinum"},
	RankPlatinum1: {"Platinum 1", "Platinum"},
	RankDiamond:   {"Diamond 1", "Diamond"},
	RankChampion:  {"Champion", "Champion"},
}

// IsRanked reports whether r is a tier on the ladder.
func (r Rank) IsRanked() bool {
	_, ok := ladderIndex[r]
	return ok
}

// IsSentinel reports whether r is one of the two sentinel values.
func (r Rank) IsSentinel() bool {
	return r == RankUnranked || r == RankNoData
}

// Display returns the human-readable name for r.
func (r Rank) Display() string {
	if pair, ok := tierRoles[r]; ok {
		return pair.specific
	}
	switch r {
	case RankUnranked:
		return "Unranked"
	case RankNoData:
		return "No Data"
	}
	return string(r)
}

// Ordering is the result of comparing two ranks.
type Ordering int

const (
	OrderLess Ordering = iota
	OrderEqual
	OrderGreater
	OrderIncomparable
)

// Compare orders two ranks. Sentinels are incomparable to ranked tiers and
// to each other, except that equal values always compare equal.
func Compare(a, b Rank) Ordering {
	if a == b {
		return OrderEqual
	}
	ai, aok := ladderIndex[a]
	bi, bok := ladderIndex[b]
	if !aok || !bok {
		return OrderIncomparable
	}
	if ai < bi {
		return OrderLess
	}
	return OrderGreater
}

// ParseExternal normalizes a provider rank string into a Rank. Unknown
// values fail closed with ErrUnknownRank rather than defaulting to a tier.
// An empty string means the provider reported no rank at all.
func ParseExternal(raw string) (Rank, error) {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "-")
	if slug == "" || slug == "unranked" {
		return RankUnranked, nil
	}
	r := Rank(slug)
	if r.IsRanked() {
		return r, nil
	}
	return "", fmt.Errorf("parsing rank %q: %w", raw, ErrUnknownRank)
}

// RoleID identifies a guild role by name.
type RoleID string

// RolePair is the role set implied by a ranked tier.
type RolePair struct {
	Specific RoleID `json:"specific"`
	General  RoleID `json:"general"`
}

// RoleCatalog maps ranks to guild roles. The universe of rank-implying roles
// covers every tier role plus the Unranked role; the Unlinked role is owned
// by the link lifecycle and is never part of reconciliation.
type RoleCatalog struct {
	unranked RoleID
	unlinked RoleID
	universe map[RoleID]struct{}
}

// NewRoleCatalog builds a catalog with the configured sentinel role names.
func NewRoleCatalog(unranked, unlinked string) *RoleCatalog {
	c := &RoleCatalog{
		unranked: RoleID(unranked),
		unlinked: RoleID(unlinked),
		universe: make(map[RoleID]struct{}, len(tierRoles)*2+1),
	}
	for _, pair := range tierRoles {
		c.universe[RoleID(pair.specific)] = struct{}{}
		c.universe[RoleID(pair.general)] = struct{}{}
	}
	c.universe[c.unranked] = struct{}{}
	return c
}

// RolesFor returns the target role set for a rank. Ranked tiers map to their
// specific and general roles, Unranked to the single Unranked role, and
// NoData to nothing (the caller decides retention semantics).
func (c *RoleCatalog) RolesFor(rank Rank) []RoleID {
	if pair, ok := tierRoles[rank]; ok {
		if pair.specific == pair.general {
			return []RoleID{RoleID(pair.specific)}
		}
		return []RoleID{RoleID(pair.specific), RoleID(pair.general)}
	}
	if rank == RankUnranked {
		return []RoleID{c.unranked}
	}
	return nil
}

// PairFor returns the specific/general role pair for a ranked tier.
func (c *RoleCatalog) PairFor(rank Rank) (RolePair, bool) {
	pair, ok := tierRoles[rank]
	if !ok {
		return RolePair{}, false
	}
	return RolePair{Specific: RoleID(pair.specific), General: RoleID(pair.general)}, true
}

// Universe returns the set of all rank-implying roles.
func (c *RoleCatalog) Universe() map[RoleID]struct{} {
	return c.universe
}

// InUniverse reports whether role is governed by reconciliation.
func (c *RoleCatalog) InUniverse(role RoleID) bool {
	_, ok := c.universe[role]
	return ok
}

// Unranked returns the configured Unranked role.
func (c *RoleCatalog) Unranked() RoleID {
	return c.unranked
}

// Unlinked returns the configured Unlinked role.
func (c *RoleCatalog) Unlinked() RoleID {
	return c.unlinked
}
