// Package reconcile computes the minimal role changes needed to move one
// account's guild membership to its freshly fetched rank. It is pure: no
// I/O, fully deterministic given its inputs.
package reconcile

import (
	"github.com/guild-ranksync/internal/domain"
)

// Policy controls retention semantics for the no-data sentinel.
type Policy struct {
	// DemoteOnNoData demotes accounts to Unranked when the provider reports
	// no seasonal data. The default retains the previous rank's roles, so an
	// off-season gap does not strip anyone.
	DemoteOnNoData bool
}

// Reconcile compares the previously cached rank against the freshly fetched
// one and returns the role delta plus an outcome hint. prev is empty when
// the account has never been fetched. current must be the live role set from
// the platform, not a cached copy, so stale platform-side roles get
// corrected too.
//
// The Unlinked role is never part of the returned delta; it is owned by the
// link/unlink lifecycle.
func Reconcile(prev, next domain.Rank, current map[domain.RoleID]struct{}, catalog *domain.RoleCatalog, policy Policy) (domain.RoleDelta, domain.Outcome) {
	target := targetRoles(prev, next, catalog, policy)

	targetSet := make(map[domain.RoleID]struct{}, len(target))
	for _, role := range target {
		targetSet[role] = struct{}{}
	}

	add := make(map[domain.RoleID]struct{})
	for role := range targetSet {
		if _, has := current[role]; !has {
			add[role] = struct{}{}
		}
	}

	// Remove every rank-implying role the member holds that the target does
	// not include. Using the whole universe catches stale roles across
	// multi-tier jumps, not just adjacent ones.
	remove := make(map[domain.RoleID]struct{})
	for role := range current {
		if !catalog.InUniverse(role) {
			continue
		}
		if _, wanted := targetSet[role]; !wanted {
			remove[role] = struct{}{}
		}
	}

	delta := domain.NewRoleDelta(add, remove)
	if delta.IsEmpty() {
		return delta, domain.OutcomeSkipped
	}
	return delta, domain.OutcomeApplied
}

// CacheRank returns the rank to persist after a cycle. The no-data sentinel
// never overwrites a known rank unless demotion is enabled.
func CacheRank(prev, next domain.Rank, policy Policy) domain.Rank {
	if next != domain.RankNoData {
		return next
	}
	if policy.DemoteOnNoData || prev == "" {
		return domain.RankUnranked
	}
	return prev
}

func targetRoles(prev, next domain.Rank, catalog *domain.RoleCatalog, policy Policy) []domain.RoleID {
	if next != domain.RankNoData {
		return catalog.RolesFor(next)
	}
	if policy.DemoteOnNoData {
		return catalog.RolesFor(domain.RankUnranked)
	}
	if prev.IsRanked() {
		return catalog.RolesFor(prev)
	}
	// Never ranked: fall back to Unranked rather than Unlinked.
	return catalog.RolesFor(domain.RankUnranked)
}
