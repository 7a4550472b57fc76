package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a    Rank
		b    Rank
		want Ordering
	}{
		{"lower tier vs higher tier", RankBronze3, RankBronze2, OrderLess},
		{"higher tier vs lower tier", RankGold1, RankSilver2, OrderGreater},
		{"same tier", RankPlatinum2, RankPlatinum2, OrderEqual},
		{"across tier families", RankSilver1, RankGold3, OrderLess},
		{"top of ladder", RankChampion, RankDiamond, OrderGreater},
		{"unranked vs tier", RankUnranked, RankBronze3, OrderIncomparable},
		{"tier vs unranked", RankChampion, RankUnranked, OrderIncomparable},
		{"no-data vs tier", RankNoData, RankGold2, OrderIncomparable},
		{"unranked vs no-data", RankUnranked, RankNoData, OrderIncomparable},
		{"unranked vs unranked", RankUnranked, RankUnranked, OrderEqual},
		{"no-data vs no-data", RankNoData, RankNoData, OrderEqual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestCompareIsSymmetric(t *testing.T) {
	// Swapping arguments flips Less/Greater and preserves the rest.
	for _, a := range append(ladder, RankUnranked, RankNoData) {
		for _, b := range append(ladder, RankUnranked, RankNoData) {
			forward := Compare(a, b)
			backward := Compare(b, a)
			switch forward {
			case OrderLess:
				assert.Equal(t, OrderGreater, backward, "%s vs %s", a, b)
			case OrderGreater:
				assert.Equal(t, OrderLess, backward, "%s vs %s", a, b)
			default:
				assert.Equal(t, forward, backward, "%s vs %s", a, b)
			}
		}
	}
}

func TestParseExternal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Rank
		wantErr bool
	}{
		{"canonical slug", "gold-2", RankGold2, false},
		{"display casing", "Gold 2", RankGold2, false},
		{"upper case", "CHAMPION", RankChampion, false},
		{"surrounding whitespace", "  silver-3 ", RankSilver3, false},
		{"diamond has no subtier", "Diamond", RankDiamond, false},
		{"empty means unranked", "", RankUnranked, false},
		{"explicit unranked", "Unranked", RankUnranked, false},
		{"unknown value fails closed", "grandmaster", "", true},
		{"partial tier name", "gold", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExternal(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownRank)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRankPredicates(t *testing.T) {
	assert.True(t, RankBronze3.IsRanked())
	assert.True(t, RankChampion.IsRanked())
	assert.False(t, RankUnranked.IsRanked())
	assert.False(t, RankNoData.IsRanked())
	assert.True(t, RankUnranked.IsSentinel())
	assert.True(t, RankNoData.IsSentinel())
	assert.False(t, RankGold1.IsSentinel())
}

func TestRoleCatalogRolesFor(t *testing.T) {
	catalog := NewRoleCatalog("Unranked", "Unlinked")

	tests := []struct {
		name string
		rank Rank
		want []RoleID
	}{
		{"tier maps to specific and general", RankSilver2, []RoleID{"Silver 2", "Silver"}},
		{"diamond maps to diamond 1", RankDiamond, []RoleID{"Diamond 1", "Diamond"}},
		{"champion roles collapse", RankChampion, []RoleID{"Champion"}},
		{"unranked maps to sentinel role", RankUnranked, []RoleID{"Unranked"}},
		{"no-data maps to nothing", RankNoData, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, catalog.RolesFor(tt.rank))
		})
	}
}

func TestRoleCatalogUniverse(t *testing.T) {
	catalog := NewRoleCatalog("Unranked", "Unlinked")

	assert.True(t, catalog.InUniverse("Gold 3"))
	assert.True(t, catalog.InUniverse("Gold"))
	assert.True(t, catalog.InUniverse("Unranked"))

	// The Unlinked role is owned by the link lifecycle, never reconciliation.
	assert.False(t, catalog.InUniverse("Unlinked"))
	assert.False(t, catalog.InUniverse("Moderator"))

	// Every tier's roles are present.
	for _, pair := range tierRoles {
		assert.True(t, catalog.InUniverse(RoleID(pair.specific)))
		assert.True(t, catalog.InUniverse(RoleID(pair.general)))
	}
}

func TestNewRoleDelta(t *testing.T) {
	delta := NewRoleDelta(
		map[RoleID]struct{}{"Gold 2": {}, "Gold": {}, "Shared": {}},
		map[RoleID]struct{}{"Silver 3": {}, "Shared": {}},
	)

	// Sorted, and the role present in both sets dropped from both.
	assert.Equal(t, []RoleID{"Gold", "Gold 2"}, delta.Add)
	assert.Equal(t, []RoleID{"Silver 3"}, delta.Remove)
	assert.False(t, delta.IsEmpty())

	assert.True(t, NewRoleDelta(nil, nil).IsEmpty())
}

func TestValidationErrorUnwrapsToUsernameInvalid(t *testing.T) {
	err := error(&ValidationError{Username: "ghost", Suggestions: []string{"Ghost1"}})
	assert.ErrorIs(t, err, ErrUsernameInvalid)

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"Ghost1"}, ve.Suggestions)
}

func TestAdapterErrorClassification(t *testing.T) {
	base := errors.New("status 429")
	err := NewAdapterError(AdapterRateLimited, base)

	assert.True(t, IsAdapterKind(err, AdapterRateLimited))
	assert.False(t, IsAdapterKind(err, AdapterFatal))
	assert.ErrorIs(t, err, base)

	// Classification survives wrapping.
	wrapped := errors.Join(errors.New("outer"), err)
	assert.True(t, IsAdapterKind(wrapped, AdapterRateLimited))

	assert.False(t, IsAdapterKind(errors.New("plain"), AdapterTransient))
}
