package guild

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(&config.GuildConfig{
		BaseURL: server.URL,
		Token:   "bot-token",
		GuildID: "g1",
		Timeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCurrentRoles(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guilds/g1/members/u1", r.URL.Path)
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"user_id":"u1","roles":["Gold 2","Gold","Moderator"]}`)
	}))

	roles, err := client.CurrentRoles(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, roles, 3)
	assert.Contains(t, roles, domain.RoleID("Gold 2"))
	assert.Contains(t, roles, domain.RoleID("Moderator"))
}

func TestCurrentRolesMemberNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.CurrentRoles(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestApplyRemovalsBeforeAdditions(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	delta := domain.RoleDelta{
		Add:    []domain.RoleID{"Gold 2", "Gold"},
		Remove: []domain.RoleID{"Silver 2", "Silver"},
	}
	require.NoError(t, client.Apply(context.Background(), "u1", delta))

	// Removals run first so a member never transiently holds two tiers.
	require.Len(t, calls, 4)
	assert.Equal(t, "DELETE /guilds/g1/members/u1/roles/Silver 2", calls[0])
	assert.Equal(t, "DELETE /guilds/g1/members/u1/roles/Silver", calls[1])
	assert.Equal(t, "PUT /guilds/g1/members/u1/roles/Gold 2", calls[2])
	assert.Equal(t, "PUT /guilds/g1/members/u1/roles/Gold", calls[3])
}

func TestApplyPermissionDenied(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := client.Apply(context.Background(), "u1", domain.RoleDelta{Add: []domain.RoleID{"Gold"}})
	assert.ErrorIs(t, err, domain.ErrPermission)
}
