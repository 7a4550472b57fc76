// Package guild applies role membership changes on the collaboration
// platform. The engine only ever sees the narrow CurrentRoles/Apply surface.
package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

// Client talks to the collaboration platform's REST API for one guild.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	guildID    string
	logger     *slog.Logger
}

// NewClient creates a role applier for the configured guild
func NewClient(cfg *config.GuildConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		logger:     logger,
	}
}

type memberPayload struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// CurrentRoles returns the member's live role set. Reconciliation always
// works against this, never a cached copy.
func (c *Client) CurrentRoles(ctx context.Context, userID domain.UserID) (map[domain.RoleID]struct{}, error) {
	endpoint := fmt.Sprintf("%s/guilds/%s/members/%s",
		c.baseURL, url.PathEscape(c.guildID), url.PathEscape(string(userID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building member request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching member: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var member memberPayload
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, fmt.Errorf("decoding member: %w", err)
	}

	roles := make(map[domain.RoleID]struct{}, len(member.Roles))
	for _, role := range member.Roles {
		roles[domain.RoleID(role)] = struct{}{}
	}
	return roles, nil
}

// Apply executes a role delta for a member, removals first so a member never
// transiently holds two tiers.
func (c *Client) Apply(ctx context.Context, userID domain.UserID, delta domain.RoleDelta) error {
	for _, role := range delta.Remove {
		if err := c.modifyRole(ctx, http.MethodDelete, userID, role); err != nil {
			return fmt.Errorf("removing role %q: %w", role, err)
		}
	}
	for _, role := range delta.Add {
		if err := c.modifyRole(ctx, http.MethodPut, userID, role); err != nil {
			return fmt.Errorf("adding role %q: %w", role, err)
		}
	}
	return nil
}

func (c *Client) modifyRole(ctx context.Context, method string, userID domain.UserID, role domain.RoleID) error {
	endpoint := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s",
		c.baseURL, url.PathEscape(c.guildID), url.PathEscape(string(userID)), url.PathEscape(string(role)))

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building role request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("modifying role: %w", err)
	}
	resp.Body.Close()

	return checkStatus(resp.StatusCode)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return domain.ErrMemberNotFound
	case code == http.StatusForbidden:
		return domain.ErrPermission
	default:
		return fmt.Errorf("guild api status %d: %w", code, domain.ErrInternalError)
	}
}
