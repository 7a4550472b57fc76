// Package tracker implements the rank source adapter: it fetches a player's
// current standing from the external provider and normalizes it into the
// internal rank model. All provider-specific field names and shapes stay
// behind this seam.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

// FetchResult is a normalized rank plus the budget state the provider
// reported alongside it.
type FetchResult struct {
	Rank   domain.Rank
	Budget BudgetSnapshot
}

// Client talks to the rank provider over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	platform   string
	limiter    *rate.Limiter
	budget     *Budget
	logger     *slog.Logger
}

// NewClient creates a provider client. Outgoing calls are paced client-side
// in addition to honoring the provider-reported budget.
func NewClient(cfg *config.TrackerConfig, budget *Budget, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		platform:   cfg.Platform,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		budget:     budget,
		logger:     logger,
	}
}

// Budget returns the shared rate budget the client reconciles responses into.
func (c *Client) Budget() *Budget {
	return c.budget
}

// profilePayload is the provider's wire shape. Rank is null when the account
// has no seasonal data.
type profilePayload struct {
	Username string  `json:"username"`
	Rank     *string `json:"rank"`
	Season   string  `json:"season,omitempty"`
}

// Fetch returns the player's normalized rank or a typed adapter failure.
// A provider 404 maps to AdapterNotFound; a 200 with a null rank maps to the
// no-data sentinel.
func (c *Client) Fetch(ctx context.Context, username string) (FetchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, err)
	}

	endpoint := fmt.Sprintf("%s/v1/players/%s/rank?platform=%s",
		c.baseURL, url.PathEscape(username), url.QueryEscape(c.platform))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, domain.NewAdapterError(domain.AdapterFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, err)
	}
	defer resp.Body.Close()

	snapshot := parseBudget(resp.Header)
	c.budget.Observe(snapshot)

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload profilePayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, fmt.Errorf("decoding profile: %w", err))
		}
		if payload.Rank == nil {
			return FetchResult{Rank: domain.RankNoData, Budget: snapshot}, nil
		}
		parsed, err := domain.ParseExternal(*payload.Rank)
		if err != nil {
			// Fail closed on unknown values; never guess a tier.
			return FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, err)
		}
		return FetchResult{Rank: parsed, Budget: snapshot}, nil

	case resp.StatusCode == http.StatusNotFound:
		return FetchResult{}, domain.NewAdapterError(domain.AdapterNotFound, fmt.Errorf("player %q", username))

	case resp.StatusCode == http.StatusTooManyRequests:
		ae := domain.NewAdapterError(domain.AdapterRateLimited, fmt.Errorf("status %d", resp.StatusCode))
		ae.RetryAfter = parseRetryAfter(resp.Header, snapshot)
		return FetchResult{}, ae

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return FetchResult{}, domain.NewAdapterError(domain.AdapterFatal, fmt.Errorf("status %d", resp.StatusCode))

	default:
		return FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Exists reports whether the username resolves at the provider. Used by the
// link flow for validation; the rank itself is discarded.
func (c *Client) Exists(ctx context.Context, username string) (bool, error) {
	_, err := c.Fetch(ctx, username)
	if err == nil {
		return true, nil
	}
	if domain.IsAdapterKind(err, domain.AdapterNotFound) {
		return false, nil
	}
	return false, err
}

func parseBudget(h http.Header) BudgetSnapshot {
	remainingStr := h.Get("X-RateLimit-Remaining")
	resetStr := h.Get("X-RateLimit-Reset")
	if remainingStr == "" || resetStr == "" {
		return BudgetSnapshot{}
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return BudgetSnapshot{}
	}
	resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return BudgetSnapshot{}
	}
	return BudgetSnapshot{
		Remaining: remaining,
		ResetAt:   time.Unix(resetUnix, 0),
		Known:     true,
	}
}

func parseRetryAfter(h http.Header, snapshot BudgetSnapshot) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if snapshot.Known {
		if d := time.Until(snapshot.ResetAt); d > 0 {
			return d
		}
	}
	return 0
}
