// Package orchestrator drives rank reconciliation across all linked
// accounts: it snapshots the linked-account list, fetches fresh ranks under
// a bounded worker budget, applies role deltas, and persists cached ranks,
// producing an auditable batch summary per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/reconcile"
	"github.com/guild-ranksync/internal/tracker"
)

// IdentityStore is the persistence contract the engine needs during a run.
type IdentityStore interface {
	ListLinked(ctx context.Context) ([]domain.LinkedAccount, error)
	UpdateRank(ctx context.Context, userID domain.UserID, rank domain.Rank) error
}

// RankSource fetches a normalized rank for an external username.
type RankSource interface {
	Fetch(ctx context.Context, username string) (tracker.FetchResult, error)
}

// RoleApplier reads and mutates a member's guild roles.
type RoleApplier interface {
	CurrentRoles(ctx context.Context, userID domain.UserID) (map[domain.RoleID]struct{}, error)
	Apply(ctx context.Context, userID domain.UserID, delta domain.RoleDelta) error
}

// Notifier receives audit events. Delivery is fire-and-forget; the engine
// never blocks on or retries notification.
type Notifier interface {
	PublishRecord(ctx context.Context, record domain.ChangeRecord)
	PublishSummary(ctx context.Context, summary *domain.BatchSummary)
}

// Engine is the update orchestrator. At most one run is active at a time.
type Engine struct {
	store     IdentityStore
	source    RankSource
	applier   RoleApplier
	catalog   *domain.RoleCatalog
	budget    *tracker.Budget
	locks     *KeyMutex
	notifiers []Notifier
	config    *config.SyncConfig
	logger    *slog.Logger

	runMu   sync.Mutex
	running atomic.Bool

	lastMu      sync.RWMutex
	lastSummary *domain.BatchSummary
}

// NewEngine creates an update orchestrator
func NewEngine(
	store IdentityStore,
	source RankSource,
	applier RoleApplier,
	catalog *domain.RoleCatalog,
	budget *tracker.Budget,
	locks *KeyMutex,
	cfg *config.SyncConfig,
	logger *slog.Logger,
	notifiers ...Notifier,
) *Engine {
	return &Engine{
		store:     store,
		source:    source,
		applier:   applier,
		catalog:   catalog,
		budget:    budget,
		locks:     locks,
		notifiers: notifiers,
		config:    cfg,
		logger:    logger,
	}
}

func (e *Engine) policy() reconcile.Policy {
	return reconcile.Policy{DemoteOnNoData: e.config.DemoteOnNoData}
}

// Running reports whether a run is currently active
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastSummary returns the most recently completed batch summary, if any
func (e *Engine) LastSummary() *domain.BatchSummary {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.lastSummary
}

// Run executes one orchestration across all linked accounts. A second
// trigger while a run is active gets ErrRunInProgress. The summary is fully
// constructed even when the run is cancelled or aborted partway.
func (e *Engine) Run(ctx context.Context, trigger domain.Trigger) (*domain.BatchSummary, error) {
	if !e.runMu.TryLock() {
		return nil, domain.ErrRunInProgress
	}
	defer e.runMu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)

	summary := &domain.BatchSummary{
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	defer func() {
		summary.FinishedAt = time.Now()
		e.lastMu.Lock()
		e.lastSummary = summary
		e.lastMu.Unlock()
		e.publishSummary(summary)
	}()

	e.logger.Info("starting update run", "trigger", trigger)

	// Listing: snapshot the membership at run start. Links and unlinks that
	// land during the run do not affect this run.
	accounts, err := e.store.ListLinked(ctx)
	if err != nil {
		summary.FatalErrors++
		return summary, fmt.Errorf("listing linked accounts: %w", err)
	}

	results := e.fetchAll(ctx, accounts, summary)

	// Applying: sequential in snapshot order so summaries are reproducible
	// and per-account persistence happens right after each apply.
	aborted := false
	for i, account := range accounts {
		var record domain.ChangeRecord
		switch {
		case aborted:
			record = skipRecord(account, domain.ReasonAborted)
		case ctx.Err() != nil:
			record = skipRecord(account, domain.ReasonCancelled)
		case results[i].skipReason != "":
			record = skipRecord(account, results[i].skipReason)
		case results[i].err != nil:
			record = failRecord(account, results[i].err)
			if domain.IsAdapterKind(results[i].err, domain.AdapterFatal) {
				summary.FatalErrors++
				aborted = true
			}
		default:
			var syncErr error
			record, syncErr = e.syncAccount(ctx, account, results[i].rank, false)
			if syncErr != nil {
				// Persistence failure: the system must not silently lose
				// cached state, so the rest of the run is aborted.
				e.logger.Error("aborting run", "error", syncErr, "user_id", account.UserID)
				summary.FatalErrors++
				aborted = true
			}
		}
		summary.Records = append(summary.Records, record)
		e.publishRecord(record)
	}

	e.logger.Info("update run complete",
		"trigger", trigger,
		"accounts", len(accounts),
		"applied", summary.Count(domain.OutcomeApplied),
		"skipped", summary.Count(domain.OutcomeSkipped),
		"failed", summary.Count(domain.OutcomeFailed),
		"rate_limit_events", summary.RateLimitEvents,
	)

	return summary, nil
}

// SyncOne runs a single-account reconciliation, used by the link lifecycle
// so roles land synchronously instead of waiting for the next cycle.
// removeUnlinked additionally strips the Unlinked role in the same apply.
func (e *Engine) SyncOne(ctx context.Context, account domain.LinkedAccount, removeUnlinked bool) (domain.ChangeRecord, error) {
	var stopped atomic.Bool
	var rateEvents atomic.Int64
	result := e.fetchOne(ctx, account.Username, &stopped, &rateEvents)

	switch {
	case result.skipReason == domain.ReasonCancelled:
		return domain.ChangeRecord{}, ctx.Err()
	case result.skipReason == domain.ReasonRateLimited:
		return domain.ChangeRecord{}, domain.NewAdapterError(domain.AdapterRateLimited, errors.New("budget exhausted"))
	case result.err != nil:
		return domain.ChangeRecord{}, result.err
	}

	record, err := e.syncAccount(ctx, account, result.rank, removeUnlinked)
	e.publishRecord(record)
	return record, err
}

type fetchResult struct {
	rank       domain.Rank
	err        error
	skipReason string
}

// fetchAll fans fetches out over a fixed worker budget. Results land at the
// account's snapshot index, preserving order regardless of completion.
func (e *Engine) fetchAll(ctx context.Context, accounts []domain.LinkedAccount, summary *domain.BatchSummary) []fetchResult {
	results := make([]fetchResult, len(accounts))
	if len(accounts) == 0 {
		return results
	}

	workers := e.config.Workers
	if workers > len(accounts) {
		workers = len(accounts)
	}

	var stopped atomic.Bool
	var rateEvents atomic.Int64
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.fetchOne(ctx, accounts[i].Username, &stopped, &rateEvents)
			}
		}()
	}

	for i := range accounts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	summary.RateLimitEvents = int(rateEvents.Load())
	return results
}

// fetchOne fetches a single username with retry/backoff. Rate limiting is
// waited out when the provider's retry-after fits under the configured
// ceiling; otherwise stopped is set and the remaining accounts are skipped.
func (e *Engine) fetchOne(ctx context.Context, username string, stopped *atomic.Bool, rateEvents *atomic.Int64) fetchResult {
	if ctx.Err() != nil {
		return fetchResult{skipReason: domain.ReasonCancelled}
	}
	if stopped.Load() {
		return fetchResult{skipReason: domain.ReasonRateLimited}
	}

	// Honor the adapter-reported budget before issuing the call.
	if exhausted, resetAt := e.budget.Exhausted(time.Now()); exhausted {
		wait := time.Until(resetAt)
		if wait > e.config.RateLimitWait {
			stopped.Store(true)
			return fetchResult{skipReason: domain.ReasonRateLimited}
		}
		if !sleepContext(ctx, wait) {
			return fetchResult{skipReason: domain.ReasonCancelled}
		}
	}

	// Rate-limit waits are budgeted by cumulative waited time, separately
	// from the transient retry attempts.
	var lastErr error
	var waited time.Duration
	for attempt := 0; attempt < e.config.RetryAttempts; {
		if stopped.Load() {
			return fetchResult{skipReason: domain.ReasonRateLimited}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		result, err := e.source.Fetch(callCtx, username)
		cancel()

		if err == nil {
			return fetchResult{rank: result.Rank}
		}

		ae, ok := domain.AdapterErrorOf(err)
		if !ok {
			return fetchResult{err: err}
		}

		switch ae.Kind {
		case domain.AdapterNotFound:
			// Mid-cycle NotFound means no seasonal data, not a failure.
			return fetchResult{rank: domain.RankNoData}

		case domain.AdapterRateLimited:
			rateEvents.Add(1)
			if ae.RetryAfter > 0 && waited+ae.RetryAfter <= e.config.RateLimitWait {
				if !sleepContext(ctx, ae.RetryAfter) {
					return fetchResult{skipReason: domain.ReasonCancelled}
				}
				waited += ae.RetryAfter
				continue
			}
			stopped.Store(true)
			return fetchResult{skipReason: domain.ReasonRateLimited}

		case domain.AdapterTransient:
			attempt++
			lastErr = err
			e.logger.Warn("transient fetch failure",
				"username", username,
				"attempt", attempt,
				"error", err,
			)
			if attempt < e.config.RetryAttempts {
				// Linear backoff scaled by attempt count.
				if !sleepContext(ctx, e.config.RetryDelay*time.Duration(attempt)) {
					return fetchResult{skipReason: domain.ReasonCancelled}
				}
			}

		case domain.AdapterFatal:
			return fetchResult{err: err}
		}
	}
	return fetchResult{err: lastErr}
}

// syncAccount reconciles and applies one account under its per-account lock.
// A role applier failure is isolated: the record is marked Failed and the
// cached rank stays untouched so the next run retries the same delta. A
// persistence failure is returned as an error and aborts the run.
func (e *Engine) syncAccount(ctx context.Context, account domain.LinkedAccount, newRank domain.Rank, removeUnlinked bool) (domain.ChangeRecord, error) {
	unlock := e.locks.Lock(account.UserID)
	defer unlock()

	// Cancellation is only honored between accounts. Once an account is in
	// flight its apply and persist run to completion together, so platform
	// roles and the cached rank never diverge on a mid-apply cancel.
	ctx = context.WithoutCancel(ctx)

	record := domain.ChangeRecord{
		ID:           uuid.New().String(),
		UserID:       account.UserID,
		Username:     account.Username,
		PreviousRank: account.CachedRank,
		NewRank:      newRank,
		RecordedAt:   time.Now(),
	}

	current, err := e.applier.CurrentRoles(ctx, account.UserID)
	if err != nil {
		record.Outcome = domain.OutcomeFailed
		record.FailureReason = applierReason(err)
		return record, nil
	}

	delta, outcome := reconcile.Reconcile(account.CachedRank, newRank, current, e.catalog, e.policy())

	// The Unlinked role is owned by the link lifecycle, never by
	// reconciliation; the link path asks for its removal explicitly.
	if removeUnlinked {
		if _, has := current[e.catalog.Unlinked()]; has {
			delta.Remove = append(delta.Remove, e.catalog.Unlinked())
			outcome = domain.OutcomeApplied
		}
	}
	record.Delta = delta

	if !delta.IsEmpty() {
		if err := e.applier.Apply(ctx, account.UserID, delta); err != nil {
			record.Outcome = domain.OutcomeFailed
			record.FailureReason = applierReason(err)
			return record, nil
		}
	}

	cached := reconcile.CacheRank(account.CachedRank, newRank, e.policy())
	if cached != account.CachedRank {
		if err := e.store.UpdateRank(ctx, account.UserID, cached); err != nil {
			record.Outcome = domain.OutcomeFailed
			record.FailureReason = err.Error()
			return record, fmt.Errorf("persisting cached rank: %w", err)
		}
	}

	record.Outcome = outcome
	if outcome == domain.OutcomeSkipped {
		record.FailureReason = domain.ReasonNoChange
	}
	return record, nil
}

func (e *Engine) publishRecord(record domain.ChangeRecord) {
	if record.Outcome == domain.OutcomeSkipped && record.FailureReason == domain.ReasonNoChange {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range e.notifiers {
		n.PublishRecord(ctx, record)
	}
}

func (e *Engine) publishSummary(summary *domain.BatchSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range e.notifiers {
		n.PublishSummary(ctx, summary)
	}
}

func skipRecord(account domain.LinkedAccount, reason string) domain.ChangeRecord {
	return domain.ChangeRecord{
		ID:            uuid.New().String(),
		UserID:        account.UserID,
		Username:      account.Username,
		PreviousRank:  account.CachedRank,
		Outcome:       domain.OutcomeSkipped,
		FailureReason: reason,
		RecordedAt:    time.Now(),
	}
}

func failRecord(account domain.LinkedAccount, err error) domain.ChangeRecord {
	return domain.ChangeRecord{
		ID:            uuid.New().String(),
		UserID:        account.UserID,
		Username:      account.Username,
		PreviousRank:  account.CachedRank,
		Outcome:       domain.OutcomeFailed,
		FailureReason: err.Error(),
		RecordedAt:    time.Now(),
	}
}

func applierReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMemberNotFound):
		return domain.ReasonMemberMissing
	case errors.Is(err, domain.ErrPermission):
		return domain.ReasonPermission
	default:
		return err.Error()
	}
}

// sleepContext sleeps for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
