package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/tracker"
)

type fakeStore struct {
	mu           sync.Mutex
	accounts     []domain.LinkedAccount
	updatedRanks map[domain.UserID]domain.Rank

	ListLinkedFunc func(ctx context.Context) ([]domain.LinkedAccount, error)
	UpdateRankFunc func(ctx context.Context, userID domain.UserID, rank domain.Rank) error
}

func newFakeStore(accounts ...domain.LinkedAccount) *fakeStore {
	return &fakeStore{
		accounts:     accounts,
		updatedRanks: make(map[domain.UserID]domain.Rank),
	}
}

func (f *fakeStore) ListLinked(ctx context.Context) ([]domain.LinkedAccount, error) {
	if f.ListLinkedFunc != nil {
		return f.ListLinkedFunc(ctx)
	}
	return f.accounts, nil
}

func (f *fakeStore) UpdateRank(ctx context.Context, userID domain.UserID, rank domain.Rank) error {
	if f.UpdateRankFunc != nil {
		return f.UpdateRankFunc(ctx, userID, rank)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedRanks[userID] = rank
	return nil
}

func (f *fakeStore) updated(userID domain.UserID) (domain.Rank, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rank, ok := f.updatedRanks[userID]
	return rank, ok
}

type fakeSource struct {
	FetchFunc func(ctx context.Context, username string) (tracker.FetchResult, error)
}

func (f *fakeSource) Fetch(ctx context.Context, username string) (tracker.FetchResult, error) {
	return f.FetchFunc(ctx, username)
}

type fakeApplier struct {
	mu      sync.Mutex
	roles   map[domain.UserID]map[domain.RoleID]struct{}
	applied map[domain.UserID][]domain.RoleDelta

	CurrentRolesFunc func(ctx context.Context, userID domain.UserID) (map[domain.RoleID]struct{}, error)
	ApplyFunc        func(ctx context.Context, userID domain.UserID, delta domain.RoleDelta) error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		roles:   make(map[domain.UserID]map[domain.RoleID]struct{}),
		applied: make(map[domain.UserID][]domain.RoleDelta),
	}
}

func (f *fakeApplier) setRoles(userID domain.UserID, roles ...domain.RoleID) {
	set := make(map[domain.RoleID]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	f.roles[userID] = set
}

func (f *fakeApplier) CurrentRoles(ctx context.Context, userID domain.UserID) (map[domain.RoleID]struct{}, error) {
	if f.CurrentRolesFunc != nil {
		return f.CurrentRolesFunc(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.roles[userID]
	if !ok {
		return map[domain.RoleID]struct{}{}, nil
	}
	copied := make(map[domain.RoleID]struct{}, len(set))
	for role := range set {
		copied[role] = struct{}{}
	}
	return copied, nil
}

func (f *fakeApplier) Apply(ctx context.Context, userID domain.UserID, delta domain.RoleDelta) error {
	if f.ApplyFunc != nil {
		return f.ApplyFunc(ctx, userID, delta)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.roles[userID]
	if !ok {
		set = make(map[domain.RoleID]struct{})
		f.roles[userID] = set
	}
	for _, role := range delta.Remove {
		delete(set, role)
	}
	for _, role := range delta.Add {
		set[role] = struct{}{}
	}
	f.applied[userID] = append(f.applied[userID], delta)
	return nil
}

func (f *fakeApplier) appliedDeltas(userID domain.UserID) []domain.RoleDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[userID]
}

func testConfig() *config.SyncConfig {
	return &config.SyncConfig{
		Interval:      time.Hour,
		Workers:       1,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		CallTimeout:   time.Second,
		RateLimitWait: 20 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *fakeStore, source *fakeSource, applier *fakeApplier, cfg *config.SyncConfig) *Engine {
	catalog := domain.NewRoleCatalog("Unranked", "Unlinked")
	return NewEngine(store, source, applier, catalog, tracker.NewBudget(), NewKeyMutex(), cfg, testLogger())
}

func account(id domain.UserID, username string, cached domain.Rank) domain.LinkedAccount {
	return domain.LinkedAccount{UserID: id, Username: username, CachedRank: cached, LinkedAt: time.Now()}
}

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore(
		account("u1", "PhoenixOne", domain.RankSilver2),
		account("u2", "ShadowTwo", ""),
		account("u3", "ThunderThree", domain.RankGold1),
	)
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.setRoles("u2")
	applier.setRoles("u3", "Gold 1", "Gold")

	fresh := map[string]domain.Rank{
		"PhoenixOne":   domain.RankSilver3,
		"ShadowTwo":    domain.RankBronze1,
		"ThunderThree": domain.RankGold1,
	}
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: fresh[username]}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	require.Len(t, summary.Records, 3)
	assert.Equal(t, domain.TriggerManual, summary.Trigger)

	// Records follow the listing snapshot order.
	assert.Equal(t, domain.UserID("u1"), summary.Records[0].UserID)
	assert.Equal(t, domain.UserID("u2"), summary.Records[1].UserID)
	assert.Equal(t, domain.UserID("u3"), summary.Records[2].UserID)

	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, []domain.RoleID{"Silver 3"}, summary.Records[0].Delta.Add)
	assert.Equal(t, []domain.RoleID{"Silver 2"}, summary.Records[0].Delta.Remove)

	assert.Equal(t, domain.OutcomeApplied, summary.Records[1].Outcome)
	assert.Equal(t, []domain.RoleID{"Bronze", "Bronze 1"}, summary.Records[1].Delta.Add)

	// Unchanged rank with correct roles is a no-change skip.
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[2].Outcome)
	assert.Equal(t, domain.ReasonNoChange, summary.Records[2].FailureReason)

	rank, ok := store.updated("u1")
	assert.True(t, ok)
	assert.Equal(t, domain.RankSilver3, rank)
	rank, ok = store.updated("u2")
	assert.True(t, ok)
	assert.Equal(t, domain.RankBronze1, rank)
	// Unchanged cached rank is not rewritten.
	_, ok = store.updated("u3")
	assert.False(t, ok)
}

func TestRunRateLimitedSkipsRemaining(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
		account("u3", "Third", domain.RankGold1),
	)
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.setRoles("u2", "Gold 3", "Gold")
	applier.setRoles("u3", "Gold 1", "Gold")

	cfg := testConfig()
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		if username == "First" {
			return tracker.FetchResult{Rank: domain.RankSilver1}, nil
		}
		// Retry-after beyond the wait ceiling: the run stops fetching.
		ae := domain.NewAdapterError(domain.AdapterRateLimited, errors.New("status 429"))
		ae.RetryAfter = time.Hour
		return tracker.FetchResult{}, ae
	}}

	engine := newTestEngine(store, source, applier, cfg)
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 3)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[1].Outcome)
	assert.Equal(t, domain.ReasonRateLimited, summary.Records[1].FailureReason)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[2].Outcome)
	assert.Equal(t, domain.ReasonRateLimited, summary.Records[2].FailureReason)
	assert.Equal(t, 1, summary.RateLimitEvents)

	// Caches updated for exactly the processed accounts.
	rank, ok := store.updated("u1")
	assert.True(t, ok)
	assert.Equal(t, domain.RankSilver1, rank)
	_, ok = store.updated("u2")
	assert.False(t, ok)
	_, ok = store.updated("u3")
	assert.False(t, ok)
}

func TestRunWaitsOutShortRateLimit(t *testing.T) {
	store := newFakeStore(account("u1", "First", domain.RankSilver2))
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")

	var calls int
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		calls++
		if calls == 1 {
			ae := domain.NewAdapterError(domain.AdapterRateLimited, errors.New("status 429"))
			ae.RetryAfter = time.Millisecond
			return tracker.FetchResult{}, ae
		}
		return tracker.FetchResult{Rank: domain.RankSilver1}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, summary.RateLimitEvents)
}

func TestRunSecondTriggerRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	store := newFakeStore(account("u1", "First", ""))
	applier := newFakeApplier()
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		close(started)
		<-release
		return tracker.FetchResult{Rank: domain.RankBronze3}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := engine.Run(context.Background(), domain.TriggerScheduled)
		assert.NoError(t, err)
	}()

	<-started
	assert.True(t, engine.Running())
	_, err := engine.Run(context.Background(), domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(release)
	<-done
	assert.False(t, engine.Running())
	assert.NotNil(t, engine.LastSummary())
}

func TestRunFailedApplyLeavesCacheUntouched(t *testing.T) {
	store := newFakeStore(account("u1", "First", domain.RankSilver2))
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.ApplyFunc = func(ctx context.Context, userID domain.UserID, delta domain.RoleDelta) error {
		return domain.ErrPermission
	}
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: domain.RankGold3}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeFailed, summary.Records[0].Outcome)
	assert.Equal(t, domain.ReasonPermission, summary.Records[0].FailureReason)

	// Cache stays at the old rank so the next run retries the same delta.
	_, ok := store.updated("u1")
	assert.False(t, ok)
}

func TestRunFatalErrorAbortsRemaining(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
		account("u3", "Third", domain.RankGold1),
	)
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.setRoles("u2", "Gold 3", "Gold")
	applier.setRoles("u3", "Gold 1", "Gold")

	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		if username == "Second" {
			return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterFatal, errors.New("status 401"))
		}
		return tracker.FetchResult{Rank: domain.RankChampion}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 3)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, domain.OutcomeFailed, summary.Records[1].Outcome)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[2].Outcome)
	assert.Equal(t, domain.ReasonAborted, summary.Records[2].FailureReason)
	assert.Equal(t, 1, summary.FatalErrors)
}

func TestRunPersistenceFailureAbortsRun(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
	)
	store.UpdateRankFunc = func(ctx context.Context, userID domain.UserID, rank domain.Rank) error {
		return errors.New("connection reset")
	}
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.setRoles("u2", "Gold 3", "Gold")
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: domain.RankChampion}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 2)
	assert.Equal(t, domain.OutcomeFailed, summary.Records[0].Outcome)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[1].Outcome)
	assert.Equal(t, domain.ReasonAborted, summary.Records[1].FailureReason)
	assert.Equal(t, 1, summary.FatalErrors)
}

func TestRunCancelMidApplyPersistsInFlightAccount(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
	)
	store.UpdateRankFunc = func(ctx context.Context, userID domain.UserID, rank domain.Rank) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		store.mu.Lock()
		defer store.mu.Unlock()
		store.updatedRanks[userID] = rank
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")
	applier.ApplyFunc = func(applyCtx context.Context, userID domain.UserID, delta domain.RoleDelta) error {
		// Shutdown lands while the first account's roles are being changed.
		cancel()
		return nil
	}
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: domain.RankSilver1}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(ctx, domain.TriggerScheduled)
	require.NoError(t, err)

	// The in-flight account's apply and persist complete together; only the
	// accounts not yet started are skipped.
	require.Len(t, summary.Records, 2)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[1].Outcome)
	assert.Equal(t, domain.ReasonCancelled, summary.Records[1].FailureReason)
	assert.Equal(t, 0, summary.FatalErrors)

	rank, ok := store.updated("u1")
	assert.True(t, ok)
	assert.Equal(t, domain.RankSilver1, rank)
}

func TestRunShortRateLimitWaitsKeepRetryBudget(t *testing.T) {
	store := newFakeStore(account("u1", "First", domain.RankSilver2))
	applier := newFakeApplier()
	applier.setRoles("u1", "Silver 2", "Silver")

	// More short waits than the transient retry budget allows.
	var calls int
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		calls++
		if calls <= 3 {
			ae := domain.NewAdapterError(domain.AdapterRateLimited, errors.New("status 429"))
			ae.RetryAfter = time.Millisecond
			return tracker.FetchResult{}, ae
		}
		return tracker.FetchResult{Rank: domain.RankSilver1}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, summary.RateLimitEvents)
}

func TestRunCancelledContext(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
	)
	applier := newFakeApplier()

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{FetchFunc: func(c context.Context, username string) (tracker.FetchResult, error) {
		cancel()
		return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, c.Err())
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(ctx, domain.TriggerScheduled)
	require.NoError(t, err)

	// The summary is fully constructed even for a cancelled run.
	require.Len(t, summary.Records, 2)
	for _, record := range summary.Records {
		assert.Equal(t, domain.OutcomeSkipped, record.Outcome)
		assert.Equal(t, domain.ReasonCancelled, record.FailureReason)
	}
}

func TestRunNotFoundRetainsRank(t *testing.T) {
	store := newFakeStore(account("u1", "Vanished", domain.RankPlatinum2))
	applier := newFakeApplier()
	applier.setRoles("u1", "Platinum 2", "Platinum")
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterNotFound, errors.New("player gone"))
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	// NotFound mid-cycle means no seasonal data: roles retained, cache kept.
	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeSkipped, summary.Records[0].Outcome)
	assert.Equal(t, domain.ReasonNoChange, summary.Records[0].FailureReason)
	_, ok := store.updated("u1")
	assert.False(t, ok)
}

func TestRunTransientFailureRetries(t *testing.T) {
	store := newFakeStore(account("u1", "Flaky", ""))
	applier := newFakeApplier()

	var calls int
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		calls++
		if calls == 1 {
			return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, errors.New("status 503"))
		}
		return tracker.FetchResult{Rank: domain.RankBronze2}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeApplied, summary.Records[0].Outcome)
}

func TestRunTransientFailureExhaustsRetries(t *testing.T) {
	store := newFakeStore(account("u1", "Down", domain.RankGold2))
	applier := newFakeApplier()

	var calls int
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		calls++
		return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, errors.New("status 503"))
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	summary, err := engine.Run(context.Background(), domain.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, domain.OutcomeFailed, summary.Records[0].Outcome)
	_, ok := store.updated("u1")
	assert.False(t, ok)
}

func TestSyncOneRemovesUnlinkedRole(t *testing.T) {
	store := newFakeStore()
	applier := newFakeApplier()
	applier.setRoles("u1", "Unlinked")
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: domain.RankSilver2}, nil
	}}

	engine := newTestEngine(store, source, applier, testConfig())
	record, err := engine.SyncOne(context.Background(), account("u1", "Fresh", ""), true)
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeApplied, record.Outcome)
	assert.Equal(t, []domain.RoleID{"Silver", "Silver 2"}, record.Delta.Add)
	assert.Equal(t, []domain.RoleID{"Unlinked"}, record.Delta.Remove)

	rank, ok := store.updated("u1")
	assert.True(t, ok)
	assert.Equal(t, domain.RankSilver2, rank)

	deltas := applier.appliedDeltas("u1")
	require.Len(t, deltas, 1)
}

func TestSchedulerStartStop(t *testing.T) {
	store := newFakeStore()
	applier := newFakeApplier()
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		return tracker.FetchResult{Rank: domain.RankBronze3}, nil
	}}

	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	engine := newTestEngine(store, source, applier, cfg)

	scheduler := NewScheduler(engine, cfg, testLogger())
	require.NoError(t, scheduler.Start(context.Background()))

	// A tick against an empty store completes and records a summary.
	assert.Eventually(t, func() bool {
		return engine.LastSummary() != nil
	}, time.Second, time.Millisecond)

	require.NoError(t, scheduler.Stop())
}

func TestSchedulerStopCancelsActiveRun(t *testing.T) {
	store := newFakeStore(
		account("u1", "First", domain.RankSilver2),
		account("u2", "Second", domain.RankGold3),
	)
	applier := newFakeApplier()

	fetchStarted := make(chan struct{})
	var once sync.Once
	source := &fakeSource{FetchFunc: func(ctx context.Context, username string) (tracker.FetchResult, error) {
		once.Do(func() { close(fetchStarted) })
		// Simulates a slow provider call; only cancellation unblocks it.
		<-ctx.Done()
		return tracker.FetchResult{}, domain.NewAdapterError(domain.AdapterTransient, ctx.Err())
	}}

	cfg := testConfig()
	cfg.Interval = time.Millisecond
	engine := newTestEngine(store, source, applier, cfg)

	scheduler := NewScheduler(engine, cfg, testLogger())
	require.NoError(t, scheduler.Start(context.Background()))
	<-fetchStarted

	stopped := make(chan struct{})
	go func() {
		assert.NoError(t, scheduler.Stop())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stop blocked on the active run")
	}

	// The interrupted run still produced a full summary with every account
	// marked cancelled.
	summary := engine.LastSummary()
	require.NotNil(t, summary)
	require.Len(t, summary.Records, 2)
	for _, record := range summary.Records {
		assert.Equal(t, domain.OutcomeSkipped, record.Outcome)
		assert.Equal(t, domain.ReasonCancelled, record.FailureReason)
	}
}
