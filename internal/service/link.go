// Package service implements the link/unlink lifecycle and member-join role
// restoration. It is the only owner of the Unlinked role.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xrash/smetrics"

	"github.com/guild-ranksync/internal/domain"
	"github.com/guild-ranksync/internal/orchestrator"
	"github.com/guild-ranksync/internal/reconcile"
)

const (
	suggestionLimit     = 5
	suggestionThreshold = 0.78
	suggestionPool      = 200
)

// IdentityStore is the persistence contract for the lifecycle paths.
type IdentityStore interface {
	Get(ctx context.Context, userID domain.UserID) (*domain.LinkedAccount, error)
	GetByUsername(ctx context.Context, username string) (*domain.LinkedAccount, error)
	Upsert(ctx context.Context, account domain.LinkedAccount) error
	Delete(ctx context.Context, userID domain.UserID) error
	Usernames(ctx context.Context) ([]string, error)
}

// UsernameValidator checks that an external username resolves at the
// provider.
type UsernameValidator interface {
	Exists(ctx context.Context, username string) (bool, error)
}

// NameCache remembers recently seen usernames for suggestion matching.
type NameCache interface {
	Remember(ctx context.Context, username string) error
	Forget(ctx context.Context, username string) error
	Recent(ctx context.Context, limit int) ([]string, error)
}

// LinkService drives account linking, unlinking and join-time restoration.
type LinkService struct {
	store     IdentityStore
	validator UsernameValidator
	engine    *orchestrator.Engine
	applier   orchestrator.RoleApplier
	catalog   *domain.RoleCatalog
	names     NameCache
	locks     *orchestrator.KeyMutex
	notifiers []orchestrator.Notifier
	demote    bool
	logger    *slog.Logger
}

// NewLinkService creates a new lifecycle service
func NewLinkService(
	store IdentityStore,
	validator UsernameValidator,
	engine *orchestrator.Engine,
	applier orchestrator.RoleApplier,
	catalog *domain.RoleCatalog,
	names NameCache,
	locks *orchestrator.KeyMutex,
	demoteOnNoData bool,
	logger *slog.Logger,
	notifiers ...orchestrator.Notifier,
) *LinkService {
	return &LinkService{
		store:     store,
		validator: validator,
		engine:    engine,
		applier:   applier,
		catalog:   catalog,
		names:     names,
		locks:     locks,
		notifiers: notifiers,
		demote:    demoteOnNoData,
		logger:    logger,
	}
}

// Link validates the username, creates or replaces the account link, and
// runs a synchronous one-account reconciliation so roles land immediately.
// An unknown username fails with a ValidationError carrying nearest-match
// suggestions.
func (s *LinkService) Link(ctx context.Context, userID domain.UserID, username string) (*domain.ChangeRecord, error) {
	ok, err := s.validator.Exists(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("validating username: %w", err)
	}
	if !ok {
		return nil, &domain.ValidationError{
			Username:    username,
			Suggestions: s.Suggestions(ctx, username),
		}
	}

	// An external username belongs to at most one local user; linking it
	// displaces the previous holder (their roles correct on the next cycle).
	existing, err := s.store.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrNotLinked) {
		return nil, fmt.Errorf("checking username owner: %w", err)
	}
	if err == nil && existing.UserID != userID {
		if err := s.store.Delete(ctx, existing.UserID); err != nil {
			return nil, fmt.Errorf("displacing previous link: %w", err)
		}
		s.logger.Info("displaced previous link",
			"username", username,
			"previous_user_id", existing.UserID,
			"user_id", userID,
		)
	}

	account := domain.LinkedAccount{
		UserID:   userID,
		Username: username,
		LinkedAt: time.Now(),
	}
	if err := s.store.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("creating link: %w", err)
	}

	if err := s.names.Remember(ctx, username); err != nil {
		s.logger.Warn("failed to cache username", "username", username, "error", err)
	}

	record, err := s.engine.SyncOne(ctx, account, true)
	if err != nil {
		// The link itself is durable; the next scheduled run corrects roles.
		s.logger.Warn("initial reconciliation failed after link",
			"user_id", userID,
			"username", username,
			"error", err,
		)
		record = domain.ChangeRecord{
			ID:            uuid.New().String(),
			UserID:        userID,
			Username:      username,
			Outcome:       domain.OutcomeFailed,
			FailureReason: err.Error(),
			RecordedAt:    time.Now(),
		}
		s.publish(record)
	}
	return &record, nil
}

// Unlink removes the account link, strips every rank-implying role, and
// assigns the Unlinked role. This is the only path that ever assigns
// Unlinked.
func (s *LinkService) Unlink(ctx context.Context, userID domain.UserID) (*domain.ChangeRecord, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	account, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, userID); err != nil {
		return nil, fmt.Errorf("removing link: %w", err)
	}

	if err := s.names.Forget(ctx, account.Username); err != nil {
		s.logger.Warn("failed to evict username", "username", account.Username, "error", err)
	}

	record := domain.ChangeRecord{
		ID:           uuid.New().String(),
		UserID:       userID,
		Username:     account.Username,
		PreviousRank: account.CachedRank,
		RecordedAt:   time.Now(),
	}

	current, err := s.applier.CurrentRoles(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrMemberNotFound) {
			// Member already left the guild; nothing to strip.
			record.Outcome = domain.OutcomeSkipped
			record.FailureReason = domain.ReasonMemberMissing
			s.publish(record)
			return &record, nil
		}
		record.Outcome = domain.OutcomeFailed
		record.FailureReason = err.Error()
		s.publish(record)
		return &record, nil
	}

	remove := make(map[domain.RoleID]struct{})
	for role := range current {
		if s.catalog.InUniverse(role) {
			remove[role] = struct{}{}
		}
	}
	add := make(map[domain.RoleID]struct{})
	if _, has := current[s.catalog.Unlinked()]; !has {
		add[s.catalog.Unlinked()] = struct{}{}
	}
	record.Delta = domain.NewRoleDelta(add, remove)

	if !record.Delta.IsEmpty() {
		if err := s.applier.Apply(ctx, userID, record.Delta); err != nil {
			record.Outcome = domain.OutcomeFailed
			record.FailureReason = err.Error()
			s.publish(record)
			return &record, nil
		}
	}

	record.Outcome = domain.OutcomeApplied
	s.publish(record)
	return &record, nil
}

// MemberJoined restores a joining member's roles from the cached rank, or
// assigns the Unlinked role when no link exists.
func (s *LinkService) MemberJoined(ctx context.Context, userID domain.UserID) (*domain.ChangeRecord, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	record := domain.ChangeRecord{
		ID:         uuid.New().String(),
		UserID:     userID,
		RecordedAt: time.Now(),
	}

	current, err := s.applier.CurrentRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading member roles: %w", err)
	}

	account, err := s.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotLinked) {
			return nil, fmt.Errorf("looking up link: %w", err)
		}
		if _, has := current[s.catalog.Unlinked()]; !has {
			record.Delta = domain.RoleDelta{Add: []domain.RoleID{s.catalog.Unlinked()}}
			if err := s.applier.Apply(ctx, userID, record.Delta); err != nil {
				record.Outcome = domain.OutcomeFailed
				record.FailureReason = err.Error()
				s.publish(record)
				return &record, nil
			}
			record.Outcome = domain.OutcomeApplied
		} else {
			record.Outcome = domain.OutcomeSkipped
			record.FailureReason = domain.ReasonNoChange
		}
		s.publish(record)
		return &record, nil
	}

	record.Username = account.Username
	record.PreviousRank = account.CachedRank
	record.NewRank = account.CachedRank

	cached := account.CachedRank
	if cached == "" {
		cached = domain.RankNoData
	}
	delta, outcome := reconcile.Reconcile(account.CachedRank, cached, current, s.catalog, reconcile.Policy{DemoteOnNoData: s.demote})
	if _, has := current[s.catalog.Unlinked()]; has {
		delta.Remove = append(delta.Remove, s.catalog.Unlinked())
		outcome = domain.OutcomeApplied
	}
	record.Delta = delta

	if !delta.IsEmpty() {
		if err := s.applier.Apply(ctx, userID, delta); err != nil {
			record.Outcome = domain.OutcomeFailed
			record.FailureReason = err.Error()
			s.publish(record)
			return &record, nil
		}
	}

	record.Outcome = outcome
	s.publish(record)
	return &record, nil
}

// Suggestions returns nearest matches for an unknown username, best first,
// computed by Jaro-Winkler similarity over the recent-username cache with
// the store as fallback corpus.
func (s *LinkService) Suggestions(ctx context.Context, username string) []string {
	candidates, err := s.names.Recent(ctx, suggestionPool)
	if err != nil || len(candidates) == 0 {
		candidates, err = s.store.Usernames(ctx)
		if err != nil {
			s.logger.Warn("failed to load suggestion corpus", "error", err)
			return nil
		}
	}

	type scored struct {
		name  string
		score float64
	}
	target := strings.ToLower(username)
	var matches []scored
	for _, candidate := range candidates {
		score := smetrics.JaroWinkler(target, strings.ToLower(candidate), 0.7, 4)
		if score >= suggestionThreshold {
			matches = append(matches, scored{candidate, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].name < matches[j].name
	})

	var names []string
	for _, m := range matches {
		names = append(names, m.name)
		if len(names) == suggestionLimit {
			break
		}
	}
	return names
}

func (s *LinkService) publish(record domain.ChangeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, n := range s.notifiers {
		n.PublishRecord(ctx, record)
	}
}
