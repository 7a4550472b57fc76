// Package identity is the durable mapping of local users to external
// game-service accounts, backed by PostgreSQL.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guild-ranksync/internal/config"
	"github.com/guild-ranksync/internal/domain"
)

// Store provides PostgreSQL-based access to linked accounts
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a new PostgreSQL store
func NewStore(cfg *config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// RunMigrations executes database migrations
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS linked_accounts (
			user_id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(128) NOT NULL,
			cached_rank VARCHAR(32),
			linked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_linked_accounts_username
			ON linked_accounts(LOWER(username))`,
		`CREATE INDEX IF NOT EXISTS idx_linked_accounts_linked_at
			ON linked_accounts(linked_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	s.logger.Info("database migrations completed")
	return nil
}

// ListLinked returns all linked accounts in a stable order (link time, then
// user id). Orchestration runs snapshot this list at run start.
func (s *Store) ListLinked(ctx context.Context) ([]domain.LinkedAccount, error) {
	query := `
		SELECT user_id, username, cached_rank, linked_at, updated_at
		FROM linked_accounts
		ORDER BY linked_at, user_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing linked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.LinkedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning linked account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Get returns the linked account for a local user
func (s *Store) Get(ctx context.Context, userID domain.UserID) (*domain.LinkedAccount, error) {
	query := `
		SELECT user_id, username, cached_rank, linked_at, updated_at
		FROM linked_accounts
		WHERE user_id = $1
	`
	row := s.pool.QueryRow(ctx, query, string(userID))
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotLinked
		}
		return nil, fmt.Errorf("getting linked account: %w", err)
	}
	return &account, nil
}

// GetByUsername looks up a linked account by external username,
// case-insensitively.
func (s *Store) GetByUsername(ctx context.Context, username string) (*domain.LinkedAccount, error) {
	query := `
		SELECT user_id, username, cached_rank, linked_at, updated_at
		FROM linked_accounts
		WHERE LOWER(username) = $1
	`
	row := s.pool.QueryRow(ctx, query, strings.ToLower(username))
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotLinked
		}
		return nil, fmt.Errorf("getting account by username: %w", err)
	}
	return &account, nil
}

// Upsert creates or replaces a linked account
func (s *Store) Upsert(ctx context.Context, account domain.LinkedAccount) error {
	query := `
		INSERT INTO linked_accounts (user_id, username, cached_rank, linked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET username = $2, cached_rank = $3, updated_at = $5
	`
	_, err := s.pool.Exec(ctx, query,
		string(account.UserID),
		account.Username,
		nullableRank(account.CachedRank),
		account.LinkedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upserting linked account: %w", err)
	}
	return nil
}

// UpdateRank persists a freshly reconciled cached rank
func (s *Store) UpdateRank(ctx context.Context, userID domain.UserID, rank domain.Rank) error {
	query := `
		UPDATE linked_accounts
		SET cached_rank = $2, updated_at = $3
		WHERE user_id = $1
	`
	result, err := s.pool.Exec(ctx, query, string(userID), nullableRank(rank), time.Now())
	if err != nil {
		return fmt.Errorf("updating cached rank: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotLinked
	}
	return nil
}

// Delete removes a linked account
func (s *Store) Delete(ctx context.Context, userID domain.UserID) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM linked_accounts WHERE user_id = $1`, string(userID))
	if err != nil {
		return fmt.Errorf("deleting linked account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotLinked
	}
	return nil
}

// Usernames returns all linked external usernames, used as a fallback corpus
// for nearest-match suggestions.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT username FROM linked_accounts`)
	if err != nil {
		return nil, fmt.Errorf("listing usernames: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning username: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanAccount(row pgx.Row) (domain.LinkedAccount, error) {
	var (
		account domain.LinkedAccount
		userID  string
		rank    *string
	)
	err := row.Scan(&userID, &account.Username, &rank, &account.LinkedAt, &account.UpdatedAt)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	account.UserID = domain.UserID(userID)
	if rank != nil {
		account.CachedRank = domain.Rank(*rank)
	}
	return account, nil
}

func nullableRank(rank domain.Rank) *string {
	if rank == "" {
		return nil
	}
	s := string(rank)
	return &s
}
