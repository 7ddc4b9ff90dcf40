// Package postgres stores users, API tokens, OAuth state values and
// rate-limit counters in PostgreSQL so several instances can share them.
// Counters and quotas rely on row locks taken inside one transaction per
// operation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements the identity store, rate-limit ledger and OAuth state
// table on a database/sql pool backed by pgx.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		database.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		database.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		database.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		database.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(ctx, database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: database}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrNotFound
	}

	return err
}

// --- Users ---

const userColumns = `id, federated_id, username, email, name, avatar_url, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.FederatedID, &u.Username, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()

	return u, err
}

func upsertUser(ctx context.Context, q queryer, profile models.FederatedProfile, now time.Time) (models.User, error) {
	if profile.ID == "" {
		return models.User{}, fmt.Errorf("federated id is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	u, err := scanUser(q.QueryRowContext(ctx, `
		INSERT INTO users (id, federated_id, username, email, name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (federated_id)
		DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		id.String(), profile.ID, profile.Username, profile.Email, profile.Name, profile.AvatarURL, now.UTC()))
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}

	return u, nil
}

// LoginUser upserts the user and issues token for them in one transaction.
func (s *Store) LoginUser(ctx context.Context, profile models.FederatedProfile, token models.AuthToken, limit int, now time.Time) (models.User, models.AuthToken, error) {
	var (
		u   models.User
		out models.AuthToken
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error

		u, err = upsertUser(ctx, tx, profile, now)
		if err != nil {
			return err
		}

		token.UserID = u.ID
		out, err = createToken(ctx, tx, token, limit)

		return err
	})
	if err != nil {
		return models.User{}, models.AuthToken{}, err
	}

	return u, out, nil
}

// --- Tokens ---

const tokenColumns = `value, seq, user_id, label, created_at, last_used_at, expires_at`

func scanToken(row interface{ Scan(...any) error }) (models.AuthToken, error) {
	var (
		t                   models.AuthToken
		lastUsed, expiresAt sql.NullTime
	)

	if err := row.Scan(&t.Value, &t.Seq, &t.UserID, &t.Label, &t.CreatedAt, &lastUsed, &expiresAt); err != nil {
		return models.AuthToken{}, err
	}

	t.CreatedAt = t.CreatedAt.UTC()
	if lastUsed.Valid {
		v := lastUsed.Time.UTC()
		t.LastUsedAt = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time.UTC()
		t.ExpiresAt = &v
	}

	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

// createToken locks the owner row so concurrent issues for one user
// serialize on the quota count.
func createToken(ctx context.Context, tx *sql.Tx, t models.AuthToken, limit int) (models.AuthToken, error) {
	if t.Value == "" || t.UserID == "" {
		return models.AuthToken{}, fmt.Errorf("token value and user id are required")
	}

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, t.UserID).Scan(&locked); err != nil {
		return models.AuthToken{}, notFound(err)
	}

	if limit > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_tokens WHERE user_id = $1`, t.UserID).Scan(&count); err != nil {
			return models.AuthToken{}, fmt.Errorf("count tokens: %w", err)
		}

		if count >= limit {
			return models.AuthToken{}, &apperrors.QuotaError{Limit: limit}
		}
	}

	out, err := scanToken(tx.QueryRowContext(ctx, `
		INSERT INTO auth_tokens (value, user_id, label, created_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+tokenColumns,
		t.Value, t.UserID, t.Label, t.CreatedAt.UTC(), nullTime(t.LastUsedAt), nullTime(t.ExpiresAt)))
	if err != nil {
		return models.AuthToken{}, fmt.Errorf("insert token: %w", err)
	}

	return out, nil
}

// CreateToken stores t unless its owner already holds limit tokens.
func (s *Store) CreateToken(ctx context.Context, t models.AuthToken, limit int) (models.AuthToken, error) {
	var out models.AuthToken

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = createToken(ctx, tx, t, limit)

		return err
	})

	return out, err
}

// ListTokens returns the user's tokens in creation order.
func (s *Store) ListTokens(ctx context.Context, userID string) ([]models.AuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM auth_tokens WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	tokens := []models.AuthToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}

		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// LookupToken resolves a token value to the token and its owner.
func (s *Store) LookupToken(ctx context.Context, value string) (models.AuthToken, models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.value, t.seq, t.user_id, t.label, t.created_at, t.last_used_at, t.expires_at,
			u.id, u.federated_id, u.username, u.email, u.name, u.avatar_url, u.created_at, u.updated_at
		FROM auth_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.value = $1
	`, value)

	var (
		t                   models.AuthToken
		u                   models.User
		lastUsed, expiresAt sql.NullTime
	)

	err := row.Scan(&t.Value, &t.Seq, &t.UserID, &t.Label, &t.CreatedAt, &lastUsed, &expiresAt,
		&u.ID, &u.FederatedID, &u.Username, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return models.AuthToken{}, models.User{}, notFound(err)
	}

	t.CreatedAt = t.CreatedAt.UTC()
	if lastUsed.Valid {
		v := lastUsed.Time.UTC()
		t.LastUsedAt = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time.UTC()
		t.ExpiresAt = &v
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()

	return t, u, nil
}

// ownedToken locks the token row and checks its owner.
func ownedToken(ctx context.Context, tx *sql.Tx, userID, value string) (models.AuthToken, error) {
	t, err := scanToken(tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM auth_tokens WHERE value = $1 FOR UPDATE`, value))
	if err != nil {
		return models.AuthToken{}, notFound(err)
	}

	if t.UserID != userID {
		return models.AuthToken{}, apperrors.ErrNotOwner
	}

	return t, nil
}

// DeleteToken removes a token owned by userID.
func (s *Store) DeleteToken(ctx context.Context, userID, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := ownedToken(ctx, tx, userID, value); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE value = $1`, value); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}

		return nil
	})
}

// RotateToken swaps oldValue for replacement in one transaction.
func (s *Store) RotateToken(ctx context.Context, userID, oldValue string, replacement models.AuthToken) (models.AuthToken, error) {
	var out models.AuthToken

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := ownedToken(ctx, tx, userID, oldValue)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE value = $1`, oldValue); err != nil {
			return fmt.Errorf("delete rotated token: %w", err)
		}

		replacement.UserID = userID
		replacement.Label = old.Label
		out, err = createToken(ctx, tx, replacement, 0)

		return err
	})

	return out, err
}

// TouchToken records the last time a token authenticated a request.
func (s *Store) TouchToken(ctx context.Context, value string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_tokens SET last_used_at = $2 WHERE value = $1`, value, at.UTC())
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}

	if n == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// --- OAuth state ---

// SaveState records a freshly issued OAuth state value.
func (s *Store) SaveState(ctx context.Context, st models.OAuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (value, created_at, used)
		VALUES ($1, $2, $3)
	`, st.Value, st.CreatedAt.UTC(), st.Used)
	if err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}

	return nil
}

// ConsumeState marks a state value used under a row lock.
func (s *Store) ConsumeState(ctx context.Context, value string, notBefore time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			createdAt time.Time
			used      bool
		)

		err := tx.QueryRowContext(ctx, `
			SELECT created_at, used
			FROM oauth_states
			WHERE value = $1
			FOR UPDATE
		`, value).Scan(&createdAt, &used)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrInvalidState
		}
		if err != nil {
			return fmt.Errorf("lock oauth state: %w", err)
		}

		if createdAt.Before(notBefore) {
			return apperrors.ErrExpiredState
		}

		if used {
			return apperrors.ErrReplayedState
		}

		if _, err := tx.ExecContext(ctx, `UPDATE oauth_states SET used = TRUE WHERE value = $1`, value); err != nil {
			return fmt.Errorf("mark oauth state used: %w", err)
		}

		return nil
	})
}

// ReapStates deletes state values created before the cutoff.
func (s *Store) ReapStates(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("reap oauth states: %w", err)
	}

	n, err := res.RowsAffected()

	return int(n), err
}
