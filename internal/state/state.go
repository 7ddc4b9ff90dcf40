// Package state is the embedded bbolt store for users, API tokens,
// OAuth state values and rate-limit counters. bbolt admits a single
// read-write transaction at a time, which makes every mutating operation
// here linearizable without further locking.
package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/info-rss/internal/errors"
	"github.com/alexjbarnes/info-rss/internal/models"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	usersBucket      = []byte("users")
	federatedBucket  = []byte("federated_ids")
	tokensBucket     = []byte("tokens")
	userTokensBucket = []byte("user_tokens")
	statesBucket     = []byte("oauth_states")
	rateLimitBucket  = []byte("rate_limits")
)

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			usersBucket,
			federatedBucket,
			tokensBucket,
			userTokensBucket,
			statesBucket,
			rateLimitBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction unless ctx is already done.
func (s *State) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(fn)
}

func (s *State) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(fn)
}

// --- Users ---

func upsertUser(tx *bolt.Tx, profile models.FederatedProfile, now time.Time) (models.User, error) {
	if profile.ID == "" {
		return models.User{}, fmt.Errorf("federated id is required")
	}

	users := tx.Bucket(usersBucket)
	fed := tx.Bucket(federatedBucket)

	var u models.User

	if id := fed.Get([]byte(profile.ID)); id != nil {
		if err := getJSON(users, id, &u); err != nil {
			return models.User{}, err
		}
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return models.User{}, fmt.Errorf("generating user id: %w", err)
		}

		u = models.User{
			ID:          id.String(),
			FederatedID: profile.ID,
			CreatedAt:   now,
		}

		if err := fed.Put([]byte(profile.ID), []byte(u.ID)); err != nil {
			return models.User{}, err
		}
	}

	u.Username = profile.Username
	u.Email = profile.Email
	u.Name = profile.Name
	u.AvatarURL = profile.AvatarURL
	u.UpdatedAt = now

	if err := putJSON(users, []byte(u.ID), u); err != nil {
		return models.User{}, err
	}

	return u, nil
}

// LoginUser upserts the user and issues token for them in one transaction.
func (s *State) LoginUser(ctx context.Context, profile models.FederatedProfile, token models.AuthToken, limit int, now time.Time) (models.User, models.AuthToken, error) {
	var (
		u   models.User
		out models.AuthToken
	)

	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error

		u, err = upsertUser(tx, profile, now)
		if err != nil {
			return err
		}

		token.UserID = u.ID
		out, err = createToken(tx, token, limit)

		return err
	})
	if err != nil {
		return models.User{}, models.AuthToken{}, err
	}

	return u, out, nil
}

// --- Tokens ---

// userTokenKey orders a user's tokens by creation sequence:
// userID 0x00 seq(8 bytes, big endian).
func userTokenKey(userID string, seq uint64) []byte {
	k := make([]byte, 0, len(userID)+9)
	k = append(k, userID...)
	k = append(k, 0)

	return binary.BigEndian.AppendUint64(k, seq)
}

func userPrefix(userID string) []byte {
	return append([]byte(userID), 0)
}

func countUserTokens(tx *bolt.Tx, userID string) int {
	prefix := userPrefix(userID)
	c := tx.Bucket(userTokensBucket).Cursor()

	n := 0
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		n++
	}

	return n
}

func createToken(tx *bolt.Tx, t models.AuthToken, limit int) (models.AuthToken, error) {
	if t.Value == "" || t.UserID == "" {
		return models.AuthToken{}, fmt.Errorf("token value and user id are required")
	}

	if tx.Bucket(usersBucket).Get([]byte(t.UserID)) == nil {
		return models.AuthToken{}, apperrors.ErrNotFound
	}

	if limit > 0 && countUserTokens(tx, t.UserID) >= limit {
		return models.AuthToken{}, &apperrors.QuotaError{Limit: limit}
	}

	tokens := tx.Bucket(tokensBucket)
	if tokens.Get([]byte(t.Value)) != nil {
		return models.AuthToken{}, fmt.Errorf("token value collision")
	}

	seq, err := tokens.NextSequence()
	if err != nil {
		return models.AuthToken{}, err
	}

	t.Seq = seq

	if err := putJSON(tokens, []byte(t.Value), t); err != nil {
		return models.AuthToken{}, err
	}

	if err := tx.Bucket(userTokensBucket).Put(userTokenKey(t.UserID, seq), []byte(t.Value)); err != nil {
		return models.AuthToken{}, err
	}

	return t, nil
}

// CreateToken stores t unless its owner already holds limit tokens.
// A limit of zero or less disables the check.
func (s *State) CreateToken(ctx context.Context, t models.AuthToken, limit int) (models.AuthToken, error) {
	var out models.AuthToken

	err := s.update(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = createToken(tx, t, limit)

		return err
	})

	return out, err
}

// ListTokens returns the user's tokens in creation order.
func (s *State) ListTokens(ctx context.Context, userID string) ([]models.AuthToken, error) {
	tokens := []models.AuthToken{}

	err := s.view(ctx, func(tx *bolt.Tx) error {
		prefix := userPrefix(userID)
		tb := tx.Bucket(tokensBucket)
		c := tx.Bucket(userTokensBucket).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t models.AuthToken
			if err := getJSON(tb, v, &t); err != nil {
				return fmt.Errorf("loading token %d: %w", binary.BigEndian.Uint64(k[len(prefix):]), err)
			}

			tokens = append(tokens, t)
		}

		return nil
	})

	return tokens, err
}

// LookupToken resolves a token value to the token and its owner.
func (s *State) LookupToken(ctx context.Context, value string) (models.AuthToken, models.User, error) {
	var (
		t models.AuthToken
		u models.User
	)

	err := s.view(ctx, func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(tokensBucket), []byte(value), &t); err != nil {
			return err
		}

		return getJSON(tx.Bucket(usersBucket), []byte(t.UserID), &u)
	})
	if err != nil {
		return models.AuthToken{}, models.User{}, err
	}

	return t, u, nil
}

func ownedToken(tx *bolt.Tx, userID, value string) (models.AuthToken, error) {
	var t models.AuthToken
	if err := getJSON(tx.Bucket(tokensBucket), []byte(value), &t); err != nil {
		return models.AuthToken{}, err
	}

	if t.UserID != userID {
		return models.AuthToken{}, apperrors.ErrNotOwner
	}

	return t, nil
}

func deleteToken(tx *bolt.Tx, t models.AuthToken) error {
	if err := tx.Bucket(tokensBucket).Delete([]byte(t.Value)); err != nil {
		return err
	}

	return tx.Bucket(userTokensBucket).Delete(userTokenKey(t.UserID, t.Seq))
}

// DeleteToken removes a token owned by userID.
func (s *State) DeleteToken(ctx context.Context, userID, value string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		t, err := ownedToken(tx, userID, value)
		if err != nil {
			return err
		}

		return deleteToken(tx, t)
	})
}

// RotateToken swaps oldValue for replacement atomically. The old value
// stops authenticating in the same commit that makes the new one valid.
func (s *State) RotateToken(ctx context.Context, userID, oldValue string, replacement models.AuthToken) (models.AuthToken, error) {
	var out models.AuthToken

	err := s.update(ctx, func(tx *bolt.Tx) error {
		old, err := ownedToken(tx, userID, oldValue)
		if err != nil {
			return err
		}

		if err := deleteToken(tx, old); err != nil {
			return err
		}

		replacement.UserID = userID
		replacement.Label = old.Label
		out, err = createToken(tx, replacement, 0)

		return err
	})

	return out, err
}

// TouchToken records the last time a token authenticated a request.
func (s *State) TouchToken(ctx context.Context, value string, at time.Time) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		var t models.AuthToken
		if err := getJSON(b, []byte(value), &t); err != nil {
			return err
		}

		t.LastUsedAt = &at

		return putJSON(b, []byte(value), t)
	})
}

// --- OAuth state ---

// SaveState records a freshly issued OAuth state value.
func (s *State) SaveState(ctx context.Context, st models.OAuthState) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(statesBucket), []byte(st.Value), st)
	})
}

// ConsumeState marks a state value used. Expiry is checked before reuse
// so a stale replay reports expiry.
func (s *State) ConsumeState(ctx context.Context, value string, notBefore time.Time) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)

		var st models.OAuthState

		err := getJSON(b, []byte(value), &st)
		if err == apperrors.ErrNotFound {
			return apperrors.ErrInvalidState
		}

		if err != nil {
			return err
		}

		if st.CreatedAt.Before(notBefore) {
			return apperrors.ErrExpiredState
		}

		if st.Used {
			return apperrors.ErrReplayedState
		}

		st.Used = true

		return putJSON(b, []byte(value), st)
	})
}

// ReapStates deletes state values created before the cutoff.
func (s *State) ReapStates(ctx context.Context, before time.Time) (int, error) {
	var n int

	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var st models.OAuthState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}

			if st.CreatedAt.Before(before) {
				stale = append(stale, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(stale)

		return nil
	})

	return n, err
}

// --- helpers ---

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return apperrors.ErrNotFound
	}

	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}
