// Package tokens stores per-user OAuth credentials. The store is the single
// source of truth for tokens; other components never cache one beyond the
// lifetime of a single operation.
package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/storage"
)

// Tokens is the stored credential shape for one user.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at"` // epoch milliseconds
}

// Partial carries the fields of an in-place token update; nil fields are
// left unchanged.
type Partial struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresIn    *int
	CreatedAt    *int64
}

// Store persists tokens in bbolt and refreshes them against the upstream
// token endpoint.
type Store struct {
	db     *storage.BoltDB
	client *debrid.Client
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewStore builds a token store on an open database.
func NewStore(db *storage.BoltDB, client *debrid.Client, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		client: client,
		logger: logger.Named("tokens"),
		nowFn:  time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.nowFn = now
}

// GetTokens returns the user's tokens, or nil when none are stored.
func (s *Store) GetTokens(userID string) (*Tokens, error) {
	data, err := s.db.Get(storage.TokensBucket, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return &t, nil
}

// StoreTokens replaces the user's tokens. A zero CreatedAt is stamped with
// the current time.
func (s *Store) StoreTokens(userID string, t *Tokens) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = s.nowFn().UnixMilli()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	return s.db.Put(storage.TokensBucket, userID, data)
}

// UpdateTokens applies a partial update to stored tokens.
func (s *Store) UpdateTokens(userID string, p Partial) error {
	t, err := s.GetTokens(userID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("no tokens stored for user %s: %w", userID, storage.ErrNotFound)
	}

	if p.AccessToken != nil {
		t.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		t.RefreshToken = *p.RefreshToken
	}
	if p.ExpiresIn != nil {
		t.ExpiresIn = *p.ExpiresIn
	}
	if p.CreatedAt != nil {
		t.CreatedAt = *p.CreatedAt
	}

	return s.StoreTokens(userID, t)
}

// DeleteTokens removes the user's tokens.
func (s *Store) DeleteTokens(userID string) error {
	return s.db.Delete(storage.TokensBucket, userID)
}

// IsExpired reports whether the token's remaining lifetime, minus the buffer,
// has elapsed.
func (s *Store) IsExpired(t *Tokens, bufferMinutes int) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	elapsed := s.nowFn().UnixMilli() - t.CreatedAt
	usable := int64(t.ExpiresIn-bufferMinutes*60) * 1000
	return elapsed > usable
}

// Refresh exchanges the stored refresh token for fresh credentials and
// persists the result. The prior refresh token is preserved when the
// upstream omits a replacement.
func (s *Store) Refresh(ctx context.Context, userID string) (*Tokens, error) {
	t, err := s.GetTokens(userID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.RefreshToken == "" {
		return nil, debrid.ErrNoToken
	}

	resp, err := s.client.RefreshToken(ctx, t.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	fresh := &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
		CreatedAt:    s.nowFn().UnixMilli(),
	}
	if err := s.StoreTokens(userID, fresh); err != nil {
		return nil, err
	}

	s.logger.Info("Refreshed upstream tokens", zap.String("user", userID))
	return fresh, nil
}
