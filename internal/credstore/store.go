// Package credstore persists the session token and cached user profile as two
// independent key-value entries. The pair is all-or-nothing: a load that finds
// only one entry, or a user entry that does not parse, clears both.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"kesepian/internal/crypto"
	"kesepian/internal/model"
)

type Credential struct {
	Token string
	User  model.UserSummary
}

// Sealer protects the token at rest. *crypto.Sealer satisfies it.
type Sealer interface {
	Seal(value string) (string, error)
	Open(raw string) (string, error)
	Reseal(raw string) (string, error)
}

type Store struct {
	kv       KV
	sealer   Sealer
	logger   zerolog.Logger
	tokenKey string
	userKey  string
}

type Config struct {
	KV        KV
	Sealer    Sealer
	KeyPrefix string
	Logger    zerolog.Logger
}

func New(cfg Config) *Store {
	if cfg.KV == nil {
		cfg.KV = NewMemoryKV()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "aku_kesepian_"
	}
	return &Store{
		kv:       cfg.KV,
		sealer:   cfg.Sealer,
		logger:   cfg.Logger.With().Str("component", "credstore").Logger(),
		tokenKey: cfg.KeyPrefix + "token",
		userKey:  cfg.KeyPrefix + "user",
	}
}

func (s *Store) Keys() (tokenKey, userKey string) {
	return s.tokenKey, s.userKey
}

func (s *Store) Save(ctx context.Context, token string, user model.UserSummary) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token is empty")
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	stored := token
	if s.sealer != nil {
		stored, err = s.sealer.Seal(token)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
	}
	if err := s.kv.Set(ctx, map[string]string{
		s.tokenKey: stored,
		s.userKey:  string(userJSON),
	}); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// SaveUser replaces the cached user while keeping the stored token. It is a
// no-op when no token is stored, so it can never produce a partial pair.
// A sealed token is moved to the current key on the way.
func (s *Store) SaveUser(ctx context.Context, user model.UserSummary) error {
	rawToken, ok, err := s.kv.Get(ctx, s.tokenKey)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if !ok {
		return nil
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	entries := map[string]string{s.userKey: string(userJSON)}
	if s.sealer != nil && crypto.IsSealed(rawToken) {
		resealed, err := s.sealer.Reseal(rawToken)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to reseal token, keeping it as stored")
		} else {
			entries[s.tokenKey] = resealed
		}
	}
	if err := s.kv.Set(ctx, entries); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// Load returns ok=false unless both entries are present and valid. Corrupt or
// partial state is cleared before returning. The error is reserved for the
// backing store failing.
func (s *Store) Load(ctx context.Context) (Credential, bool, error) {
	rawToken, hasToken, err := s.kv.Get(ctx, s.tokenKey)
	if err != nil {
		return Credential{}, false, fmt.Errorf("read token: %w", err)
	}
	rawUser, hasUser, err := s.kv.Get(ctx, s.userKey)
	if err != nil {
		return Credential{}, false, fmt.Errorf("read user: %w", err)
	}

	if !hasToken && !hasUser {
		return Credential{}, false, nil
	}
	if !hasToken || !hasUser {
		s.logger.Warn().Bool("has_token", hasToken).Bool("has_user", hasUser).Msg("partial credential, clearing")
		return Credential{}, false, s.Clear(ctx)
	}

	var user model.UserSummary
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil || !user.Valid() {
		s.logger.Warn().Err(err).Msg("stored user does not parse, clearing")
		return Credential{}, false, s.Clear(ctx)
	}

	token, err := s.openToken(rawToken)
	if err != nil || strings.TrimSpace(token) == "" {
		s.logger.Warn().Err(err).Msg("stored token unusable, clearing")
		return Credential{}, false, s.Clear(ctx)
	}

	return Credential{Token: token, User: user}, true, nil
}

// Token returns the stored token when a complete credential is present.
func (s *Store) Token(ctx context.Context) (string, bool) {
	cred, ok, err := s.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read token")
		return "", false
	}
	if !ok {
		return "", false
	}
	return cred.Token, true
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.tokenKey, s.userKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *Store) openToken(raw string) (string, error) {
	if s.sealer == nil {
		if crypto.IsSealed(raw) {
			return "", fmt.Errorf("token is sealed but no credential key is configured")
		}
		return raw, nil
	}
	return s.sealer.Open(raw)
}
