package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("entry_value").
		From("credential_entries").
		Where(sq.Eq{"entry_key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get entry query: %w", err)
	}

	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get entry: %w", err)
	}
	return value, nil
}

// SetMany upserts all entries in one transaction.
func (s *Store) SetMany(ctx context.Context, entries map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set entries: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for key, value := range entries {
		q := s.sql.Insert("credential_entries").
			Columns("entry_key", "entry_value", "updated_at").
			Values(key, value, now).
			Suffix("ON CONFLICT(entry_key) DO UPDATE SET entry_value=excluded.entry_value, updated_at=excluded.updated_at")

		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build set entry query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("set entry %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set entries: %w", err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	q := s.sql.Delete("credential_entries").Where(sq.Eq{"entry_key": keys})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete entries query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}
