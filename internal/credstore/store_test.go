package credstore

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kesepian/internal/crypto"
	"kesepian/internal/model"
	"kesepian/internal/storage"
)

func sampleUser() model.UserSummary {
	return model.UserSummary{
		ID:       "u-1",
		Email:    "ayu@example.com",
		Username: "ayu",
		FullName: "Ayu Lestari",
		Profile:  model.Profile{Bio: "suka kopi"},
	}
}

func backends(t *testing.T) map[string]KV {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "creds.db"), true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]KV{
		"memory": NewMemoryKV(),
		"redis":  NewRedisKV(rdb),
		"sqlite": NewSQLKV(db),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		s := New(Config{KV: kv, Logger: zerolog.Nop()})

		if err := s.Save(ctx, "tok-123", sampleUser()); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		cred, ok, err := s.Load(ctx)
		if err != nil || !ok {
			t.Fatalf("%s: expected credential, ok=%v err=%v", name, ok, err)
		}
		if cred.Token != "tok-123" || cred.User.ID != "u-1" || cred.User.Profile.Bio != "suka kopi" {
			t.Fatalf("%s: round trip mismatch: %+v", name, cred)
		}
	}
}

func TestPartialStateIsClearedOnLoad(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		s := New(Config{KV: kv, Logger: zerolog.Nop()})
		tokenKey, userKey := s.Keys()

		if err := kv.Set(ctx, map[string]string{tokenKey: "orphan"}); err != nil {
			t.Fatalf("%s: seed token: %v", name, err)
		}
		if _, ok, err := s.Load(ctx); ok || err != nil {
			t.Fatalf("%s: expected absent for token-only state, ok=%v err=%v", name, ok, err)
		}
		if _, present, _ := kv.Get(ctx, tokenKey); present {
			t.Fatalf("%s: expected orphan token to be cleared", name)
		}

		if err := kv.Set(ctx, map[string]string{userKey: `{"id":"u-1","email":"a@b.co"}`}); err != nil {
			t.Fatalf("%s: seed user: %v", name, err)
		}
		if _, ok, _ := s.Load(ctx); ok {
			t.Fatalf("%s: expected absent for user-only state", name)
		}
		if _, present, _ := kv.Get(ctx, userKey); present {
			t.Fatalf("%s: expected orphan user to be cleared", name)
		}
	}
}

func TestCorruptUserSelfHeals(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(Config{KV: kv, Logger: zerolog.Nop()})
	tokenKey, userKey := s.Keys()

	if err := kv.Set(ctx, map[string]string{tokenKey: "tok", userKey: "{not-json"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := s.Load(ctx); ok || err != nil {
		t.Fatalf("expected corrupt state to load as absent, ok=%v err=%v", ok, err)
	}
	if _, present, _ := kv.Get(ctx, tokenKey); present {
		t.Fatalf("expected token cleared after corrupt user")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Logger: zerolog.Nop()})
	if err := s.Save(ctx, "tok", sampleUser()); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("clear #%d: %v", i+1, err)
		}
	}
	if _, ok, _ := s.Load(ctx); ok {
		t.Fatalf("expected absent after clear")
	}
}

func TestSaveUserNeverCreatesPartialPair(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(Config{KV: kv, Logger: zerolog.Nop()})
	_, userKey := s.Keys()

	if err := s.SaveUser(ctx, sampleUser()); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if _, present, _ := kv.Get(ctx, userKey); present {
		t.Fatalf("expected no user entry without a token")
	}

	if err := s.Save(ctx, "tok", sampleUser()); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated := sampleUser()
	updated.FullName = "Ayu L."
	if err := s.SaveUser(ctx, updated); err != nil {
		t.Fatalf("save user: %v", err)
	}
	cred, ok, _ := s.Load(ctx)
	if !ok || cred.User.FullName != "Ayu L." || cred.Token != "tok" {
		t.Fatalf("expected replaced user with same token, got %+v", cred)
	}
}

func TestSealedTokenAtRest(t *testing.T) {
	ctx := context.Background()
	key, _ := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	kv := NewMemoryKV()
	s := New(Config{KV: kv, Sealer: sealer, Logger: zerolog.Nop()})
	tokenKey, _ := s.Keys()

	if err := s.Save(ctx, "tok-secret", sampleUser()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _, _ := kv.Get(ctx, tokenKey)
	if !crypto.IsSealed(raw) {
		t.Fatalf("expected token sealed at rest, got %q", raw)
	}
	cred, ok, err := s.Load(ctx)
	if err != nil || !ok || cred.Token != "tok-secret" {
		t.Fatalf("expected unsealed token, got %+v ok=%v err=%v", cred, ok, err)
	}

	// A reader without the key treats the sealed pair as unusable.
	plain := New(Config{KV: kv, Logger: zerolog.Nop()})
	if _, ok, _ := plain.Load(ctx); ok {
		t.Fatalf("expected sealed token to be unusable without key")
	}
	if _, present, _ := kv.Get(ctx, tokenKey); present {
		t.Fatalf("expected unusable credential to be cleared")
	}
}

func TestSaveUserResealsUnderCurrentKey(t *testing.T) {
	ctx := context.Background()
	k1, _ := base64.StdEncoding.DecodeString("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	k2, _ := base64.StdEncoding.DecodeString("AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")
	old, err := crypto.NewSealer("k1", map[string][]byte{"k1": k1})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	kv := NewMemoryKV()
	if err := New(Config{KV: kv, Sealer: old, Logger: zerolog.Nop()}).Save(ctx, "tok-secret", sampleUser()); err != nil {
		t.Fatalf("save: %v", err)
	}

	rotated, err := crypto.NewSealer("k2", map[string][]byte{"k1": k1, "k2": k2})
	if err != nil {
		t.Fatalf("new rotated sealer: %v", err)
	}
	s := New(Config{KV: kv, Sealer: rotated, Logger: zerolog.Nop()})
	if err := s.SaveUser(ctx, sampleUser()); err != nil {
		t.Fatalf("save user: %v", err)
	}

	tokenKey, _ := s.Keys()
	raw, _, _ := kv.Get(ctx, tokenKey)
	if !strings.Contains(raw, `"key_id":"k2"`) {
		t.Fatalf("expected token resealed with k2, got %q", raw)
	}
	onlyNew, _ := crypto.NewSealer("k2", map[string][]byte{"k2": k2})
	cred, ok, err := New(Config{KV: kv, Sealer: onlyNew, Logger: zerolog.Nop()}).Load(ctx)
	if err != nil || !ok || cred.Token != "tok-secret" {
		t.Fatalf("expected token readable with the new key alone, got %+v ok=%v err=%v", cred, ok, err)
	}
}
