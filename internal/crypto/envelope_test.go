package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	raw, err := s.Seal("eyJhbGciOiJIUzI1NiJ9.token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(raw) {
		t.Fatalf("expected sealed prefix, got %q", raw)
	}
	if strings.Contains(raw, "eyJhbGciOiJIUzI1NiJ9") {
		t.Fatalf("sealed value leaks plaintext")
	}

	out, err := s.Open(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "eyJhbGciOiJIUzI1NiJ9.token" {
		t.Fatalf("expected original token, got %q", out)
	}
}

func TestOpenRejectsPlaintext(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if _, err := s.Open("plain-token"); err == nil {
		t.Fatalf("expected plaintext to be rejected")
	}
	if _, err := s.Open(sealedPrefix + "{not json"); err == nil {
		t.Fatalf("expected corrupt envelope to be rejected")
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := oldSealer.Seal("legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}

	resealed, err := rotated.Reseal(legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if !strings.Contains(resealed, `"key_id":"new"`) {
		t.Fatalf("expected resealed value under new key, got %q", resealed)
	}
	plain, err := rotated.Open(resealed)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if _, err := oldSealer.Open(resealed); err == nil {
		t.Fatalf("expected old sealer to reject value sealed with unknown key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
