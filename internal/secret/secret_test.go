package secret

import (
	"encoding/base64"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealRoundTrip(t *testing.T) {
	c, err := New(testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sealed, err := c.Seal("sk-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "sk-secret") {
		t.Fatalf("value not sealed: %q", sealed)
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "sk-secret" {
		t.Fatalf("Open = %q", plain)
	}
}

func TestOpenPassesPlaintext(t *testing.T) {
	c, _ := New(testKey)
	got, err := c.Open("legacy")
	if err != nil || got != "legacy" {
		t.Fatalf("Open(legacy) = %q, %v", got, err)
	}
	if s, _ := c.Seal(""); s != "" {
		t.Fatalf("empty value sealed to %q", s)
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	a, _ := New(testKey)
	b, _ := New(base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210")))
	sealed, _ := a.Seal("sk-secret")
	if _, err := b.Open(sealed); err != ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "")
	if c, err := FromEnv(); c != nil || err != nil {
		t.Fatalf("unset key: %v, %v", c, err)
	}
	t.Setenv(KeyEnv, "short")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for bad key")
	}
}
