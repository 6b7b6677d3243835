package directory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/pkg/models"
)

func testPublicKey(t *testing.T, seed byte) []byte {
	t.Helper()
	priv := bytes.Repeat([]byte{seed}, keypair.PrivateKeySize)
	pub, err := keypair.PublicKey(priv)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	return pub
}

func TestMemoryDirectoryPublishAndGet(t *testing.T) {
	dir := NewMemoryDirectory()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return fixed }
	ctx := context.Background()

	if _, err := dir.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pub := testPublicKey(t, 1)
	if err := dir.Publish(ctx, " alice ", pub); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	entry, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry.UserID != "alice" || !bytes.Equal(entry.PublicKey, pub) || !entry.PublishedAt.Equal(fixed) {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	entry.PublicKey[0] ^= 0xff
	again, _ := dir.Get(ctx, "alice")
	if !bytes.Equal(again.PublicKey, pub) {
		t.Fatal("caller mutation leaked into directory")
	}
}

func TestMemoryDirectoryLatestPublishWins(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	first, second := testPublicKey(t, 1), testPublicKey(t, 2)
	if err := dir.Publish(ctx, "alice", first); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := dir.Publish(ctx, "alice", second); err != nil {
		t.Fatalf("publish second: %v", err)
	}
	entry, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(entry.PublicKey, second) {
		t.Fatal("expected latest key")
	}
	if dir.Len() != 1 {
		t.Fatalf("expected one entry, got %d", dir.Len())
	}
}

func TestMemoryDirectoryRejectsInvalidInput(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()
	if err := dir.Publish(ctx, "alice", []byte{1, 2, 3}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for short key, got %v", err)
	}
	if err := dir.Publish(ctx, "", testPublicKey(t, 1)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for empty user, got %v", err)
	}
	if _, err := dir.Get(ctx, "bad id"); !errors.Is(err, models.ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := dir.Publish(canceled, "alice", testPublicKey(t, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
