package directory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"neighborly/go-backend/pkg/models"

	"github.com/cenkalti/backoff/v4"
)

// flakyDirectory fails the first `failures` publishes, then stores.
type flakyDirectory struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *MemoryDirectory
}

func (d *flakyDirectory) Get(ctx context.Context, userID string) (models.DirectoryEntry, error) {
	return d.inner.Get(ctx, userID)
}

func (d *flakyDirectory) Publish(ctx context.Context, userID string, publicKey []byte) error {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return ErrUnavailable
	}
	return d.inner.Publish(ctx, userID, publicKey)
}

func (d *flakyDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func waitNotPending(t *testing.T, p *Publisher, userID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.Pending(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("retry for %s still pending", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisherInlineSuccess(t *testing.T) {
	dir := &flakyDirectory{inner: NewMemoryDirectory()}
	p := NewPublisher(dir, WithBackOff(fastBackOff))
	defer p.Close()

	pub := testPublicKey(t, 1)
	if err := p.Publish(context.Background(), "alice", pub); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if p.Pending("alice") {
		t.Fatal("nothing should be queued after success")
	}
	if dir.Calls() != 1 {
		t.Fatalf("expected one call, got %d", dir.Calls())
	}
}

func TestPublisherQueuesRetryOnFailure(t *testing.T) {
	dir := &flakyDirectory{failures: 3, inner: NewMemoryDirectory()}
	p := NewPublisher(dir, WithBackOff(fastBackOff))
	defer p.Close()

	pub := testPublicKey(t, 2)
	err := p.Publish(context.Background(), "alice", pub)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected inline failure, got %v", err)
	}
	waitNotPending(t, p, "alice")

	entry, err := dir.inner.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("expected key published after retry: %v", err)
	}
	if !bytes.Equal(entry.PublicKey, pub) {
		t.Fatal("published wrong key")
	}
	if dir.Calls() != 4 {
		t.Fatalf("expected 4 calls, got %d", dir.Calls())
	}
}

func TestPublisherNewerKeySupersedesQueuedRetry(t *testing.T) {
	dir := &flakyDirectory{failures: 1, inner: NewMemoryDirectory()}
	slow := func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
	p := NewPublisher(dir, WithBackOff(slow))
	defer p.Close()
	ctx := context.Background()

	oldKey, newKey := testPublicKey(t, 3), testPublicKey(t, 4)
	if err := p.Publish(ctx, "alice", oldKey); err == nil {
		t.Fatal("expected first publish to fail")
	}
	if !p.Pending("alice") {
		t.Fatal("expected retry queued")
	}
	if err := p.Publish(ctx, "alice", newKey); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
	if p.Pending("alice") {
		t.Fatal("older retry should have been cancelled")
	}
	entry, err := dir.inner.Get(ctx, "alice")
	if err != nil || !bytes.Equal(entry.PublicKey, newKey) {
		t.Fatalf("expected newest key in directory, got %v %v", entry, err)
	}
}

func TestPublisherDoesNotQueueInvalidKeys(t *testing.T) {
	dir := &flakyDirectory{inner: NewMemoryDirectory()}
	p := NewPublisher(dir, WithBackOff(fastBackOff))
	defer p.Close()
	if err := p.Publish(context.Background(), "alice", []byte{1}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if p.Pending("alice") || dir.Calls() != 0 {
		t.Fatal("invalid key must not reach the directory")
	}
}

func TestPublisherCloseStopsRetries(t *testing.T) {
	dir := &flakyDirectory{failures: 1 << 30, inner: NewMemoryDirectory()}
	p := NewPublisher(dir, WithBackOff(fastBackOff))
	if err := p.Publish(context.Background(), "alice", testPublicKey(t, 5)); err == nil {
		t.Fatal("expected failure")
	}
	p.Close()
	if p.Pending("alice") {
		t.Fatal("close should drain pending retries")
	}
	calls := dir.Calls()
	time.Sleep(30 * time.Millisecond)
	if dir.Calls() != calls {
		t.Fatal("retries continued after close")
	}

	if err := p.Publish(context.Background(), "alice", testPublicKey(t, 5)); err == nil {
		t.Fatal("expected inline failure after close")
	}
	if p.Pending("alice") {
		t.Fatal("closed publisher must not queue")
	}
}

func TestPublisherStartClosesOnContextDone(t *testing.T) {
	dir := &flakyDirectory{failures: 1 << 30, inner: NewMemoryDirectory()}
	p := NewPublisher(dir, WithBackOff(fastBackOff))
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	_ = p.Publish(context.Background(), "alice", testPublicKey(t, 6))
	cancel()
	waitNotPending(t, p, "alice")
}
