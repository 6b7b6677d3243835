// Package directory holds the public key directory: the interface the key
// lifecycle publishes to and reads recipients from, an in-process store, an
// HTTP client and server, a CouchDB store and a retrying publisher.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/pkg/models"
)

var (
	ErrNotFound         = errors.New("public key not found in directory")
	ErrInvalidPublicKey = errors.New("invalid directory public key")
	ErrUnavailable      = errors.New("public key directory unavailable")
	ErrRateLimited      = errors.New("directory publish rate limited")
)

// Directory is eventually consistent: a Get after Publish may still return
// the previous key.
type Directory interface {
	Get(ctx context.Context, userID string) (models.DirectoryEntry, error)
	Publish(ctx context.Context, userID string, publicKey []byte) error
}

// validateEntry normalizes the user id and checks the key shape. Both
// failures are permanent for a publish.
func validateEntry(userID string, publicKey []byte) (string, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if err := keypair.ValidatePublicKey(publicKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return id, nil
}

// MemoryDirectory is an in-process directory for tests and single-node use.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]models.DirectoryEntry
	now     func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]models.DirectoryEntry),
		now:     time.Now,
	}
}

func (d *MemoryDirectory) Get(ctx context.Context, userID string) (models.DirectoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.DirectoryEntry{}, err
	}
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return models.DirectoryEntry{}, err
	}
	d.mu.RLock()
	entry, ok := d.entries[id]
	d.mu.RUnlock()
	if !ok {
		return models.DirectoryEntry{}, ErrNotFound
	}
	entry.PublicKey = append([]byte(nil), entry.PublicKey...)
	return entry, nil
}

func (d *MemoryDirectory) Publish(ctx context.Context, userID string, publicKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := validateEntry(userID, publicKey)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.entries[id] = models.DirectoryEntry{
		UserID:      id,
		PublicKey:   append([]byte(nil), publicKey...),
		PublishedAt: d.now().UTC(),
	}
	d.mu.Unlock()
	return nil
}

// Len reports the number of published users.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
