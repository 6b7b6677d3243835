package vault

import (
	"context"
	"sync"

	"neighborly/go-backend/pkg/models"
)

// MemoryVault keeps records for the lifetime of the process.
type MemoryVault struct {
	mu      sync.RWMutex
	records map[string]storedRecord
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{records: make(map[string]storedRecord)}
}

func (v *MemoryVault) Get(ctx context.Context, userID string) (models.KeyPair, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.KeyPair{}, false, err
	}
	id, err := normalizeID(userID)
	if err != nil {
		return models.KeyPair{}, false, err
	}
	v.mu.RLock()
	rec, ok := v.records[id]
	v.mu.RUnlock()
	if !ok {
		return models.KeyPair{}, false, nil
	}
	kp, err := toKeyPair(id, rec)
	if err != nil {
		return models.KeyPair{}, false, err
	}
	return kp, true, nil
}

func (v *MemoryVault) PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return models.KeyPair{}, err
	}
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return models.KeyPair{}, err
	}
	v.mu.Lock()
	existing, ok := v.records[id]
	if !ok {
		v.records[id] = rec
		existing = rec
	}
	v.mu.Unlock()
	return toKeyPair(id, existing)
}

func (v *MemoryVault) Overwrite(ctx context.Context, userID string, kp models.KeyPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.records[id]; ok {
		wipe(old.PrivateKey)
	}
	v.records[id] = rec
	return nil
}

func (v *MemoryVault) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := normalizeID(userID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.records[id]; ok {
		wipe(old.PrivateKey)
		delete(v.records, id)
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
