package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"neighborly/go-backend/internal/securestore"
	"neighborly/go-backend/pkg/models"

	"github.com/gofrs/flock"
)

const (
	fileVaultVersion  = 1
	fileLockRetryWait = 25 * time.Millisecond
)

// FileVault stores every user of one device profile in a single sealed file.
// The in-process mutex serialises goroutines; the flock serialises separate
// app instances (for example two windows) sharing the profile directory.
type FileVault struct {
	mu     sync.Mutex
	path   string
	secret string
	lock   *flock.Flock
}

type fileVaultState struct {
	Version int                     `json:"version"`
	Records map[string]storedRecord `json:"records"`
}

func NewFileVault(path, passphrase string) (*FileVault, error) {
	path, passphrase = securestore.NormalizeStorageConfig(path, passphrase)
	if !securestore.IsStorageConfigured(path, passphrase) {
		return nil, fmt.Errorf("%w: file vault requires a path and a passphrase", ErrVaultUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, unavailable("init", err)
	}
	return &FileVault{
		path:   path,
		secret: passphrase,
		lock:   flock.New(path + ".lock"),
	}, nil
}

func (v *FileVault) Get(ctx context.Context, userID string) (models.KeyPair, bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return models.KeyPair{}, false, err
	}
	var (
		rec storedRecord
		ok  bool
	)
	err = v.withLock(ctx, false, func() error {
		state, err := v.loadLocked()
		if err != nil {
			return err
		}
		rec, ok = state.Records[id]
		return nil
	})
	if err != nil || !ok {
		return models.KeyPair{}, false, err
	}
	kp, err := toKeyPair(id, rec)
	if err != nil {
		return models.KeyPair{}, false, err
	}
	return kp, true, nil
}

func (v *FileVault) PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error) {
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return models.KeyPair{}, err
	}
	var stored storedRecord
	err = v.withLock(ctx, true, func() error {
		state, err := v.loadLocked()
		if err != nil {
			return err
		}
		if existing, ok := state.Records[id]; ok {
			stored = existing
			return nil
		}
		state.Records[id] = rec
		stored = rec
		return v.writeLocked(state)
	})
	if err != nil {
		return models.KeyPair{}, err
	}
	return toKeyPair(id, stored)
}

func (v *FileVault) Overwrite(ctx context.Context, userID string, kp models.KeyPair) error {
	id, rec, err := prepareRecord(userID, kp)
	if err != nil {
		return err
	}
	return v.withLock(ctx, true, func() error {
		state, err := v.loadLocked()
		if err != nil {
			return err
		}
		state.Records[id] = rec
		return v.writeLocked(state)
	})
}

func (v *FileVault) Delete(ctx context.Context, userID string) error {
	id, err := normalizeID(userID)
	if err != nil {
		return err
	}
	return v.withLock(ctx, true, func() error {
		state, err := v.loadLocked()
		if err != nil {
			return err
		}
		if _, ok := state.Records[id]; !ok {
			return nil
		}
		delete(state.Records, id)
		return v.writeLocked(state)
	})
}

func (v *FileVault) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = v.lock.TryLockContext(ctx, fileLockRetryWait)
	} else {
		locked, err = v.lock.TryRLockContext(ctx, fileLockRetryWait)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return unavailable("lock", err)
	}
	if !locked {
		return unavailable("lock", errors.New("profile lock not acquired"))
	}
	defer func() { _ = v.lock.Unlock() }()
	return fn()
}

// loadLocked fails closed: a missing file is an empty vault, anything else
// unreadable (bad passphrase, truncated or tampered file) is unavailable.
func (v *FileVault) loadLocked() (*fileVaultState, error) {
	state := &fileVaultState{Version: fileVaultVersion, Records: make(map[string]storedRecord)}
	plain, err := securestore.ReadDecryptedFile(v.path, v.secret)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, unavailable("read", err)
	}
	defer securestore.Zero(plain)
	if err := json.Unmarshal(plain, state); err != nil {
		return nil, unavailable("decode", err)
	}
	if state.Version != fileVaultVersion {
		return nil, unavailable("decode", fmt.Errorf("unsupported vault file version %d", state.Version))
	}
	if state.Records == nil {
		state.Records = make(map[string]storedRecord)
	}
	return state, nil
}

func (v *FileVault) writeLocked(state *fileVaultState) error {
	state.Version = fileVaultVersion
	if err := securestore.WriteEncryptedJSON(v.path, v.secret, state); err != nil {
		return unavailable("write", err)
	}
	return nil
}
