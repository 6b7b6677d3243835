// Package vault keeps the device-local custody of each user's private key.
//
// Contract shared by every backend:
//   - Get never reports a storage failure as "no key"; it returns ErrVaultUnavailable.
//   - PutIfAbsent is an idempotent create: an existing record wins and is returned.
//   - Overwrite is the only way to replace a key and is reserved for restore/reset.
//   - Records persist only {private_key, created_at}; the public key is recomputed.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/pkg/models"
)

var (
	ErrVaultUnavailable = errors.New("key vault unavailable")
	ErrInvalidRecord    = errors.New("invalid key vault record")
)

type Vault interface {
	Get(ctx context.Context, userID string) (models.KeyPair, bool, error)
	PutIfAbsent(ctx context.Context, userID string, kp models.KeyPair) (models.KeyPair, error)
	Overwrite(ctx context.Context, userID string, kp models.KeyPair) error
	Delete(ctx context.Context, userID string) error
}

type storedRecord struct {
	PrivateKey []byte    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrVaultUnavailable, op, err)
}

// prepareRecord validates caller input before anything touches storage.
func prepareRecord(userID string, kp models.KeyPair) (string, storedRecord, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return "", storedRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if kp.UserID != "" && kp.UserID != id {
		return "", storedRecord{}, fmt.Errorf("%w: key pair belongs to another user", ErrInvalidRecord)
	}
	pub, err := keypair.PublicKey(kp.PrivateKey)
	if err != nil {
		return "", storedRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(kp.PublicKey) > 0 && !bytes.Equal(pub, kp.PublicKey) {
		return "", storedRecord{}, fmt.Errorf("%w: public key does not match private key", ErrInvalidRecord)
	}
	createdAt := kp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return id, storedRecord{
		PrivateKey: append([]byte(nil), kp.PrivateKey...),
		CreatedAt:  createdAt.UTC(),
	}, nil
}

func normalizeID(userID string) (string, error) {
	id, err := models.NormalizeUserID(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return id, nil
}

// toKeyPair treats an undecodable stored record as corruption, not absence.
func toKeyPair(userID string, rec storedRecord) (models.KeyPair, error) {
	kp, err := keypair.FromPrivate(userID, rec.PrivateKey, rec.CreatedAt)
	if err != nil {
		return models.KeyPair{}, unavailable("corrupted record", err)
	}
	return kp, nil
}

// Close releases backend resources when the vault holds any.
func Close(v Vault) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
